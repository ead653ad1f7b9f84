package models

import "time"

// ActionType is the kind of operational action a candidate solution takes.
type ActionType string

const (
	// ActionProceed runs the operation as scheduled.
	ActionProceed ActionType = "proceed"
	// ActionDelay postpones the operation by a duration.
	ActionDelay ActionType = "delay"
	// ActionCancel cancels the operation outright.
	ActionCancel ActionType = "cancel"
	// ActionEscalate hands the decision to a human without a recommendation.
	ActionEscalate ActionType = "escalate"
)

// Valid returns true if the action is a known value.
func (a ActionType) Valid() bool {
	switch a {
	case ActionProceed, ActionDelay, ActionCancel, ActionEscalate:
		return true
	default:
		return false
	}
}

// ConstraintKind classifies a parsed binding constraint.
type ConstraintKind string

const (
	// ConstraintMin requires a delay of at least Value.
	ConstraintMin ConstraintKind = "min"
	// ConstraintMax allows a delay of at most Value.
	ConstraintMax ConstraintKind = "max"
	// ConstraintNoGo forbids operating at all.
	ConstraintNoGo ConstraintKind = "no_go"
	// ConstraintAdvisory is a binding condition with no numeric bound.
	ConstraintAdvisory ConstraintKind = "advisory"
)

// Constraint is a binding statement from a safety worker in structured form.
type Constraint struct {
	// Worker is the safety worker that emitted the constraint.
	Worker string `json:"worker"`
	// Raw is the constraint text as the worker wrote it.
	Raw string `json:"raw"`
	// Kind is the bound type.
	Kind ConstraintKind `json:"kind"`
	// Subject groups constraints that talk about the same thing (e.g. "crew_rest").
	Subject string `json:"subject"`
	// Value is the duration bound; zero for no_go and advisory.
	Value time.Duration `json:"value"`
}

// ConflictKind classifies a disagreement between workers.
type ConflictKind string

const (
	ConflictSafetyVsBusiness   ConflictKind = "safety_vs_business"
	ConflictSafetyVsSafety     ConflictKind = "safety_vs_safety"
	ConflictBusinessVsBusiness ConflictKind = "business_vs_business"
)

// Conflict records a disagreement and how it was settled.
type Conflict struct {
	Kind        ConflictKind `json:"kind"`
	Subject     string       `json:"subject,omitempty"`
	Workers     []string     `json:"workers"`
	Description string       `json:"description"`
	Resolution  string       `json:"resolution,omitempty"`
	Resolved    bool         `json:"resolved"`
}

// Override records a business proposal that was changed to satisfy a constraint.
type Override struct {
	Worker     string `json:"worker"`
	Constraint string `json:"constraint"`
	Proposed   string `json:"proposed"`
	Applied    string `json:"applied"`
}

// Scores are the normalized [0,1] sub-scores behind a candidate's composite.
type Scores struct {
	SafetyMargin    float64 `json:"safety_margin"`
	Cost            float64 `json:"cost"`
	AffectedParties float64 `json:"affected_parties"`
	Network         float64 `json:"network"`
}

// Candidate is one ranked solution in an arbitration decision.
type Candidate struct {
	// ID is stable within a decision and is what approvers select.
	ID string `json:"id"`
	// Source is the worker whose proposal seeded the candidate, or "arbiter".
	Source string `json:"source"`
	// Action is the operational action.
	Action ActionType `json:"action"`
	// Delay applies when Action is delay.
	Delay time.Duration `json:"delay,omitempty"`
	// Summary is a one-line human description.
	Summary string `json:"summary"`
	// Scores are the sub-scores.
	Scores Scores `json:"scores"`
	// Composite is the weighted score used for ranking.
	Composite float64 `json:"composite"`
	// Conditions are advisory constraints that travel with the candidate.
	Conditions []string `json:"conditions,omitempty"`
	// Recommended is true for the top-ranked candidate only.
	Recommended bool `json:"recommended"`
}

// DecisionOutcome says whether arbitration produced a recommendation.
type DecisionOutcome string

const (
	OutcomeDecided   DecisionOutcome = "decided"
	OutcomeEscalated DecisionOutcome = "escalated"
)

// Decision is the arbitration result for a thread.
type Decision struct {
	Outcome       DecisionOutcome `json:"outcome"`
	FinalDecision string          `json:"final_decision"`
	Candidates    []Candidate     `json:"candidates"`
	Constraints   []Constraint    `json:"constraints"`
	Conflicts     []Conflict      `json:"conflicts"`
	Overrides     []Override      `json:"overrides"`
	Confidence    float64         `json:"confidence"`
	Justification string          `json:"justification"`
	DecidedAt     time.Time       `json:"decided_at"`
}

// Recommended returns the top-ranked candidate, or nil if there is none.
func (d *Decision) Recommended() *Candidate {
	if d == nil {
		return nil
	}
	for i := range d.Candidates {
		if d.Candidates[i].Recommended {
			return &d.Candidates[i]
		}
	}
	return nil
}

// Candidate returns the candidate with the given ID, or nil.
func (d *Decision) Candidate(id string) *Candidate {
	if d == nil {
		return nil
	}
	for i := range d.Candidates {
		if d.Candidates[i].ID == id {
			return &d.Candidates[i]
		}
	}
	return nil
}

// UnresolvedConflicts counts conflicts arbitration could not settle.
func (d *Decision) UnresolvedConflicts() int {
	n := 0
	for _, c := range d.Conflicts {
		if !c.Resolved {
			n++
		}
	}
	return n
}

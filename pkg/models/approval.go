package models

import "time"

// ApprovalRecord is the single human decision recorded for a thread.
type ApprovalRecord struct {
	// ThreadID is the thread the decision applies to.
	ThreadID string `json:"thread_id"`
	// Approved is false when the decision was rejected.
	Approved bool `json:"approved"`
	// RecommendedID is the candidate the arbiter recommended.
	RecommendedID string `json:"recommended_id,omitempty"`
	// SelectedID is the candidate the approver chose. Empty on rejection.
	SelectedID string `json:"selected_id,omitempty"`
	// Override is true when SelectedID differs from RecommendedID.
	Override bool `json:"override"`
	// Rationale is the approver's reason, if given.
	Rationale string `json:"rationale,omitempty"`
	// Approver identifies who decided.
	Approver string `json:"approver,omitempty"`
	// DecisionHash binds the record to the exact decision that was reviewed.
	DecisionHash string `json:"decision_hash"`
	// DecidedAt is when the record was written.
	DecidedAt time.Time `json:"decided_at"`
}

// PendingApproval is the state saved when a thread pauses for review.
type PendingApproval struct {
	ThreadID     string    `json:"thread_id"`
	Decision     *Decision `json:"decision"`
	DecisionHash string    `json:"decision_hash"`
	RequestedAt  time.Time `json:"requested_at"`
}

// Resolution is the result stored on a completed thread.
type Resolution struct {
	Decision *Decision `json:"decision"`
	// Selected is the candidate that was carried out.
	Selected *Candidate `json:"selected,omitempty"`
	// Approval is set when a human reviewed the decision.
	Approval *ApprovalRecord `json:"approval,omitempty"`
}

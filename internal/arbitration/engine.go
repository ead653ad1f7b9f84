// Package arbitration turns the two collated rounds into a single ranked
// decision. Safety constraints are binding and always win over business
// proposals; the remaining choice is made by a weighted composite score.
package arbitration

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/arbiter/internal/orchestrator/policy"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// ErrQuorumNotMet is returned alongside an escalated decision when too few
// safety workers succeeded in the revision round.
var ErrQuorumNotMet = errors.New("safety quorum not met")

// arbiterSource marks candidates the engine generated itself.
const arbiterSource = "arbiter"

// Engine produces decisions. It holds no per-thread state and is safe for
// concurrent use.
type Engine struct {
	policy policy.ArbitrationPolicy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. Out-of-range policy values fall back to defaults.
func NewEngine(p policy.ArbitrationPolicy, opts ...Option) *Engine {
	cfg := policy.Config{Arbitration: p}
	if err := cfg.Validate(); err != nil {
		cfg.Arbitration.Weights = policy.DefaultWeights()
	}
	e := &Engine{
		policy: cfg.Arbitration,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide arbitrates the revision round, using the initial round only to
// fill in business proposals from workers that failed to revise. When the
// safety quorum is not met it returns an escalated decision together with
// an error wrapping ErrQuorumNotMet.
func (e *Engine) Decide(round1, round2 *models.Collation) (*models.Decision, error) {
	if round2 == nil {
		return nil, errors.New("decide: revision collation is required")
	}

	safety := round2.ByRole(models.RoleSafety)
	var okSafety []models.WorkerResponse
	constraints := []models.Constraint{}
	for _, r := range safety {
		if !r.Succeeded() {
			continue
		}
		okSafety = append(okSafety, r)
		for _, raw := range r.Constraints {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			constraints = append(constraints, ParseConstraints(r.Worker, raw)...)
		}
	}
	bounds := combine(constraints)

	proposals := collectProposals(round1, round2)
	conflicts := safetyConflicts(constraints, bounds)
	cands, overrides, sbConflicts := e.candidates(proposals, constraints, bounds)
	conflicts = append(conflicts, sbConflicts...)
	if c, ok := businessConflict(proposals, cands); ok {
		conflicts = append(conflicts, c)
	}

	d := &models.Decision{
		Outcome:     models.OutcomeDecided,
		Candidates:  cands,
		Constraints: constraints,
		Conflicts:   conflicts,
		Overrides:   overrides,
		Confidence:  Confidence(round2, conflicts),
		DecidedAt:   e.now().UTC(),
	}

	need := e.quorum(len(safety))
	if len(okSafety) < need {
		e.escalate(d, len(okSafety), len(safety))
		e.logger.Warn("arbitration escalated", "safety_ok", len(okSafety), "safety_registered", len(safety), "need", need)
		return d, fmt.Errorf("%w: %d of %d safety workers succeeded, need %d",
			ErrQuorumNotMet, len(okSafety), len(safety), need)
	}

	d.FinalDecision = d.Recommended().Summary
	d.Justification = justify(d, bounds)
	e.logger.Info("arbitration decided",
		"decision", d.FinalDecision,
		"confidence", d.Confidence,
		"candidates", len(d.Candidates),
		"overrides", len(d.Overrides))
	return d, nil
}

// quorum is the number of safety successes required, never less than one.
func (e *Engine) quorum(registered int) int {
	need := int(math.Ceil(e.policy.SafetyQuorum*float64(registered) - 1e-9))
	if need < 1 {
		need = 1
	}
	return need
}

func (e *Engine) escalate(d *models.Decision, ok, registered int) {
	esc := models.Candidate{
		Source:  arbiterSource,
		Action:  models.ActionEscalate,
		Summary: "escalate to human review",
		Scores:  models.Scores{SafetyMargin: 1},
	}
	cands := append([]models.Candidate{esc}, d.Candidates...)
	if len(cands) > e.policy.MaxCandidates {
		cands = cands[:e.policy.MaxCandidates]
	}
	number(cands)

	d.Outcome = models.OutcomeEscalated
	d.Candidates = cands
	d.Confidence = math.Min(d.Confidence, e.policy.EscalatedConfidence)
	d.FinalDecision = fmt.Sprintf("escalate: %d of %d safety workers responded", ok, registered)
	d.Justification = fmt.Sprintf(
		"Only %d of %d safety workers produced constraints in the revision round, so the binding safety picture is incomplete. "+
			"The decision is handed to a human reviewer; the remaining options were computed from partial data.",
		ok, registered)
}

// number assigns stable IDs in rank order and marks the first as recommended.
func number(cands []models.Candidate) {
	for i := range cands {
		cands[i].ID = fmt.Sprintf("c%d", i+1)
		cands[i].Recommended = i == 0
	}
}

// Confidence is computed over every registered worker so that a missing
// response always lowers it:
//
//	(0.5*agreement + 0.5*meanConfidence) * completeness / (1 + 0.5*unresolved)
//
// agreement is the share of workers that succeeded without taking part in
// a conflict, and a failed worker contributes zero confidence.
func Confidence(round2 *models.Collation, conflicts []models.Conflict) float64 {
	if round2 == nil || len(round2.Responses) == 0 {
		return 0
	}
	total := float64(len(round2.Responses))

	disagreeing := make(map[string]bool)
	unresolved := 0
	for _, c := range conflicts {
		if !c.Resolved {
			unresolved++
		}
		for _, w := range c.Workers {
			disagreeing[w] = true
		}
	}

	var agreeing, confSum float64
	for _, r := range round2.SuccessfulOnly() {
		confSum += clamp01(r.Confidence)
		if !disagreeing[r.Worker] {
			agreeing++
		}
	}

	score := (0.5*agreeing/total + 0.5*confSum/total) * round2.Completeness()
	return clamp01(score / (1 + 0.5*float64(unresolved)))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func justify(d *models.Decision, b Bounds) string {
	var parts []string
	switch {
	case b.NoGo:
		parts = append(parts, "A safety worker declared a no-go, so only cancellation satisfies the binding constraints.")
	case !b.Feasible():
		parts = append(parts, fmt.Sprintf("Safety constraints are contradictory (minimum %s exceeds maximum %s); cancelling is the only safe option.",
			FormatDelay(b.Floor), FormatDelay(b.Ceiling)))
	case b.Floor > 0 && b.HasCeiling:
		parts = append(parts, fmt.Sprintf("Safety constraints allow a delay between %s and %s.", FormatDelay(b.Floor), FormatDelay(b.Ceiling)))
	case b.Floor > 0:
		parts = append(parts, fmt.Sprintf("Safety constraints require a delay of at least %s.", FormatDelay(b.Floor)))
	case b.HasCeiling:
		parts = append(parts, fmt.Sprintf("Safety constraints allow a delay of at most %s.", FormatDelay(b.Ceiling)))
	default:
		parts = append(parts, "No safety worker set a delay bound.")
	}
	if n := len(d.Overrides); n > 0 {
		parts = append(parts, fmt.Sprintf("%d business proposal(s) were adjusted to satisfy them.", n))
	}
	if n := d.UnresolvedConflicts(); n > 0 {
		parts = append(parts, fmt.Sprintf("%d conflict(s) remain unresolved.", n))
	}
	if rec := d.Recommended(); rec != nil {
		parts = append(parts, fmt.Sprintf("Recommended: %s (score %.2f, proposed by %s).", rec.Summary, rec.Composite, rec.Source))
	}
	if len(b.Advisories) > 0 {
		parts = append(parts, "Conditions: "+strings.Join(b.Advisories, "; ")+".")
	}
	return strings.Join(parts, " ")
}

// sortCandidates ranks by composite, then safety margin, then source.
func sortCandidates(cands []models.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !nearlyEqual(a.Composite, b.Composite) {
			return a.Composite > b.Composite
		}
		if !nearlyEqual(a.Scores.SafetyMargin, b.Scores.SafetyMargin) {
			return a.Scores.SafetyMargin > b.Scores.SafetyMargin
		}
		return a.Source < b.Source
	})
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

package arbitration

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/arbiter/pkg/models"
)

// proposal is a business worker's suggested action. Impact values are in
// [0,1] where lower is better.
type proposal struct {
	worker     string
	action     models.ActionType
	delay      time.Duration
	cost       float64
	affected   float64
	network    float64
	confidence float64
	summary    string
}

func (p proposal) key() string {
	return actionKey(p.action, p.delay)
}

func actionKey(a models.ActionType, d time.Duration) string {
	if a != models.ActionDelay {
		return string(a)
	}
	return string(a) + ":" + d.String()
}

// collectProposals reads business proposals from the revision round and
// falls back to a worker's initial proposal when its revision failed.
func collectProposals(round1, round2 *models.Collation) []proposal {
	var out []proposal
	for _, r := range round2.ByRole(models.RoleBusiness) {
		if r.Succeeded() {
			if p, ok := proposalFrom(r); ok {
				out = append(out, p)
				continue
			}
		}
		if round1 == nil {
			continue
		}
		if prev, ok := round1.Responses[r.Worker]; ok && prev.Succeeded() {
			if p, ok := proposalFrom(prev); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// proposalFrom reads the proposal fields from a business payload:
// action, delay (or delay_minutes), cost, affected_parties, network_impact
// and summary.
func proposalFrom(r models.WorkerResponse) (proposal, bool) {
	p := proposal{
		worker:     r.Worker,
		confidence: clamp01(r.Confidence),
		cost:       0.5,
		affected:   0.5,
		network:    0.5,
	}

	switch v := r.Payload["delay"].(type) {
	case string:
		p.delay, _ = ParseDelay(v)
	default:
		if mins, ok := number01(v, false); ok {
			p.delay = time.Duration(mins * float64(time.Minute))
		}
	}
	if mins, ok := number01(r.Payload["delay_minutes"], false); ok {
		p.delay = time.Duration(mins * float64(time.Minute))
	}

	action, _ := r.Payload["action"].(string)
	p.action = models.ActionType(strings.ToLower(strings.TrimSpace(action)))
	switch {
	case p.action == "" && p.delay > 0:
		p.action = models.ActionDelay
	case p.action == "":
		return proposal{}, false
	case !p.action.Valid() || p.action == models.ActionEscalate:
		return proposal{}, false
	}
	if p.action == models.ActionProceed && p.delay > 0 {
		p.action = models.ActionDelay
	}
	if p.action == models.ActionDelay && p.delay == 0 {
		p.action = models.ActionProceed
	}
	if p.action != models.ActionDelay {
		p.delay = 0
	}

	if v, ok := number01(r.Payload["cost"], true); ok {
		p.cost = v
	}
	if v, ok := number01(r.Payload["affected_parties"], true); ok {
		p.affected = v
	}
	if v, ok := number01(r.Payload["network_impact"], true); ok {
		p.network = v
	}
	p.summary, _ = r.Payload["summary"].(string)
	return p, true
}

// number01 reads a numeric payload value, clamping to [0,1] when bounded.
func number01(v any, bounded bool) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if f < 0 {
		f = 0
	}
	if bounded {
		f = clamp01(f)
	}
	return f, true
}

func describe(a models.ActionType, d time.Duration) string {
	switch a {
	case models.ActionProceed:
		return "proceed as scheduled"
	case models.ActionDelay:
		return "delay " + FormatDelay(d)
	case models.ActionCancel:
		return "cancel"
	default:
		return "escalate to human review"
	}
}

// constrain applies the safety bounds to a proposal. The returned override
// and conflict are nil when the proposal already complied.
func constrain(p proposal, constraints []models.Constraint, b Bounds) (models.ActionType, time.Duration, *models.Override, *models.Conflict) {
	action, delay := p.action, p.delay
	if action == models.ActionCancel {
		return action, 0, nil, nil
	}

	var binding []string
	var rule string
	switch {
	case !b.Feasible():
		action, delay = models.ActionCancel, 0
		binding = bindingWorkers(constraints, models.ConstraintNoGo, 0)
		rule = "no-go"
		if !b.NoGo {
			binding = append(bindingWorkers(constraints, models.ConstraintMin, b.Floor),
				bindingWorkers(constraints, models.ConstraintMax, b.Ceiling)...)
			rule = fmt.Sprintf("minimum %s exceeds maximum %s", FormatDelay(b.Floor), FormatDelay(b.Ceiling))
		}
	case delay < b.Floor:
		action, delay = models.ActionDelay, b.Floor
		binding = bindingWorkers(constraints, models.ConstraintMin, b.Floor)
		rule = "minimum delay " + FormatDelay(b.Floor)
	case b.HasCeiling && delay > b.Ceiling:
		action, delay = models.ActionDelay, b.Ceiling
		if delay == 0 {
			action = models.ActionProceed
		}
		binding = bindingWorkers(constraints, models.ConstraintMax, b.Ceiling)
		rule = "maximum delay " + FormatDelay(b.Ceiling)
	default:
		return action, delay, nil, nil
	}

	proposed, applied := describe(p.action, p.delay), describe(action, delay)
	ov := &models.Override{Worker: p.worker, Constraint: rule, Proposed: proposed, Applied: applied}
	cf := &models.Conflict{
		Kind:        models.ConflictSafetyVsBusiness,
		Subject:     DefaultSubject,
		Workers:     append([]string{p.worker}, binding...),
		Description: fmt.Sprintf("%s proposed %s, which violates %s", p.worker, proposed, rule),
		Resolution:  "safety constraint applied: " + applied,
		Resolved:    true,
	}
	return action, delay, ov, cf
}

func bindingWorkers(constraints []models.Constraint, kind models.ConstraintKind, value time.Duration) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range constraints {
		if c.Kind != kind || (kind != models.ConstraintNoGo && c.Value != value) || seen[c.Worker] {
			continue
		}
		seen[c.Worker] = true
		out = append(out, c.Worker)
	}
	return out
}

// candidates builds, scores and ranks the solution set. Every candidate
// satisfies the bounds: proposals are constrained first, and the engine
// adds its own safe option.
func (e *Engine) candidates(proposals []proposal, constraints []models.Constraint, b Bounds) ([]models.Candidate, []models.Override, []models.Conflict) {
	overrides := []models.Override{}
	var conflicts []models.Conflict
	byKey := make(map[string]int)
	var cands []models.Candidate

	add := func(c models.Candidate) {
		key := actionKey(c.Action, c.Delay)
		if i, ok := byKey[key]; ok {
			if c.Composite > cands[i].Composite {
				cands[i] = c
			}
			return
		}
		byKey[key] = len(cands)
		cands = append(cands, c)
	}

	var meanCost, meanAffected, meanNetwork float64
	for _, p := range proposals {
		action, delay, ov, cf := constrain(p, constraints, b)
		if ov != nil {
			overrides = append(overrides, *ov)
			conflicts = append(conflicts, *cf)
		}
		meanCost += p.cost
		meanAffected += p.affected
		meanNetwork += p.network

		summary := describe(action, delay)
		if ov == nil && p.summary != "" {
			summary += ": " + p.summary
		}
		c := models.Candidate{Source: p.worker, Action: action, Delay: delay, Summary: summary}
		e.score(&c, b, p.cost, p.affected, p.network)
		add(c)
	}

	if n := float64(len(proposals)); n > 0 {
		meanCost, meanAffected, meanNetwork = meanCost/n, meanAffected/n, meanNetwork/n
	} else {
		meanCost, meanAffected, meanNetwork = 0.5, 0.5, 0.5
	}

	// The engine's own option: the least delay the constraints allow.
	if b.Feasible() {
		action := models.ActionDelay
		if b.Floor == 0 {
			action = models.ActionProceed
		}
		c := models.Candidate{Source: arbiterSource, Action: action, Delay: b.Floor, Summary: describe(action, b.Floor)}
		e.score(&c, b, meanCost, meanAffected, meanNetwork)
		if _, ok := byKey[actionKey(c.Action, c.Delay)]; !ok {
			add(c)
		}
	}
	if !b.Feasible() || len(proposals) == 0 {
		c := models.Candidate{Source: arbiterSource, Action: models.ActionCancel, Summary: describe(models.ActionCancel, 0)}
		e.score(&c, b, 1, 1, 1)
		if _, ok := byKey[actionKey(c.Action, c.Delay)]; !ok {
			add(c)
		}
	}

	if len(b.Advisories) > 0 {
		for i := range cands {
			if cands[i].Action != models.ActionCancel {
				cands[i].Conditions = append([]string(nil), b.Advisories...)
			}
		}
	}

	sortCandidates(cands)
	if len(cands) > e.policy.MaxCandidates {
		cands = cands[:e.policy.MaxCandidates]
	}
	number(cands)
	return cands, overrides, conflicts
}

// score fills sub-scores and the weighted composite. Impact inputs are
// lower-is-better and are inverted here.
func (e *Engine) score(c *models.Candidate, b Bounds, cost, affected, network float64) {
	c.Scores = models.Scores{
		SafetyMargin:    safetyMargin(c.Action, c.Delay, b),
		Cost:            1 - clamp01(cost),
		AffectedParties: 1 - clamp01(affected),
		Network:         1 - clamp01(network),
	}
	w := e.policy.Weights
	c.Composite = (w.SafetyMargin*c.Scores.SafetyMargin +
		w.Cost*c.Scores.Cost +
		w.AffectedParties*c.Scores.AffectedParties +
		w.Network*c.Scores.Network) / w.Sum()
}

// safetyMargin is 1 for cancellation, 0 for anything outside the bounds,
// and otherwise grows from 0.6 with slack above the floor.
func safetyMargin(action models.ActionType, delay time.Duration, b Bounds) float64 {
	switch action {
	case models.ActionCancel, models.ActionEscalate:
		return 1
	}
	if !b.Allows(delay) {
		return 0
	}
	ref := b.Floor
	if ref < time.Hour {
		ref = time.Hour
	}
	slack := float64(delay-b.Floor) / float64(ref)
	if slack > 1 {
		slack = 1
	}
	return 0.6 + 0.4*slack
}

// safetyConflicts reports disagreements between safety workers: differing
// bounds on the same subject, resolved conservatively, and an empty delay
// window, which cannot be resolved without cancelling.
func safetyConflicts(constraints []models.Constraint, b Bounds) []models.Conflict {
	conflicts := []models.Conflict{}

	type group struct {
		subject string
		kind    models.ConstraintKind
	}
	values := make(map[group]map[time.Duration][]string)
	var order []group
	for _, c := range constraints {
		if c.Kind != models.ConstraintMin && c.Kind != models.ConstraintMax {
			continue
		}
		g := group{c.Subject, c.Kind}
		if values[g] == nil {
			values[g] = make(map[time.Duration][]string)
			order = append(order, g)
		}
		values[g][c.Value] = append(values[g][c.Value], c.Worker)
	}

	for _, g := range order {
		vals := values[g]
		if len(vals) < 2 {
			continue
		}
		var durations []time.Duration
		var workers []string
		for d, ws := range vals {
			durations = append(durations, d)
			workers = append(workers, ws...)
		}
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		sort.Strings(workers)

		chosen, label := durations[len(durations)-1], "larger minimum"
		if g.kind == models.ConstraintMax {
			chosen, label = durations[0], "smaller maximum"
		}
		parts := make([]string, len(durations))
		for i, d := range durations {
			parts[i] = FormatDelay(d)
		}
		conflicts = append(conflicts, models.Conflict{
			Kind:        models.ConflictSafetyVsSafety,
			Subject:     g.subject,
			Workers:     dedupe(workers),
			Description: fmt.Sprintf("safety workers disagree on %s %s: %s", g.kind, g.subject, strings.Join(parts, " vs ")),
			Resolution:  fmt.Sprintf("took the %s: %s", label, FormatDelay(chosen)),
			Resolved:    true,
		})
	}

	if !b.NoGo && !b.Feasible() {
		workers := append(bindingWorkers(constraints, models.ConstraintMin, b.Floor),
			bindingWorkers(constraints, models.ConstraintMax, b.Ceiling)...)
		conflicts = append(conflicts, models.Conflict{
			Kind:        models.ConflictSafetyVsSafety,
			Subject:     DefaultSubject,
			Workers:     dedupe(workers),
			Description: fmt.Sprintf("minimum delay %s exceeds maximum delay %s", FormatDelay(b.Floor), FormatDelay(b.Ceiling)),
			Resolution:  "no delay satisfies every constraint; cancel",
			Resolved:    false,
		})
	}
	return conflicts
}

// businessConflict reports differing business proposals. It is resolved by
// ranking unless the top two candidates tie on both composite and margin.
func businessConflict(proposals []proposal, ranked []models.Candidate) (models.Conflict, bool) {
	keys := make(map[string]bool)
	var workers, parts []string
	for _, p := range proposals {
		keys[p.key()] = true
		workers = append(workers, p.worker)
		parts = append(parts, p.worker+" "+describe(p.action, p.delay))
	}
	if len(keys) < 2 {
		return models.Conflict{}, false
	}

	c := models.Conflict{
		Kind:        models.ConflictBusinessVsBusiness,
		Workers:     workers,
		Description: "business proposals differ: " + strings.Join(parts, ", "),
		Resolved:    true,
	}
	if len(ranked) > 0 {
		c.Resolution = "ranked by weighted score: " + ranked[0].Summary
	}
	if len(ranked) > 1 &&
		nearlyEqual(ranked[0].Composite, ranked[1].Composite) &&
		nearlyEqual(ranked[0].Scores.SafetyMargin, ranked[1].Scores.SafetyMargin) {
		c.Resolved = false
		c.Resolution = "top candidates tie on score and safety margin"
	}
	return c, true
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

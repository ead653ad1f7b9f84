package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/arbiter/internal/approval"
	"github.com/ShayCichocki/arbiter/internal/arbitration"
	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/internal/orchestrator/policy"
	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/internal/thread"
	"github.com/ShayCichocki/arbiter/internal/worker"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// defaultRecoverParallelism bounds concurrent resumes in RecoverAll.
const defaultRecoverParallelism = 4

// Outcome is what a Run or Resume produced.
type Outcome struct {
	ThreadID string                 `json:"thread_id"`
	Status   models.ThreadStatus    `json:"status"`
	Initial  *models.Collation      `json:"initial,omitempty"`
	Revision *models.Collation      `json:"revision,omitempty"`
	Decision *models.Decision       `json:"decision,omitempty"`
	Approval *models.ApprovalRecord `json:"approval,omitempty"`
	// Escalated is true when arbitration could not recommend and the
	// decision went to a human regardless of the approval policy.
	Escalated bool `json:"escalated"`
	// DurabilityLost is true when any checkpoint written by this call
	// only reached process memory.
	DurabilityLost bool `json:"durability_lost"`
	// ResumedFrom is the phase Resume started from. Empty for Run.
	ResumedFrom models.Phase `json:"resumed_from,omitempty"`
}

// ResumeResult pairs a thread with the result of resuming it.
type ResumeResult struct {
	ThreadID string
	Outcome  *Outcome
	Err      error
}

// Orchestrator drives threads through both worker rounds, arbitration and
// the approval gate. It holds no per-thread state between calls: everything
// needed to continue a thread is in its checkpoints.
type Orchestrator struct {
	threads         *thread.Manager
	recovery        *thread.RecoveryManager
	checkpoints     *checkpoint.Store
	registry        *worker.Registry
	coordinator     *PhaseCoordinator
	engine          *arbitration.Engine
	gate            *approval.Gate
	bus             *EventBus
	policy          *policy.Config
	requireApproval bool
	logger          *slog.Logger
}

// New creates an Orchestrator.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Threads == nil || req.Recovery == nil || req.Checkpoints == nil || req.Registry == nil {
		return nil, errors.New("orchestrator: threads, recovery, checkpoints and registry are required")
	}

	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.policyConfig
	if cfg == nil {
		cfg = policy.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator policy: %w", err)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	orch := &Orchestrator{
		threads:         req.Threads,
		recovery:        req.Recovery,
		checkpoints:     req.Checkpoints,
		registry:        req.Registry,
		coordinator:     o.coordinator,
		engine:          o.engine,
		gate:            o.gate,
		bus:             o.bus,
		policy:          cfg,
		requireApproval: cfg.Approval.Required,
		logger:          logger,
	}
	if o.requireApproval != nil {
		orch.requireApproval = *o.requireApproval
	}
	if orch.coordinator == nil {
		orch.coordinator = NewPhaseCoordinator(req.Registry, cfg.Rounds.RoundTimeout, logger)
	}
	if orch.engine == nil {
		orch.engine = arbitration.NewEngine(cfg.Arbitration, arbitration.WithLogger(logger))
	}
	if orch.gate == nil {
		orch.gate = approval.NewGate(req.Threads, req.Checkpoints,
			approval.WithLogger(logger),
			approval.WithPollInterval(cfg.Approval.PollInterval),
			approval.WithRecordHook(orch.publishRecord))
	}
	return orch, nil
}

// Gate returns the approval gate threads pause on.
func (o *Orchestrator) Gate() *approval.Gate { return o.gate }

// Bus returns the event bus, or nil if none was configured.
func (o *Orchestrator) Bus() *EventBus { return o.bus }

// Threads returns the thread manager.
func (o *Orchestrator) Threads() *thread.Manager { return o.threads }

// runState is the phase output accumulated for one thread. A nil field
// means the phase has not produced a checkpoint yet.
type runState struct {
	disruption json.RawMessage
	initial    *models.Collation
	revision   *models.Collation
	decision   *models.Decision
	escalated  bool
	pending    *models.PendingApproval
	record     *models.ApprovalRecord
}

// Run creates a thread for the disruption and drives it as far as it can
// go: to completed, or to awaiting_approval when a human must decide.
// If ctx is cancelled mid-run the thread stays active and can be resumed.
func (o *Orchestrator) Run(ctx context.Context, disruption json.RawMessage) (*Outcome, error) {
	id, err := o.threads.Create(ctx, disruption)
	if err != nil {
		return nil, err
	}
	o.publish(Event{Type: EventThreadCreated, ThreadID: id, CheckpointID: models.CheckpointCreated})

	out := &Outcome{ThreadID: id}
	return o.drive(ctx, id, &runState{disruption: disruption}, out)
}

// Resume continues a thread from its last good checkpoint. Terminal
// threads are returned as they are. Completed phases are never re-run.
func (o *Orchestrator) Resume(ctx context.Context, threadID string) (*Outcome, error) {
	rs, err := o.recovery.Recover(ctx, threadID)
	if err != nil {
		return nil, err
	}
	t := rs.Thread
	if t == nil {
		if t, err = o.threads.Get(ctx, threadID); err != nil {
			return nil, fmt.Errorf("resume thread %s: %w", threadID, err)
		}
	}

	st, err := o.load(ctx, t)
	if err != nil {
		return nil, err
	}
	out := &Outcome{ThreadID: threadID, ResumedFrom: rs.Phase, DurabilityLost: rs.DurabilityLost}

	if t.Status.Terminal() {
		o.fill(out, st)
		out.Status = t.Status
		return out, nil
	}

	o.logger.Info("resuming thread", "thread_id", threadID, "phase", rs.Phase, "checkpoint_id", rs.CheckpointID, "status", t.Status)
	return o.drive(ctx, threadID, st, out)
}

// RecoverAll resumes every interrupted thread with at most parallelism
// resumes in flight. Per-thread failures are reported in the results; the
// error is non-nil only when ctx ends or the thread list cannot be read.
func (o *Orchestrator) RecoverAll(ctx context.Context, parallelism int) ([]ResumeResult, error) {
	interrupted, err := o.recovery.CheckForInterrupted(ctx)
	if err != nil {
		return nil, err
	}
	if parallelism <= 0 {
		parallelism = defaultRecoverParallelism
	}

	results := make([]ResumeResult, len(interrupted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, it := range interrupted {
		g.Go(func() error {
			out, err := o.Resume(gctx, it.ThreadID)
			results[i] = ResumeResult{ThreadID: it.ThreadID, Outcome: out, Err: err}
			if err != nil {
				o.logger.Warn("resume failed", "thread_id", it.ThreadID, "error", err)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// drive runs every phase whose output is missing from st.
func (o *Orchestrator) drive(ctx context.Context, id string, st *runState, out *Outcome) (*Outcome, error) {
	shared := worker.Context{ThreadID: id, Disruption: st.disruption}

	if st.initial == nil {
		col, err := o.round(ctx, id, models.RoundInitial, shared, out)
		if err != nil {
			return o.abort(ctx, id, st, out, err)
		}
		st.initial = col
	}

	if st.revision == nil {
		shared.Prior = st.initial
		col, err := o.round(ctx, id, models.RoundRevision, shared, out)
		if err != nil {
			return o.abort(ctx, id, st, out, err)
		}
		st.revision = col
	}

	if st.decision == nil {
		d, err := o.engine.Decide(st.initial, st.revision)
		if err != nil && !errors.Is(err, arbitration.ErrQuorumNotMet) {
			return o.abort(ctx, id, st, out, fmt.Errorf("arbitrate: %w", err))
		}
		if err := o.save(ctx, id, models.CheckpointArbitration, models.PhaseArbitration, d, &d, out); err != nil {
			return o.abort(ctx, id, st, out, err)
		}
		st.decision = d
		o.publish(Event{
			Type:     EventDecisionMade,
			ThreadID: id,
			Message:  decisionMessage(d),
			Data:     map[string]any{"outcome": d.Outcome, "confidence": d.Confidence},
		})
	}
	st.escalated = st.decision.Outcome == models.OutcomeEscalated

	if st.record != nil {
		return o.settle(ctx, id, st, out)
	}
	if st.escalated || o.requireApproval {
		return o.pause(ctx, id, st, out)
	}

	res := models.Resolution{Decision: st.decision, Selected: st.decision.Recommended()}
	if err := o.threads.MarkCompleted(ctx, id, res); err != nil {
		return o.abort(ctx, id, st, out, fmt.Errorf("complete thread: %w", err))
	}
	o.publish(Event{Type: EventThreadCompleted, ThreadID: id, Message: st.decision.FinalDecision})
	o.fill(out, st)
	out.Status = models.ThreadStatusCompleted
	return out, nil
}

// round runs one worker round and checkpoints its collation.
func (o *Orchestrator) round(ctx context.Context, id string, round models.Round, shared worker.Context, out *Outcome) (*models.Collation, error) {
	o.publish(Event{Type: EventRoundStarted, ThreadID: id, Round: string(round)})

	col, err := o.coordinator.RunRound(ctx, round, shared)
	if err != nil {
		return nil, err
	}
	o.publish(Event{
		Type:     EventRoundCompleted,
		ThreadID: id,
		Round:    string(round),
		Data: map[string]any{
			"succeeded":    len(col.SuccessfulOnly()),
			"failed":       len(col.FailedOnly()),
			"completeness": col.Completeness(),
		},
	})

	cpID, phase := models.CheckpointRoundInitial, models.PhaseRoundInitial
	if round == models.RoundRevision {
		cpID, phase = models.CheckpointRoundRevision, models.PhaseRoundRevision
	}
	if err := o.save(ctx, id, cpID, phase, col, &col, out); err != nil {
		return nil, err
	}
	return col, nil
}

// save writes a phase checkpoint and points the thread at it. If another
// runner already wrote the same checkpoint, its state is loaded into into
// so both runners continue from one version.
func (o *Orchestrator) save(ctx context.Context, id, cpID string, phase models.Phase, state, into any, out *Outcome) error {
	cp, err := o.checkpoints.Put(ctx, id, cpID, state, models.CheckpointMetadata{
		Phase:  phase,
		Status: models.ThreadStatusActive,
	})
	if errors.Is(err, storage.ErrConflict) {
		o.logger.Info("checkpoint already written, adopting it", "thread_id", id, "checkpoint_id", cpID)
		if err := o.checkpoints.Load(ctx, id, cpID, into); err != nil {
			return fmt.Errorf("load %s: %w", cpID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", cpID, err)
	}

	if err := o.threads.RecordCheckpoint(ctx, id, cpID); err != nil {
		return fmt.Errorf("record checkpoint %s: %w", cpID, err)
	}
	o.publish(Event{Type: EventCheckpointWritten, ThreadID: id, CheckpointID: cpID, Data: map[string]any{"step": cp.Step}})
	if cp.Metadata.HasTag(models.TagDurabilityLost) {
		out.DurabilityLost = true
		o.publish(Event{Type: EventDurabilityLost, ThreadID: id, CheckpointID: cpID, Message: "checkpoint held in memory only"})
	}
	return nil
}

// pause hands the decision to the approval gate.
func (o *Orchestrator) pause(ctx context.Context, id string, st *runState, out *Outcome) (*Outcome, error) {
	if err := o.gate.Pause(ctx, id, st.decision); err != nil {
		return o.abort(ctx, id, st, out, err)
	}
	o.publish(Event{
		Type:     EventApprovalPending,
		ThreadID: id,
		Message:  decisionMessage(st.decision),
		Data:     map[string]any{"escalated": st.escalated},
	})
	o.fill(out, st)
	out.Status = models.ThreadStatusAwaitingApproval
	return out, nil
}

// settle applies an approval record whose thread transition was lost,
// e.g. when the process stopped between writing the record and updating
// the thread.
func (o *Orchestrator) settle(ctx context.Context, id string, st *runState, out *Outcome) (*Outcome, error) {
	rec := st.record
	var err error
	status := models.ThreadStatusRejected
	if rec.Approved {
		status = models.ThreadStatusCompleted
		res := models.Resolution{Decision: st.decision, Selected: st.decision.Candidate(rec.SelectedID), Approval: rec}
		err = o.threads.MarkCompleted(ctx, id, res)
	} else {
		err = o.threads.MarkRejected(ctx, id, rec.Rationale)
	}
	if err != nil && !errors.Is(err, thread.ErrInvalidTransition) {
		return nil, fmt.Errorf("settle approval: %w", err)
	}
	if err == nil {
		o.publishRecord(*rec)
	}
	o.fill(out, st)
	out.Status = status
	return out, nil
}

// abort fails the thread unless the caller's context ended, in which case
// the thread is left active for Resume.
func (o *Orchestrator) abort(ctx context.Context, id string, st *runState, out *Outcome, cause error) (*Outcome, error) {
	o.fill(out, st)
	if ctx.Err() != nil {
		o.logger.Warn("thread interrupted", "thread_id", id, "error", cause)
		out.Status = models.ThreadStatusActive
		return out, cause
	}

	o.logger.Error("thread failed", "thread_id", id, "error", cause)
	out.Status = models.ThreadStatusFailed
	if err := o.threads.MarkFailed(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		o.logger.Warn("mark failed", "thread_id", id, "error", err)
	}
	o.publish(Event{Type: EventThreadFailed, ThreadID: id, Error: cause.Error()})
	return out, cause
}

// load rebuilds runState from a thread's checkpoints.
func (o *Orchestrator) load(ctx context.Context, t *models.Thread) (*runState, error) {
	st := &runState{disruption: t.Context}

	steps := []struct {
		id   string
		into any
	}{
		{models.CheckpointRoundInitial, &st.initial},
		{models.CheckpointRoundRevision, &st.revision},
		{models.CheckpointArbitration, &st.decision},
		{models.CheckpointApprovalPending, &st.pending},
		{models.CheckpointApprovalRecord, &st.record},
	}
	for _, s := range steps {
		err := o.checkpoints.Load(ctx, t.ID, s.id, s.into)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load %s: %w", s.id, err)
		}
	}
	if st.decision == nil && st.pending != nil {
		st.decision = st.pending.Decision
	}
	if st.decision != nil {
		st.escalated = st.decision.Outcome == models.OutcomeEscalated
	}
	return st, nil
}

func (o *Orchestrator) fill(out *Outcome, st *runState) {
	out.Initial = st.initial
	out.Revision = st.revision
	out.Decision = st.decision
	out.Escalated = st.escalated
	out.Approval = st.record
}

func (o *Orchestrator) publish(e Event) {
	o.bus.Publish(e)
}

func (o *Orchestrator) publishRecord(rec models.ApprovalRecord) {
	e := Event{Type: EventThreadRejected, ThreadID: rec.ThreadID, Message: rec.Rationale}
	if rec.Approved {
		e = Event{Type: EventThreadCompleted, ThreadID: rec.ThreadID, Message: "approved " + rec.SelectedID}
	}
	e.Data = map[string]any{"approver": rec.Approver, "override": rec.Override, "decided_at": rec.DecidedAt.Format(time.RFC3339)}
	o.publish(e)
}

func decisionMessage(d *models.Decision) string {
	if d.Outcome == models.OutcomeEscalated {
		return "escalated: " + d.Justification
	}
	return d.FinalDecision
}

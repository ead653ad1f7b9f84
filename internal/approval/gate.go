// Package approval implements the human approval gate. A paused thread
// waits in awaiting_approval until exactly one approval or rejection is
// recorded; the record is bound to a hash of the decision that was shown.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/internal/thread"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

var (
	// ErrNotPending is returned when a thread has no decision awaiting review.
	ErrNotPending = errors.New("no approval pending")
	// ErrUnknownSolution is returned when the selected candidate is not in the decision.
	ErrUnknownSolution = errors.New("unknown solution")
)

const defaultPollInterval = 500 * time.Millisecond

// Gate pauses threads for review and records the outcome.
type Gate struct {
	threads      *thread.Manager
	checkpoints  *checkpoint.Store
	logger       *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
	onRecord     func(models.ApprovalRecord)

	mu      sync.Mutex
	waiters map[string][]chan models.ApprovalRecord
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithPollInterval sets how often Wait re-reads the store for records
// written by other processes.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithRecordHook is called once for every newly written record, after the
// thread has moved to completed or rejected.
func WithRecordHook(fn func(models.ApprovalRecord)) Option {
	return func(g *Gate) { g.onRecord = fn }
}

// NewGate creates a Gate.
func NewGate(threads *thread.Manager, checkpoints *checkpoint.Store, opts ...Option) *Gate {
	g := &Gate{
		threads:      threads,
		checkpoints:  checkpoints,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:          time.Now,
		pollInterval: defaultPollInterval,
		waiters:      make(map[string][]chan models.ApprovalRecord),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DecisionHash is the SHA256 of the decision's JSON form.
func DecisionHash(d *models.Decision) string {
	data, _ := json.Marshal(d)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Pause saves the decision for review and suspends the thread. Pausing an
// already paused thread is a no-op.
func (g *Gate) Pause(ctx context.Context, threadID string, d *models.Decision) error {
	if d == nil {
		return errors.New("pause: decision is required")
	}
	pending := models.PendingApproval{
		ThreadID:     threadID,
		Decision:     d,
		DecisionHash: DecisionHash(d),
		RequestedAt:  g.now().UTC(),
	}
	_, err := g.checkpoints.Put(ctx, threadID, models.CheckpointApprovalPending, pending, models.CheckpointMetadata{
		Phase:  models.PhaseApprovalPending,
		Status: models.ThreadStatusAwaitingApproval,
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("checkpoint pending approval: %w", err)
	}

	err = g.threads.Suspend(ctx, threadID)
	if errors.Is(err, thread.ErrInvalidTransition) {
		t, getErr := g.threads.Get(ctx, threadID)
		if getErr == nil && t.Status == models.ThreadStatusAwaitingApproval {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("suspend thread: %w", err)
	}
	g.logger.Info("approval pending", "thread_id", threadID, "recommended", recommendedID(d))
	return nil
}

// Pending returns the decision awaiting review, or nil when the thread was
// never paused or has already been decided.
func (g *Gate) Pending(ctx context.Context, threadID string) (*models.Decision, error) {
	p, err := g.PendingRequest(ctx, threadID)
	if err != nil || p == nil {
		return nil, err
	}
	return p.Decision, nil
}

// PendingRequest is Pending with the decision hash and request time.
func (g *Gate) PendingRequest(ctx context.Context, threadID string) (*models.PendingApproval, error) {
	if _, err := g.Record(ctx, threadID); err == nil {
		return nil, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	var pending models.PendingApproval
	err := g.checkpoints.Load(ctx, threadID, models.CheckpointApprovalPending, &pending)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending approval: %w", err)
	}
	return &pending, nil
}

// Record returns the approval record, or an error wrapping storage.ErrNotFound.
func (g *Gate) Record(ctx context.Context, threadID string) (*models.ApprovalRecord, error) {
	var rec models.ApprovalRecord
	if err := g.checkpoints.Load(ctx, threadID, models.CheckpointApprovalRecord, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Approve records the approver's choice and completes the thread. An empty
// selectedID takes the recommendation, except for an escalated decision,
// where the approver must name a concrete solution. If the thread already
// has a record, that record is returned unchanged.
func (g *Gate) Approve(ctx context.Context, threadID, selectedID, rationale, approver string) (*models.ApprovalRecord, error) {
	pending, existing, err := g.pendingOrRecord(ctx, threadID)
	if err != nil || existing != nil {
		return existing, err
	}

	rec := models.ApprovalRecord{
		ThreadID:      threadID,
		Approved:      true,
		RecommendedID: recommendedID(pending.Decision),
		SelectedID:    selectedID,
		Rationale:     rationale,
		Approver:      approver,
		DecisionHash:  pending.DecisionHash,
		DecidedAt:     g.now().UTC(),
	}
	if rec.SelectedID == "" {
		if pending.Decision.Outcome == models.OutcomeEscalated {
			return nil, fmt.Errorf("%w: escalated decision needs an explicit solution", ErrUnknownSolution)
		}
		rec.SelectedID = rec.RecommendedID
	}
	selected := pending.Decision.Candidate(rec.SelectedID)
	if selected == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSolution, rec.SelectedID)
	}
	if selected.Action == models.ActionEscalate {
		return nil, fmt.Errorf("%w: %q escalates again, choose a concrete solution", ErrUnknownSolution, rec.SelectedID)
	}
	rec.Override = rec.SelectedID != rec.RecommendedID

	stored, fresh, err := g.write(ctx, rec)
	if err != nil || !fresh {
		return stored, err
	}

	result := models.Resolution{Decision: pending.Decision, Selected: selected, Approval: stored}
	err = g.threads.MarkCompleted(ctx, threadID, result)
	g.notify(*stored, err == nil)
	if err != nil && !errors.Is(err, thread.ErrInvalidTransition) {
		return stored, fmt.Errorf("complete thread: %w", err)
	}
	g.logger.Info("thread approved", "thread_id", threadID, "selected", rec.SelectedID, "override", rec.Override, "approver", approver)
	return stored, nil
}

// Reject records a rejection and moves the thread to rejected. If the
// thread already has a record, that record is returned unchanged.
func (g *Gate) Reject(ctx context.Context, threadID, reason, approver string) (*models.ApprovalRecord, error) {
	pending, existing, err := g.pendingOrRecord(ctx, threadID)
	if err != nil || existing != nil {
		return existing, err
	}

	rec := models.ApprovalRecord{
		ThreadID:      threadID,
		RecommendedID: recommendedID(pending.Decision),
		Rationale:     reason,
		Approver:      approver,
		DecisionHash:  pending.DecisionHash,
		DecidedAt:     g.now().UTC(),
	}
	stored, fresh, err := g.write(ctx, rec)
	if err != nil || !fresh {
		return stored, err
	}

	err = g.threads.MarkRejected(ctx, threadID, reason)
	g.notify(*stored, err == nil)
	if err != nil && !errors.Is(err, thread.ErrInvalidTransition) {
		return stored, fmt.Errorf("reject thread: %w", err)
	}
	g.logger.Info("thread rejected", "thread_id", threadID, "approver", approver)
	return stored, nil
}

// Wait blocks until the thread has a record or ctx is done. Records written
// in this process wake it immediately; others are found by polling.
func (g *Gate) Wait(ctx context.Context, threadID string) (*models.ApprovalRecord, error) {
	ch := make(chan models.ApprovalRecord, 1)
	g.mu.Lock()
	g.waiters[threadID] = append(g.waiters[threadID], ch)
	g.mu.Unlock()
	defer g.removeWaiter(threadID, ch)

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := g.Record(ctx, threadID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		select {
		case rec := <-ch:
			return &rec, nil
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pendingOrRecord returns the existing record if there is one, otherwise
// the pending decision.
func (g *Gate) pendingOrRecord(ctx context.Context, threadID string) (*models.PendingApproval, *models.ApprovalRecord, error) {
	if rec, err := g.Record(ctx, threadID); err == nil {
		return nil, rec, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}

	var pending models.PendingApproval
	err := g.checkpoints.Load(ctx, threadID, models.CheckpointApprovalPending, &pending)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("thread %s: %w", threadID, ErrNotPending)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load pending approval: %w", err)
	}
	if pending.Decision == nil {
		return nil, nil, fmt.Errorf("thread %s: pending approval has no decision: %w", threadID, ErrNotPending)
	}
	return &pending, nil, nil
}

// write stores the record through the conditional insert. When another
// caller won the race, their record is returned with fresh=false.
func (g *Gate) write(ctx context.Context, rec models.ApprovalRecord) (*models.ApprovalRecord, bool, error) {
	_, err := g.checkpoints.Put(ctx, rec.ThreadID, models.CheckpointApprovalRecord, rec, models.CheckpointMetadata{
		Phase:  models.PhaseApprovalRecord,
		Status: models.ThreadStatusAwaitingApproval,
	})
	if errors.Is(err, storage.ErrConflict) {
		existing, loadErr := g.Record(ctx, rec.ThreadID)
		if loadErr != nil {
			return nil, false, fmt.Errorf("load existing approval: %w", loadErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint approval: %w", err)
	}
	return &rec, true, nil
}

// notify wakes waiters once the record is durable. The record hook runs
// only when this call moved the thread; otherwise Resume settles it.
func (g *Gate) notify(rec models.ApprovalRecord, applied bool) {
	g.mu.Lock()
	waiters := g.waiters[rec.ThreadID]
	delete(g.waiters, rec.ThreadID)
	g.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- rec:
		default:
		}
	}
	if applied && g.onRecord != nil {
		g.onRecord(rec)
	}
}

func (g *Gate) removeWaiter(threadID string, ch chan models.ApprovalRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.waiters[threadID]
	for i, c := range list {
		if c == ch {
			g.waiters[threadID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.waiters[threadID]) == 0 {
		delete(g.waiters, threadID)
	}
}

func recommendedID(d *models.Decision) string {
	if rec := d.Recommended(); rec != nil {
		return rec.ID
	}
	return ""
}

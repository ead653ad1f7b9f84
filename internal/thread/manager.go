// Package thread owns the thread lifecycle: creation, forward-only status
// transitions with optimistic versioning, and recovery of the last good
// checkpoint after a crash.
package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

var (
	// ErrInvalidTransition is returned for any move that is not forward in the
	// state machine, including any change to a terminal thread.
	ErrInvalidTransition = errors.New("invalid thread transition")
	// ErrInvalidRecovery is returned when a thread has nothing to recover from.
	ErrInvalidRecovery = errors.New("invalid recovery")
)

// defaultMaxConflicts bounds optimistic retries on a contended thread.
const defaultMaxConflicts = 8

// StatusRecord is the checkpoint payload written on every transition.
type StatusRecord struct {
	From   models.ThreadStatus `json:"from"`
	To     models.ThreadStatus `json:"to"`
	Reason string              `json:"reason,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
	At     time.Time           `json:"at"`
}

// Manager creates threads and moves them through their lifecycle.
type Manager struct {
	threads      storage.ThreadStore
	checkpoints  *checkpoint.Store
	logger       *slog.Logger
	now          func() time.Time
	retry        storage.RetryPolicy
	maxConflicts int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetryPolicy overrides the retry policy for thread row reads and writes.
func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// NewManager creates a Manager.
func NewManager(threads storage.ThreadStore, checkpoints *checkpoint.Store, opts ...Option) *Manager {
	m := &Manager{
		threads:      threads,
		checkpoints:  checkpoints,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:          time.Now,
		retry:        storage.DefaultRetryPolicy(),
		maxConflicts: defaultMaxConflicts,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retry.Logger == nil {
		m.retry.Logger = m.logger
	}
	return m
}

// Create starts a new active thread for the disruption and writes the
// "created" checkpoint.
func (m *Manager) Create(ctx context.Context, initialContext json.RawMessage) (string, error) {
	if len(initialContext) > 0 && !json.Valid(initialContext) {
		return "", errors.New("create thread: context is not valid JSON")
	}

	now := m.now().UTC()
	t := &models.Thread{
		ID:               uuid.New().String(),
		Status:           models.ThreadStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
		Context:          initialContext,
		LastCheckpointID: models.CheckpointCreated,
	}
	err := m.retry.Do(ctx, "create thread", func(ctx context.Context) error {
		return m.threads.CreateThread(ctx, t)
	})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	_, err = m.checkpoints.Put(ctx, t.ID, models.CheckpointCreated, t, models.CheckpointMetadata{
		Phase:  models.PhaseCreated,
		Status: models.ThreadStatusActive,
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint new thread: %w", err)
	}

	m.logger.Info("thread created", "thread_id", t.ID)
	return t.ID, nil
}

// Get returns the thread or an error wrapping storage.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*models.Thread, error) {
	var t *models.Thread
	err := m.retry.Do(ctx, "get thread", func(ctx context.Context) error {
		var err error
		t, err = m.threads.GetThread(ctx, id)
		return err
	})
	return t, err
}

// Suspend moves an active thread to awaiting_approval.
func (m *Manager) Suspend(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, models.ThreadStatusAwaitingApproval, "", nil)
	return err
}

// MarkCompleted records the final result and completes the thread.
func (m *Manager) MarkCompleted(ctx context.Context, id string, result any) error {
	raw, err := encodeResult(result)
	if err != nil {
		return err
	}
	_, err = m.transition(ctx, id, models.ThreadStatusCompleted, "", raw)
	return err
}

// MarkFailed fails the thread. LastCheckpointID keeps pointing at the last
// good checkpoint so operators can see where it stopped.
func (m *Manager) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := m.transition(ctx, id, models.ThreadStatusFailed, reason, nil)
	return err
}

// MarkRejected records a human rejection.
func (m *Manager) MarkRejected(ctx context.Context, id string, reason string) error {
	_, err := m.transition(ctx, id, models.ThreadStatusRejected, reason, nil)
	return err
}

// RecordCheckpoint points the thread at its most recent checkpoint.
// Terminal threads are left untouched.
func (m *Manager) RecordCheckpoint(ctx context.Context, id, checkpointID string) error {
	return m.update(ctx, id, func(t *models.Thread) (bool, error) {
		if t.Status.Terminal() || t.LastCheckpointID == checkpointID {
			return false, nil
		}
		t.LastCheckpointID = checkpointID
		return true, nil
	})
}

// ActiveThreads returns threads in the active status.
func (m *Manager) ActiveThreads(ctx context.Context) ([]models.Thread, error) {
	return m.List(ctx, models.ThreadStatusActive)
}

// List returns threads with the given status, or all when status is empty.
func (m *Manager) List(ctx context.Context, status models.ThreadStatus) ([]models.Thread, error) {
	var out []models.Thread
	err := m.retry.Do(ctx, "list threads", func(ctx context.Context) error {
		var err error
		out, err = m.threads.ListThreads(ctx, status)
		return err
	})
	return out, err
}

// CountByStatus counts threads per status. Every known status is present.
func (m *Manager) CountByStatus(ctx context.Context) (map[models.ThreadStatus]int, error) {
	all, err := m.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("count threads: %w", err)
	}
	counts := make(map[models.ThreadStatus]int, len(models.AllThreadStatuses))
	for _, s := range models.AllThreadStatuses {
		counts[s] = 0
	}
	for _, t := range all {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *Manager) transition(ctx context.Context, id string, next models.ThreadStatus, reason string, result json.RawMessage) (*models.Thread, error) {
	var from models.ThreadStatus
	var updated models.Thread

	err := m.update(ctx, id, func(t *models.Thread) (bool, error) {
		if !t.Status.CanTransitionTo(next) {
			return false, fmt.Errorf("thread %s %s -> %s: %w", id, t.Status, next, ErrInvalidTransition)
		}
		from = t.Status
		now := m.now().UTC()
		t.Status = next
		t.UpdatedAt = now
		if next.Terminal() {
			t.CompletedAt = &now
		}
		if reason != "" {
			t.FailureReason = reason
		}
		if result != nil {
			t.Result = result
		}
		if next != models.ThreadStatusFailed {
			t.LastCheckpointID = models.StatusCheckpointID(next)
		}
		updated = *t
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	rec := StatusRecord{From: from, To: next, Reason: reason, Result: result, At: updated.UpdatedAt}
	_, err = m.checkpoints.Put(ctx, id, models.StatusCheckpointID(next), rec, models.CheckpointMetadata{
		Phase:  models.PhaseThreadStatus,
		Status: next,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint status %s: %w", next, err)
	}

	m.logger.Info("thread transition", "thread_id", id, "from", from, "to", next)
	return &updated, nil
}

// update applies mutate under optimistic concurrency, re-reading on conflict.
// mutate returns false to skip the write. Transient store faults are retried
// per call; a version conflict restarts from a fresh read.
func (m *Manager) update(ctx context.Context, id string, mutate func(t *models.Thread) (bool, error)) error {
	for attempt := 0; attempt < m.maxConflicts; attempt++ {
		t, err := m.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load thread: %w", err)
		}
		expected := t.Version

		write, err := mutate(t)
		if err != nil || !write {
			return err
		}

		err = m.retry.Do(ctx, "update thread", func(ctx context.Context) error {
			return m.threads.UpdateThread(ctx, t, expected)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("update thread: %w", err)
		}
		m.logger.Debug("thread version conflict, retrying", "thread_id", id, "version", expected)
	}
	return fmt.Errorf("thread %s: too many concurrent updates: %w", id, storage.ErrConflict)
}

func encodeResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return data, nil
	}
}

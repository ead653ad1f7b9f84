package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// RecoveredState is the last good point of a thread.
type RecoveredState struct {
	ThreadID       string          `json:"thread_id"`
	CheckpointID   string          `json:"checkpoint_id"`
	Step           int64           `json:"step"`
	Phase          models.Phase    `json:"phase"`
	State          json.RawMessage `json:"state"`
	DurabilityLost bool            `json:"durability_lost"`
	// Thread is nil if the thread row itself could not be read.
	Thread *models.Thread `json:"thread,omitempty"`
}

// InterruptedThread is a non-terminal thread found on startup.
type InterruptedThread struct {
	ThreadID     string
	Status       models.ThreadStatus
	CreatedAt    time.Time
	LastActivity time.Time
	// Phase and CheckpointID are empty if the thread has no checkpoints.
	Phase        models.Phase
	CheckpointID string
}

// RecoveryManager finds the resume point of interrupted threads.
type RecoveryManager struct {
	threads     storage.ThreadStore
	checkpoints *checkpoint.Store
}

// NewRecoveryManager creates a RecoveryManager.
func NewRecoveryManager(threads storage.ThreadStore, checkpoints *checkpoint.Store) *RecoveryManager {
	return &RecoveryManager{threads: threads, checkpoints: checkpoints}
}

// Recover returns the highest-step checkpoint for the thread. It never
// writes, so repeated calls return the same state. A thread without
// checkpoints returns an error wrapping ErrInvalidRecovery and storage.ErrNotFound.
func (rm *RecoveryManager) Recover(ctx context.Context, threadID string) (*RecoveredState, error) {
	cp, err := rm.checkpoints.Latest(ctx, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecovery, err)
	}
	if err != nil {
		return nil, fmt.Errorf("recover thread %s: %w", threadID, err)
	}

	rs := &RecoveredState{
		ThreadID:       threadID,
		CheckpointID:   cp.CheckpointID,
		Step:           cp.Step,
		Phase:          cp.Metadata.Phase,
		State:          cp.State,
		DurabilityLost: cp.Metadata.HasTag(models.TagDurabilityLost),
	}
	if t, err := rm.threads.GetThread(ctx, threadID); err == nil {
		rs.Thread = t
	}
	return rs, nil
}

// CheckForInterrupted lists threads that are neither completed, failed nor
// rejected, together with the checkpoint each would resume from.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) ([]InterruptedThread, error) {
	all, err := rm.threads.ListThreads(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	var out []InterruptedThread
	for _, t := range all {
		if t.Status.Terminal() {
			continue
		}
		it := InterruptedThread{
			ThreadID:     t.ID,
			Status:       t.Status,
			CreatedAt:    t.CreatedAt,
			LastActivity: t.UpdatedAt,
		}
		if cp, err := rm.checkpoints.Latest(ctx, t.ID); err == nil {
			it.Phase = cp.Metadata.Phase
			it.CheckpointID = cp.CheckpointID
			if cp.CreatedAt.After(it.LastActivity) {
				it.LastActivity = cp.CreatedAt
			}
		}
		out = append(out, it)
	}
	return out, nil
}

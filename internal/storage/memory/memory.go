// Package memory provides in-process storage backends. They back tests,
// the "memory" persistence mode, and the checkpoint fallback path when the
// durable store is unreachable.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// Store is an in-memory storage.Backend.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[string]map[string]models.Checkpoint // threadID -> checkpointID -> row
	threads     map[string]models.Thread
}

// Compile-time verification that Store implements storage.Backend.
var _ storage.Backend = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		checkpoints: make(map[string]map[string]models.Checkpoint),
		threads:     make(map[string]models.Thread),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// PutCheckpoint inserts cp if neither its ID nor its step are taken.
func (s *Store) PutCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.checkpoints[cp.ThreadID]
	if rows == nil {
		rows = make(map[string]models.Checkpoint)
		s.checkpoints[cp.ThreadID] = rows
	}
	if _, ok := rows[cp.CheckpointID]; ok {
		return fmt.Errorf("checkpoint %s/%s: %w", cp.ThreadID, cp.CheckpointID, storage.ErrConflict)
	}
	for _, existing := range rows {
		if existing.Step == cp.Step {
			return fmt.Errorf("checkpoint %s step %d: %w", cp.ThreadID, cp.Step, storage.ErrConflict)
		}
	}
	rows[cp.CheckpointID] = cloneCheckpoint(*cp)
	return nil
}

// GetCheckpoint returns a copy of the stored row.
func (s *Store) GetCheckpoint(_ context.Context, threadID, checkpointID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[threadID][checkpointID]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s/%s: %w", threadID, checkpointID, storage.ErrNotFound)
	}
	out := cloneCheckpoint(cp)
	return &out, nil
}

// ListCheckpoints returns a thread's checkpoints ordered by step.
func (s *Store) ListCheckpoints(_ context.Context, threadID string) ([]models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.checkpoints[threadID]
	out := make([]models.Checkpoint, 0, len(rows))
	for _, cp := range rows {
		out = append(out, cloneCheckpoint(cp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// DeleteExpiredCheckpoints removes every row whose TTL has passed.
func (s *Store) DeleteExpiredCheckpoints(_ context.Context, now time.Time) ([]models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []models.Checkpoint
	for threadID, rows := range s.checkpoints {
		for id, cp := range rows {
			if cp.Expired(now) {
				deleted = append(deleted, cp)
				delete(rows, id)
			}
		}
		if len(rows) == 0 {
			delete(s.checkpoints, threadID)
		}
	}
	return deleted, nil
}

// CreateThread inserts t if its ID is unused.
func (s *Store) CreateThread(_ context.Context, t *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[t.ID]; ok {
		return fmt.Errorf("thread %s: %w", t.ID, storage.ErrConflict)
	}
	s.threads[t.ID] = *t
	return nil
}

// GetThread returns a copy of the stored thread.
func (s *Store) GetThread(_ context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	return &t, nil
}

// UpdateThread writes t if the stored version equals expectedVersion.
func (s *Store) UpdateThread(_ context.Context, t *models.Thread, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.threads[t.ID]
	if !ok {
		return fmt.Errorf("thread %s: %w", t.ID, storage.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("thread %s version %d (have %d): %w", t.ID, expectedVersion, current.Version, storage.ErrConflict)
	}
	t.Version = expectedVersion + 1
	s.threads[t.ID] = *t
	return nil
}

// ListThreads returns threads ordered by creation time.
func (s *Store) ListThreads(_ context.Context, status models.ThreadStatus) ([]models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneCheckpoint(cp models.Checkpoint) models.Checkpoint {
	if cp.State != nil {
		cp.State = append([]byte(nil), cp.State...)
	}
	if cp.Metadata.Tags != nil {
		tags := make(map[string]string, len(cp.Metadata.Tags))
		for k, v := range cp.Metadata.Tags {
			tags[k] = v
		}
		cp.Metadata.Tags = tags
	}
	return cp
}

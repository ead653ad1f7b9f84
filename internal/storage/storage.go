// Package storage defines the persistence contracts shared by every backend:
// a conditional key-value store for checkpoints and threads, and a bulk
// object store for oversized checkpoint payloads.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ShayCichocki/arbiter/pkg/models"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write loses: the key already
	// exists, or the expected version no longer matches.
	ErrConflict = errors.New("conditional write conflict")
	// ErrThrottled is returned when the backend rejects a request for rate reasons.
	ErrThrottled = errors.New("storage throttled")
	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("storage unavailable")
)

// Retryable reports whether err is a transient storage failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}

// CheckpointKV stores checkpoint rows keyed by (thread_id, checkpoint_id),
// with (thread_id, step) also unique.
type CheckpointKV interface {
	// PutCheckpoint inserts cp only if neither its ID nor its step exist for
	// the thread. A lost race returns ErrConflict.
	PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	// GetCheckpoint returns ErrNotFound if the row does not exist.
	GetCheckpoint(ctx context.Context, threadID, checkpointID string) (*models.Checkpoint, error)
	// ListCheckpoints returns a thread's checkpoints ordered by step.
	ListCheckpoints(ctx context.Context, threadID string) ([]models.Checkpoint, error)
	// DeleteExpiredCheckpoints removes rows expired at now and returns them.
	DeleteExpiredCheckpoints(ctx context.Context, now time.Time) ([]models.Checkpoint, error)
}

// ThreadStore persists thread records with optimistic versioning.
type ThreadStore interface {
	// CreateThread inserts t. An existing ID returns ErrConflict.
	CreateThread(ctx context.Context, t *models.Thread) error
	// GetThread returns ErrNotFound if the thread does not exist.
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	// UpdateThread writes t only if the stored version equals expectedVersion,
	// then sets t.Version to expectedVersion+1. A mismatch returns ErrConflict.
	UpdateThread(ctx context.Context, t *models.Thread, expectedVersion int64) error
	// ListThreads returns threads with the given status, or all when status is empty.
	ListThreads(ctx context.Context, status models.ThreadStatus) ([]models.Thread, error)
}

// BlobStore holds checkpoint payloads too large for the KV store.
type BlobStore interface {
	PutObject(ctx context.Context, key string, data []byte) error
	// GetObject returns ErrNotFound if the key does not exist.
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
}

// Backend is a durable store that serves both checkpoints and threads.
type Backend interface {
	io.Closer
	CheckpointKV
	ThreadStore
}

// BlobKey returns the object key used for a checkpoint payload.
func BlobKey(threadID, checkpointID string) string {
	return "checkpoints/" + threadID + "/" + checkpointID + ".json"
}

package memory

import (
	"context"
	"sync"

	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// Faulty wraps a Backend and fails checkpoint writes with Err while the
// failure budget lasts. A negative budget fails forever. It is used to
// exercise retry and fallback paths.
type Faulty struct {
	storage.Backend
	Err error

	mu        sync.Mutex
	remaining int
	calls     int
}

// NewFaulty fails the next n checkpoint writes with storage.ErrUnavailable.
func NewFaulty(inner storage.Backend, n int) *Faulty {
	return &Faulty{Backend: inner, Err: storage.ErrUnavailable, remaining: n}
}

// PutCheckpoint fails while the budget lasts, then delegates.
func (f *Faulty) PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	f.mu.Lock()
	f.calls++
	fail := f.remaining != 0
	if f.remaining > 0 {
		f.remaining--
	}
	f.mu.Unlock()

	if fail {
		return f.Err
	}
	return f.Backend.PutCheckpoint(ctx, cp)
}

// Calls returns how many checkpoint writes were attempted.
func (f *Faulty) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

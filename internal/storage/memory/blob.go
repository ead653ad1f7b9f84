package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShayCichocki/arbiter/internal/storage"
)

// Blob is an in-memory storage.BlobStore.
type Blob struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ storage.BlobStore = (*Blob)(nil)

// NewBlob creates an empty Blob store.
func NewBlob() *Blob {
	return &Blob{objects: make(map[string][]byte)}
}

func (b *Blob) PutObject(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *Blob) GetObject(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, storage.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (b *Blob) DeleteObject(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (b *Blob) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

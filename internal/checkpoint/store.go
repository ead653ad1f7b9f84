// Package checkpoint is the append-only audit trail for threads. Payloads
// are routed by size between a key-value store and a bulk object store,
// durable writes are retried, and when the durable store stays down the
// write lands in process memory and is tagged durability_lost.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/internal/storage/memory"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

const (
	// DefaultThreshold is the payload size at which writes go to the blob store.
	DefaultThreshold = 350 * 1024
	// DefaultTTL is how long checkpoints are kept before Purge may remove them.
	DefaultTTL = 90 * 24 * time.Hour
)

// maxStepRaces bounds how often a writer re-reads the step after losing a race.
const maxStepRaces = 16

// Destination is where a payload is stored.
type Destination int

const (
	// DestinationKV stores the payload inline in the key-value row.
	DestinationKV Destination = iota
	// DestinationBlob stores the payload in the object store with a reference row.
	DestinationBlob
)

func (d Destination) String() string {
	if d == DestinationBlob {
		return "blob"
	}
	return "kv"
}

// Route picks the destination for a payload of size bytes.
func Route(size, threshold int) Destination {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if size >= threshold {
		return DestinationBlob
	}
	return DestinationKV
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Phase  models.Phase
	Status models.ThreadStatus
	// Tag matches checkpoints whose tag is set to "true".
	Tag string
	// SkipPayload leaves blob-routed payloads unresolved.
	SkipPayload bool
}

func (f Filter) match(cp models.Checkpoint) bool {
	if f.Phase != "" && cp.Metadata.Phase != f.Phase {
		return false
	}
	if f.Status != "" && cp.Metadata.Status != f.Status {
		return false
	}
	if f.Tag != "" && !cp.Metadata.HasTag(f.Tag) {
		return false
	}
	return true
}

// Store is the checkpoint facade used by the rest of the system.
type Store struct {
	kv   storage.CheckpointKV
	blob storage.BlobStore

	fallbackKV   *memory.Store
	fallbackBlob *memory.Blob

	threshold int
	ttl       time.Duration
	retry     storage.RetryPolicy
	logger    *slog.Logger
	onLost    func(models.Checkpoint)
	now       func() time.Time

	// lastStep caches the highest step seen per thread so fallback writes
	// stay ordered when the durable store cannot be listed.
	stepMu   sync.Mutex
	lastStep map[string]int64
}

// Option configures a Store.
type Option func(*Store)

// WithThreshold overrides the KV/blob routing threshold in bytes.
func WithThreshold(bytes int) Option {
	return func(s *Store) {
		if bytes > 0 {
			s.threshold = bytes
		}
	}
}

// WithTTL overrides the checkpoint time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRetryPolicy overrides the durable write retry policy.
func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDurabilityLostHook is called for every checkpoint that fell back to memory.
func WithDurabilityLostHook(fn func(models.Checkpoint)) Option {
	return func(s *Store) { s.onLost = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over a durable KV and blob store.
func New(kv storage.CheckpointKV, blob storage.BlobStore, opts ...Option) *Store {
	s := &Store{
		kv:           kv,
		blob:         blob,
		fallbackKV:   memory.New(),
		fallbackBlob: memory.NewBlob(),
		threshold:    DefaultThreshold,
		ttl:          DefaultTTL,
		retry:        storage.DefaultRetryPolicy(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:          time.Now,
		lastStep:     make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.Logger == nil {
		s.retry.Logger = s.logger
	}
	return s
}

// Put appends a checkpoint. state is JSON encoded; json.RawMessage is
// stored as given. A checkpoint ID that already exists for the thread
// returns an error wrapping storage.ErrConflict.
func (s *Store) Put(ctx context.Context, threadID, checkpointID string, state any, meta models.CheckpointMetadata) (*models.Checkpoint, error) {
	if threadID == "" || checkpointID == "" {
		return nil, errors.New("checkpoint: thread and checkpoint id are required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", checkpointID, err)
	}

	now := s.now().UTC()
	cp := models.Checkpoint{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		Metadata:     meta,
		SizeBytes:    len(data),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	dest := Route(len(data), s.threshold)

	err = s.retry.Do(ctx, "put checkpoint "+checkpointID, func(ctx context.Context) error {
		return s.putDurable(ctx, &cp, data, dest)
	})
	switch {
	case err == nil:
		s.logger.Debug("checkpoint written",
			"thread_id", threadID, "checkpoint_id", checkpointID, "step", cp.Step,
			"destination", dest.String(), "size", cp.SizeBytes)
		cp.State = data
		return &cp, nil
	case storage.Retryable(err):
		if dest == DestinationBlob {
			s.dropOrphanBlob(ctx, threadID, checkpointID)
		}
		return s.putFallback(ctx, cp, data, dest, err)
	default:
		return nil, err
	}
}

func (s *Store) putDurable(ctx context.Context, cp *models.Checkpoint, data []byte, dest Destination) error {
	cp.State, cp.BlobRef = nil, ""
	if dest == DestinationBlob {
		key := storage.BlobKey(cp.ThreadID, cp.CheckpointID)
		if err := s.blob.PutObject(ctx, key, data); err != nil {
			return err
		}
		cp.BlobRef = key
	} else {
		cp.State = data
	}

	for i := 0; i < maxStepRaces; i++ {
		step, err := s.nextStep(ctx, cp.ThreadID)
		if err != nil {
			return err
		}
		cp.Step = step

		err = s.kv.PutCheckpoint(ctx, cp)
		if err == nil {
			s.observeStep(cp.ThreadID, step)
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		if _, gerr := s.kv.GetCheckpoint(ctx, cp.ThreadID, cp.CheckpointID); gerr == nil {
			return fmt.Errorf("checkpoint %s/%s already exists: %w", cp.ThreadID, cp.CheckpointID, storage.ErrConflict)
		}
		// Another writer took this step; re-read and try the next one.
		s.observeStep(cp.ThreadID, step)
	}
	return fmt.Errorf("checkpoint %s/%s: step contention: %w", cp.ThreadID, cp.CheckpointID, storage.ErrConflict)
}

// dropOrphanBlob removes a durable blob whose KV row was never written.
// Purge only finds blobs through their rows. Failures are logged.
func (s *Store) dropOrphanBlob(ctx context.Context, threadID, checkpointID string) {
	if _, err := s.kv.GetCheckpoint(ctx, threadID, checkpointID); err == nil {
		return
	}
	key := storage.BlobKey(threadID, checkpointID)
	if err := s.blob.DeleteObject(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("remove orphaned checkpoint blob", "key", key, "error", err)
	}
}

func (s *Store) putFallback(ctx context.Context, cp models.Checkpoint, data []byte, dest Destination, cause error) (*models.Checkpoint, error) {
	tags := make(map[string]string, len(cp.Metadata.Tags)+1)
	for k, v := range cp.Metadata.Tags {
		tags[k] = v
	}
	tags[models.TagDurabilityLost] = "true"
	cp.Metadata.Tags = tags
	cp.State, cp.BlobRef = nil, ""

	if dest == DestinationBlob {
		key := storage.BlobKey(cp.ThreadID, cp.CheckpointID)
		if err := s.fallbackBlob.PutObject(ctx, key, data); err != nil {
			return nil, err
		}
		cp.BlobRef = key
	} else {
		cp.State = data
	}

	for i := 0; i < maxStepRaces; i++ {
		cp.Step = s.fallbackStep(ctx, cp.ThreadID)
		err := s.fallbackKV.PutCheckpoint(ctx, &cp)
		if err == nil {
			break
		}
		if _, gerr := s.fallbackKV.GetCheckpoint(ctx, cp.ThreadID, cp.CheckpointID); gerr == nil {
			return nil, fmt.Errorf("checkpoint %s/%s already exists: %w", cp.ThreadID, cp.CheckpointID, storage.ErrConflict)
		}
		s.observeStep(cp.ThreadID, cp.Step)
	}
	s.observeStep(cp.ThreadID, cp.Step)

	s.logger.Warn("checkpoint durability lost, stored in memory",
		"thread_id", cp.ThreadID, "checkpoint_id", cp.CheckpointID, "step", cp.Step, "error", cause)
	if s.onLost != nil {
		s.onLost(cp)
	}

	cp.State = data
	return &cp, nil
}

// nextStep returns one past the highest step known for the thread.
func (s *Store) nextStep(ctx context.Context, threadID string) (int64, error) {
	rows, err := s.kv.ListCheckpoints(ctx, threadID)
	if err != nil {
		return 0, err
	}
	last := s.cachedStep(threadID)
	for _, cp := range rows {
		if cp.Step > last {
			last = cp.Step
		}
	}
	if fb, _ := s.fallbackKV.ListCheckpoints(ctx, threadID); len(fb) > 0 && fb[len(fb)-1].Step > last {
		last = fb[len(fb)-1].Step
	}
	return last + 1, nil
}

func (s *Store) fallbackStep(ctx context.Context, threadID string) int64 {
	last := s.cachedStep(threadID)
	if rows, err := s.kv.ListCheckpoints(ctx, threadID); err == nil {
		for _, cp := range rows {
			if cp.Step > last {
				last = cp.Step
			}
		}
	}
	if fb, _ := s.fallbackKV.ListCheckpoints(ctx, threadID); len(fb) > 0 && fb[len(fb)-1].Step > last {
		last = fb[len(fb)-1].Step
	}
	return last + 1
}

func (s *Store) cachedStep(threadID string) int64 {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	return s.lastStep[threadID]
}

func (s *Store) observeStep(threadID string, step int64) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	if step > s.lastStep[threadID] {
		s.lastStep[threadID] = step
	}
}

// Get returns a checkpoint with its payload resolved. Missing checkpoints
// return an error wrapping storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, threadID, checkpointID string) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := s.retry.Do(ctx, "get checkpoint "+checkpointID, func(ctx context.Context) error {
		var err error
		cp, err = s.kv.GetCheckpoint(ctx, threadID, checkpointID)
		return err
	})
	if err != nil {
		fb, ferr := s.fallbackKV.GetCheckpoint(ctx, threadID, checkpointID)
		if ferr != nil {
			return nil, err
		}
		cp = fb
	}
	if err := s.resolve(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Load decodes a checkpoint payload into v.
func (s *Store) Load(ctx context.Context, threadID, checkpointID string, v any) error {
	cp, err := s.Get(ctx, threadID, checkpointID)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(cp.State, v); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// List returns the thread's checkpoints, durable and fallback, ordered by step.
func (s *Store) List(ctx context.Context, threadID string, f Filter) ([]models.Checkpoint, error) {
	var durable []models.Checkpoint
	err := s.retry.Do(ctx, "list checkpoints", func(ctx context.Context) error {
		var err error
		durable, err = s.kv.ListCheckpoints(ctx, threadID)
		return err
	})
	fallback, _ := s.fallbackKV.ListCheckpoints(ctx, threadID)
	if err != nil && len(fallback) == 0 {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	all := append(durable, fallback...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Step < all[j].Step })

	out := all[:0]
	for _, cp := range all {
		if !f.match(cp) {
			continue
		}
		if !f.SkipPayload {
			if err := s.resolve(ctx, &cp); err != nil {
				return nil, err
			}
		}
		out = append(out, cp)
	}
	return out, nil
}

// Latest returns the highest-step checkpoint for the thread.
func (s *Store) Latest(ctx context.Context, threadID string) (*models.Checkpoint, error) {
	all, err := s.List(ctx, threadID, Filter{SkipPayload: true})
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("thread %s has no checkpoints: %w", threadID, storage.ErrNotFound)
	}
	last := all[len(all)-1]
	if err := s.resolve(ctx, &last); err != nil {
		return nil, err
	}
	return &last, nil
}

// Purge removes checkpoints past their TTL and their blobs.
func (s *Store) Purge(ctx context.Context) (int, error) {
	now := s.now()
	deleted, err := s.kv.DeleteExpiredCheckpoints(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("purge checkpoints: %w", err)
	}
	for _, cp := range deleted {
		if cp.BlobRef == "" {
			continue
		}
		if err := s.blob.DeleteObject(ctx, cp.BlobRef); err != nil {
			s.logger.Warn("purge blob failed", "key", cp.BlobRef, "error", err)
		}
	}

	fb, _ := s.fallbackKV.DeleteExpiredCheckpoints(ctx, now)
	for _, cp := range fb {
		if cp.BlobRef != "" {
			s.fallbackBlob.DeleteObject(ctx, cp.BlobRef)
		}
	}

	n := len(deleted) + len(fb)
	if n > 0 {
		s.logger.Info("purged expired checkpoints", "count", n)
	}
	return n, nil
}

// resolve loads a blob-routed payload into cp.State.
func (s *Store) resolve(ctx context.Context, cp *models.Checkpoint) error {
	if cp.BlobRef == "" || cp.State != nil {
		return nil
	}

	var data []byte
	var err error
	if cp.Metadata.HasTag(models.TagDurabilityLost) {
		data, err = s.fallbackBlob.GetObject(ctx, cp.BlobRef)
	} else {
		err = s.retry.Do(ctx, "get blob "+cp.BlobRef, func(ctx context.Context) error {
			var err error
			data, err = s.blob.GetObject(ctx, cp.BlobRef)
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("resolve checkpoint %s payload: %w", cp.CheckpointID, err)
	}
	cp.State = data
	return nil
}

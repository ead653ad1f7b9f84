package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

func TestStore_PutCheckpoint_Conditional(t *testing.T) {
	ctx := context.Background()
	s := New()

	cp := &models.Checkpoint{ThreadID: "t1", CheckpointID: "created", Step: 1}
	if err := s.PutCheckpoint(ctx, cp); err != nil {
		t.Fatalf("PutCheckpoint failed: %v", err)
	}

	dupID := &models.Checkpoint{ThreadID: "t1", CheckpointID: "created", Step: 2}
	if err := s.PutCheckpoint(ctx, dupID); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate id error = %v, want ErrConflict", err)
	}

	dupStep := &models.Checkpoint{ThreadID: "t1", CheckpointID: "other", Step: 1}
	if err := s.PutCheckpoint(ctx, dupStep); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate step error = %v, want ErrConflict", err)
	}

	otherThread := &models.Checkpoint{ThreadID: "t2", CheckpointID: "created", Step: 1}
	if err := s.PutCheckpoint(ctx, otherThread); err != nil {
		t.Errorf("same id on another thread failed: %v", err)
	}
}

func TestStore_ListCheckpoints_OrderedByStep(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, step := range []int64{3, 1, 2} {
		cp := &models.Checkpoint{ThreadID: "t1", CheckpointID: string(rune('a' + step)), Step: step}
		if err := s.PutCheckpoint(ctx, cp); err != nil {
			t.Fatalf("PutCheckpoint failed: %v", err)
		}
	}

	got, err := s.ListCheckpoints(ctx, "t1")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	for i, cp := range got {
		if cp.Step != int64(i+1) {
			t.Errorf("got[%d].Step = %d, want %d", i, cp.Step, i+1)
		}
	}
}

func TestStore_DeleteExpiredCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	s.PutCheckpoint(ctx, &models.Checkpoint{ThreadID: "t1", CheckpointID: "old", Step: 1, ExpiresAt: now.Add(-time.Hour)})
	s.PutCheckpoint(ctx, &models.Checkpoint{ThreadID: "t1", CheckpointID: "new", Step: 2, ExpiresAt: now.Add(time.Hour)})

	deleted, err := s.DeleteExpiredCheckpoints(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredCheckpoints failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0].CheckpointID != "old" {
		t.Errorf("deleted = %+v, want only old", deleted)
	}
	if _, err := s.GetCheckpoint(ctx, "t1", "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetCheckpoint(old) error = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateThread_Versioned(t *testing.T) {
	ctx := context.Background()
	s := New()

	th := &models.Thread{ID: "t1", Status: models.ThreadStatusActive}
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	th.Status = models.ThreadStatusCompleted
	if err := s.UpdateThread(ctx, th, 0); err != nil {
		t.Fatalf("UpdateThread failed: %v", err)
	}
	if th.Version != 1 {
		t.Errorf("Version = %d, want 1", th.Version)
	}

	stale := &models.Thread{ID: "t1", Status: models.ThreadStatusFailed}
	if err := s.UpdateThread(ctx, stale, 0); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("stale update error = %v, want ErrConflict", err)
	}
}

func TestFaulty_FailsThenDelegates(t *testing.T) {
	ctx := context.Background()
	f := NewFaulty(New(), 2)

	cp := &models.Checkpoint{ThreadID: "t1", CheckpointID: "created", Step: 1}
	for i := 0; i < 2; i++ {
		if err := f.PutCheckpoint(ctx, cp); !errors.Is(err, storage.ErrUnavailable) {
			t.Fatalf("call %d error = %v, want ErrUnavailable", i, err)
		}
	}
	if err := f.PutCheckpoint(ctx, cp); err != nil {
		t.Fatalf("third call failed: %v", err)
	}
	if f.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", f.Calls())
	}
}

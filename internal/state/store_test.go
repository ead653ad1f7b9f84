package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

func TestThreadCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	th := &models.Thread{
		ID:        "thread-1",
		Status:    models.ThreadStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Context:   json.RawMessage(`{"flight":"AA100"}`),
	}
	if err := db.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if err := db.CreateThread(ctx, th); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate CreateThread error = %v, want ErrConflict", err)
	}

	got, err := db.GetThread(ctx, "thread-1")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if got.Status != models.ThreadStatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
	if string(got.Context) != `{"flight":"AA100"}` {
		t.Errorf("Context = %s", got.Context)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}

	if _, err := db.GetThread(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetThread(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateThread_OptimisticVersion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	th := &models.Thread{ID: "t", Status: models.ThreadStatusActive, CreatedAt: now, UpdatedAt: now}
	if err := db.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	completed := now.Add(time.Minute)
	th.Status = models.ThreadStatusCompleted
	th.CompletedAt = &completed
	th.Result = json.RawMessage(`{"ok":true}`)
	if err := db.UpdateThread(ctx, th, 0); err != nil {
		t.Fatalf("UpdateThread failed: %v", err)
	}
	if th.Version != 1 {
		t.Errorf("Version = %d, want 1", th.Version)
	}

	stale := *th
	stale.Status = models.ThreadStatusFailed
	if err := db.UpdateThread(ctx, &stale, 0); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("stale UpdateThread error = %v, want ErrConflict", err)
	}

	missing := &models.Thread{ID: "nope"}
	if err := db.UpdateThread(ctx, missing, 0); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateThread(missing) error = %v, want ErrNotFound", err)
	}

	got, _ := db.GetThread(ctx, "t")
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, completed)
	}
}

func TestListThreads_FilterByStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now()

	statuses := []models.ThreadStatus{models.ThreadStatusActive, models.ThreadStatusCompleted, models.ThreadStatusActive}
	for i, s := range statuses {
		at := base.Add(time.Duration(i) * time.Second)
		th := &models.Thread{ID: string(rune('a' + i)), Status: s, CreatedAt: at, UpdatedAt: at}
		if err := db.CreateThread(ctx, th); err != nil {
			t.Fatalf("CreateThread failed: %v", err)
		}
	}

	active, err := db.ListThreads(ctx, models.ThreadStatusActive)
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(active) != 2 || active[0].ID != "a" || active[1].ID != "c" {
		t.Errorf("active threads = %+v, want [a c]", active)
	}

	all, _ := db.ListThreads(ctx, "")
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestCheckpoint_PutGetList(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first := &models.Checkpoint{
		ThreadID:     "t",
		CheckpointID: models.CheckpointCreated,
		Step:         1,
		Metadata: models.CheckpointMetadata{
			Phase:  models.PhaseCreated,
			Status: models.ThreadStatusActive,
			Tags:   map[string]string{"source": "test"},
		},
		State:     json.RawMessage(`{"a":1}`),
		SizeBytes: 7,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	second := &models.Checkpoint{
		ThreadID:     "t",
		CheckpointID: models.CheckpointRoundInitial,
		Step:         2,
		Metadata:     models.CheckpointMetadata{Phase: models.PhaseRoundInitial},
		BlobRef:      storage.BlobKey("t", models.CheckpointRoundInitial),
		SizeBytes:    500_000,
		CreatedAt:    now,
	}
	for _, cp := range []*models.Checkpoint{second, first} {
		if err := db.PutCheckpoint(ctx, cp); err != nil {
			t.Fatalf("PutCheckpoint(%s) failed: %v", cp.CheckpointID, err)
		}
	}

	got, err := db.GetCheckpoint(ctx, "t", models.CheckpointCreated)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if string(got.State) != `{"a":1}` {
		t.Errorf("State = %s", got.State)
	}
	if got.Metadata.Tags["source"] != "test" {
		t.Errorf("Tags = %v", got.Metadata.Tags)
	}
	if !got.ExpiresAt.Equal(first.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, first.ExpiresAt)
	}

	list, err := db.ListCheckpoints(ctx, "t")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(list) != 2 || list[0].Step != 1 || list[1].Step != 2 {
		t.Fatalf("ListCheckpoints order wrong: %+v", list)
	}
	if list[1].BlobRef == "" || list[1].State != nil {
		t.Errorf("blob checkpoint = %+v, want ref and no inline state", list[1])
	}
}

func TestCheckpoint_ConditionalInsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cp := &models.Checkpoint{ThreadID: "t", CheckpointID: "x", Step: 1, Metadata: models.CheckpointMetadata{Phase: models.PhaseCreated}, CreatedAt: time.Now()}
	if err := db.PutCheckpoint(ctx, cp); err != nil {
		t.Fatalf("PutCheckpoint failed: %v", err)
	}

	dupID := *cp
	dupID.Step = 2
	if err := db.PutCheckpoint(ctx, &dupID); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate id error = %v, want ErrConflict", err)
	}

	dupStep := *cp
	dupStep.CheckpointID = "y"
	if err := db.PutCheckpoint(ctx, &dupStep); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate step error = %v, want ErrConflict", err)
	}

	if _, err := db.GetCheckpoint(ctx, "t", "y"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetCheckpoint(y) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteExpiredCheckpoints(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	rows := []*models.Checkpoint{
		{ThreadID: "t", CheckpointID: "old", Step: 1, ExpiresAt: now.Add(-time.Hour)},
		{ThreadID: "t", CheckpointID: "fresh", Step: 2, ExpiresAt: now.Add(time.Hour)},
		{ThreadID: "t", CheckpointID: "forever", Step: 3},
	}
	for _, cp := range rows {
		cp.Metadata.Phase = models.PhaseCreated
		cp.CreatedAt = now
		if err := db.PutCheckpoint(ctx, cp); err != nil {
			t.Fatalf("PutCheckpoint failed: %v", err)
		}
	}

	deleted, err := db.DeleteExpiredCheckpoints(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredCheckpoints failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0].CheckpointID != "old" {
		t.Errorf("deleted = %+v, want [old]", deleted)
	}

	left, _ := db.ListCheckpoints(ctx, "t")
	if len(left) != 2 {
		t.Errorf("remaining = %d, want 2", len(left))
	}
}

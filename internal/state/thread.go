package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// Compile-time verification that DB implements the storage contracts.
var (
	_ storage.Backend      = (*DB)(nil)
	_ storage.ThreadStore  = (*DB)(nil)
	_ storage.CheckpointKV = (*DB)(nil)
)

const threadColumns = `id, status, created_at, updated_at, completed_at, context, result,
	failure_reason, last_checkpoint_id, version`

// CreateThread inserts a new thread row.
func (db *DB) CreateThread(ctx context.Context, t *models.Thread) error {
	var completedAt sql.NullString
	if t.CompletedAt != nil {
		completedAt = nullString(formatTime(*t.CompletedAt))
	}

	_, err := db.exec(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, string(t.Status), formatTime(t.CreatedAt), formatTime(t.UpdatedAt), completedAt,
		[]byte(t.Context), []byte(t.Result), nullString(t.FailureReason), nullString(t.LastCheckpointID), t.Version)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (db *DB) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := db.queryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)

	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", classify(err))
	}
	return t, nil
}

// UpdateThread writes t if the stored version still equals expectedVersion.
func (db *DB) UpdateThread(ctx context.Context, t *models.Thread, expectedVersion int64) error {
	var completedAt sql.NullString
	if t.CompletedAt != nil {
		completedAt = nullString(formatTime(*t.CompletedAt))
	}

	res, err := db.exec(ctx, `
		UPDATE threads SET status = ?, updated_at = ?, completed_at = ?, context = ?, result = ?,
			failure_reason = ?, last_checkpoint_id = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(t.Status), formatTime(t.UpdatedAt), completedAt, []byte(t.Context), []byte(t.Result),
		nullString(t.FailureReason), nullString(t.LastCheckpointID), t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := db.GetThread(ctx, t.ID); err != nil {
			return err
		}
		return fmt.Errorf("thread %s version %d: %w", t.ID, expectedVersion, storage.ErrConflict)
	}

	t.Version = expectedVersion + 1
	return nil
}

// ListThreads lists threads, optionally filtered by status, oldest first.
func (db *DB) ListThreads(ctx context.Context, status models.ThreadStatus) ([]models.Thread, error) {
	var rows *sql.Rows
	var err error

	if status != "" {
		rows, err = db.query(ctx, `
			SELECT `+threadColumns+` FROM threads WHERE status = ? ORDER BY created_at, id
		`, string(status))
	} else {
		rows, err = db.query(ctx, `SELECT `+threadColumns+` FROM threads ORDER BY created_at, id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(s scanner) (*models.Thread, error) {
	var t models.Thread
	var status, createdAt, updatedAt string
	var completedAt, failureReason, lastCheckpoint sql.NullString
	var threadContext, result []byte

	err := s.Scan(&t.ID, &status, &createdAt, &updatedAt, &completedAt, &threadContext, &result,
		&failureReason, &lastCheckpoint, &t.Version)
	if err != nil {
		return nil, err
	}

	t.Status = models.ThreadStatus(status)
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	if len(threadContext) > 0 {
		t.Context = threadContext
	}
	if len(result) > 0 {
		t.Result = result
	}
	t.FailureReason = failureReason.String
	t.LastCheckpointID = lastCheckpoint.String
	return &t, nil
}

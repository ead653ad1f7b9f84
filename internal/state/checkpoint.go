package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

const checkpointColumns = `thread_id, checkpoint_id, step, phase, status, tags, state, blob_ref,
	size_bytes, created_at, expires_at`

// PutCheckpoint inserts a checkpoint row. The primary key and the
// (thread_id, step) unique index make the insert conditional.
func (db *DB) PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	var tags sql.NullString
	if len(cp.Metadata.Tags) > 0 {
		data, err := json.Marshal(cp.Metadata.Tags)
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}
		tags = nullString(string(data))
	}

	var expiresAt int64
	if !cp.ExpiresAt.IsZero() {
		expiresAt = cp.ExpiresAt.UnixNano()
	}

	_, err := db.exec(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.ThreadID, cp.CheckpointID, cp.Step, string(cp.Metadata.Phase), nullString(string(cp.Metadata.Status)),
		tags, []byte(cp.State), nullString(cp.BlobRef), cp.SizeBytes, formatTime(cp.CreatedAt), expiresAt)
	if err != nil {
		return fmt.Errorf("put checkpoint %s/%s: %w", cp.ThreadID, cp.CheckpointID, err)
	}
	return nil
}

// GetCheckpoint retrieves one checkpoint.
func (db *DB) GetCheckpoint(ctx context.Context, threadID, checkpointID string) (*models.Checkpoint, error) {
	row := db.queryRow(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?
	`, threadID, checkpointID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s/%s: %w", threadID, checkpointID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", classify(err))
	}
	return cp, nil
}

// ListCheckpoints returns a thread's checkpoints ordered by step.
func (db *DB) ListCheckpoints(ctx context.Context, threadID string) ([]models.Checkpoint, error) {
	rows, err := db.query(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY step
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// DeleteExpiredCheckpoints deletes rows whose TTL has passed and returns them.
func (db *DB) DeleteExpiredCheckpoints(ctx context.Context, now time.Time) ([]models.Checkpoint, error) {
	cutoff := now.UnixNano()
	var deleted []models.Checkpoint

	err := db.transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+checkpointColumns+` FROM checkpoints WHERE expires_at > 0 AND expires_at <= ?
		`, cutoff)
		if err != nil {
			return fmt.Errorf("select expired: %w", err)
		}
		for rows.Next() {
			cp, err := scanCheckpoint(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan checkpoint: %w", err)
			}
			deleted = append(deleted, *cp)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE expires_at > 0 AND expires_at <= ?`, cutoff); err != nil {
			return fmt.Errorf("delete expired: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("purge checkpoints: %w", err)
	}
	return deleted, nil
}

func scanCheckpoint(s scanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var phase, createdAt string
	var status, tags, blobRef sql.NullString
	var state []byte
	var expiresAt int64

	err := s.Scan(&cp.ThreadID, &cp.CheckpointID, &cp.Step, &phase, &status, &tags, &state, &blobRef,
		&cp.SizeBytes, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	cp.Metadata.Phase = models.Phase(phase)
	cp.Metadata.Status = models.ThreadStatus(status.String)
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &cp.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(state) > 0 {
		cp.State = state
	}
	cp.BlobRef = blobRef.String
	cp.CreatedAt, _ = parseTime(createdAt)
	if expiresAt > 0 {
		cp.ExpiresAt = time.Unix(0, expiresAt).UTC()
	}
	return &cp, nil
}

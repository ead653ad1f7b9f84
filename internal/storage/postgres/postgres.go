// Package postgres implements the durable checkpoint and thread store on
// PostgreSQL for multi-process deployments.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// Client manages the Postgres connection for threads and checkpoints.
type Client struct {
	db *sql.DB
}

var _ storage.Backend = (*Client)(nil)

// DSNFromEnv builds a connection string from the standard PG* variables.
func DSNFromEnv() string {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "arbiter")
	dbname := getEnv("PGDATABASE", "arbiter")
	sslmode := getEnv("PGSSLMODE", "disable")
	password := os.Getenv("PGPASSWORD")

	if password != "" {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			host, port, user, password, dbname, sslmode)
	}
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		host, port, user, dbname, sslmode)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// New connects to Postgres and creates the schema if needed.
// An empty dsn falls back to DSNFromEnv.
func New(ctx context.Context, dsn string) (*Client, error) {
	if dsn == "" {
		dsn = DSNFromEnv()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", classify(err))
	}

	c := &Client{db: db}
	if err := c.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return c, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) createTables(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS threads (
			id                 TEXT PRIMARY KEY,
			status             TEXT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			completed_at       TIMESTAMPTZ,
			context            JSONB,
			result             JSONB,
			failure_reason     TEXT,
			last_checkpoint_id TEXT,
			version            BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);

		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id     TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			step          BIGINT NOT NULL,
			phase         TEXT NOT NULL,
			status        TEXT,
			tags          JSONB,
			state         BYTEA,
			blob_ref      TEXT,
			size_bytes    INTEGER NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL,
			expires_at    TIMESTAMPTZ,
			PRIMARY KEY (thread_id, checkpoint_id),
			UNIQUE (thread_id, step)
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_expires_at ON checkpoints(expires_at);
	`)
	return classify(err)
}

// CreateThread inserts a new thread row.
func (c *Client) CreateThread(ctx context.Context, t *models.Thread) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO threads (id, status, created_at, updated_at, completed_at, context, result,
			failure_reason, last_checkpoint_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, string(t.Status), t.CreatedAt, t.UpdatedAt, t.CompletedAt, jsonArg(t.Context), jsonArg(t.Result),
		nullString(t.FailureReason), nullString(t.LastCheckpointID), t.Version)
	if err != nil {
		return fmt.Errorf("create thread: %w", classify(err))
	}
	return nil
}

const threadColumns = `id, status, created_at, updated_at, completed_at, context, result,
	failure_reason, last_checkpoint_id, version`

// GetThread retrieves a thread by ID.
func (c *Client) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id)
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
func (c *Client) UpdateThread(ctx context.Context, t *models.Thread, expectedVersion int64) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE threads SET status = $1, updated_at = $2, completed_at = $3, context = $4, result = $5,
			failure_reason = $6, last_checkpoint_id = $7, version = version + 1
		WHERE id = $8 AND version = $9
	`, string(t.Status), t.UpdatedAt, t.CompletedAt, jsonArg(t.Context), jsonArg(t.Result),
		nullString(t.FailureReason), nullString(t.LastCheckpointID), t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update thread: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := c.GetThread(ctx, t.ID); err != nil {
			return err
		}
		return fmt.Errorf("thread %s version %d: %w", t.ID, expectedVersion, storage.ErrConflict)
	}
	t.Version = expectedVersion + 1
	return nil
}

// ListThreads lists threads, optionally filtered by status, oldest first.
func (c *Client) ListThreads(ctx context.Context, status models.ThreadStatus) ([]models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", classify(err))
	}
	defer rows.Close()

	var out []models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const checkpointColumns = `thread_id, checkpoint_id, step, phase, status, tags, state, blob_ref,
	size_bytes, created_at, expires_at`

// PutCheckpoint inserts a checkpoint; key collisions return storage.ErrConflict.
func (c *Client) PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	var tags []byte
	if len(cp.Metadata.Tags) > 0 {
		var err error
		if tags, err = json.Marshal(cp.Metadata.Tags); err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}
	}
	var expiresAt *time.Time
	if !cp.ExpiresAt.IsZero() {
		expiresAt = &cp.ExpiresAt
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, cp.ThreadID, cp.CheckpointID, cp.Step, string(cp.Metadata.Phase), nullString(string(cp.Metadata.Status)),
		jsonArg(tags), []byte(cp.State), nullString(cp.BlobRef), cp.SizeBytes, cp.CreatedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("put checkpoint %s/%s: %w", cp.ThreadID, cp.CheckpointID, classify(err))
	}
	return nil
}

// GetCheckpoint retrieves one checkpoint.
func (c *Client) GetCheckpoint(ctx context.Context, threadID, checkpointID string) (*models.Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = $1 AND checkpoint_id = $2
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
func (c *Client) ListCheckpoints(ctx context.Context, threadID string) ([]models.Checkpoint, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = $1 ORDER BY step
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", classify(err))
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
func (c *Client) DeleteExpiredCheckpoints(ctx context.Context, now time.Time) ([]models.Checkpoint, error) {
	rows, err := c.db.QueryContext(ctx, `
		DELETE FROM checkpoints WHERE expires_at IS NOT NULL AND expires_at <= $1
		RETURNING `+checkpointColumns, now)
	if err != nil {
		return nil, fmt.Errorf("purge checkpoints: %w", classify(err))
	}
	defer rows.Close()

	var deleted []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		deleted = append(deleted, *cp)
	}
	return deleted, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(s scanner) (*models.Thread, error) {
	var t models.Thread
	var status string
	var completedAt sql.NullTime
	var threadContext, result []byte
	var failureReason, lastCheckpoint sql.NullString

	if err := s.Scan(&t.ID, &status, &t.CreatedAt, &t.UpdatedAt, &completedAt, &threadContext, &result,
		&failureReason, &lastCheckpoint, &t.Version); err != nil {
		return nil, err
	}
	t.Status = models.ThreadStatus(status)
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
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

func scanCheckpoint(s scanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var phase string
	var status, blobRef sql.NullString
	var tags, state []byte
	var expiresAt sql.NullTime

	if err := s.Scan(&cp.ThreadID, &cp.CheckpointID, &cp.Step, &phase, &status, &tags, &state, &blobRef,
		&cp.SizeBytes, &cp.CreatedAt, &expiresAt); err != nil {
		return nil, err
	}
	cp.Metadata.Phase = models.Phase(phase)
	cp.Metadata.Status = models.ThreadStatus(status.String)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &cp.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(state) > 0 {
		cp.State = state
	}
	cp.BlobRef = blobRef.String
	if expiresAt.Valid {
		cp.ExpiresAt = expiresAt.Time
	}
	return &cp, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonArg passes empty JSON as SQL NULL; JSONB rejects an empty string.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// classify maps pq and network errors onto storage sentinels.
func classify(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		case pqErr.Code == "53300", pqErr.Code == "57P03", pqErr.Code.Class() == "08":
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "55P03":
			return fmt.Errorf("%w: %v", storage.ErrThrottled, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) ||
		strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}

package state

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/arbiter/internal/storage"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.Driver() != DriverModernc {
		t.Errorf("Driver() = %q, want %q", db.Driver(), DriverModernc)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	db, err := Open(filepath.Join(nested, "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestOpenWithDriver_Unknown(t *testing.T) {
	if _, err := OpenWithDriver("postgres", tempDBPath(t)); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestMigrate(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"schema_version", "threads", "checkpoints"} {
		var count int
		row := db.queryRow(context.Background(), "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&count); err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate run %d failed: %v", i+1, err)
		}
	}

	var version int
	if err := db.queryRow(context.Background(), "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

func TestClose_SubsequentOperationsUnavailable(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err = db.query(context.Background(), "SELECT 1")
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("query after close error = %v, want ErrUnavailable", err)
	}
}

func TestGlobalDBPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got, want := GlobalDBPath(), "/custom/data/arbiter/arbiter.db"; got != want {
		t.Errorf("GlobalDBPath() = %q, want %q", got, want)
	}
}

func TestProjectDBPath(t *testing.T) {
	if got, want := ProjectDBPath("/my/project"), "/my/project/.arbiter/state.db"; got != want {
		t.Errorf("ProjectDBPath() = %q, want %q", got, want)
	}
}

func TestFormatAndParseTime(t *testing.T) {
	now := time.Now()
	parsed, err := parseTime(formatTime(now))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !now.Equal(parsed) {
		t.Errorf("time round-trip failed: got %v, want %v", parsed, now.UTC())
	}

	earlier := formatTime(now.Add(-time.Millisecond))
	if earlier >= formatTime(now) {
		t.Errorf("formatted times do not sort: %q >= %q", earlier, formatTime(now))
	}
}

func TestParseNullableTime(t *testing.T) {
	valid := sql.NullString{String: formatTime(time.Now()), Valid: true}
	if parseNullableTime(valid) == nil {
		t.Error("expected non-nil time for valid input")
	}
	if parseNullableTime(sql.NullString{}) != nil {
		t.Error("expected nil time for null input")
	}
	if parseNullableTime(sql.NullString{String: "not a time", Valid: true}) != nil {
		t.Error("expected nil time for invalid format")
	}
}

func TestClassify(t *testing.T) {
	if err := classify(errors.New("UNIQUE constraint failed: checkpoints.thread_id")); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("classify(unique) = %v, want ErrConflict", err)
	}
	if err := classify(errors.New("database is locked (5) (SQLITE_BUSY)")); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("classify(locked) = %v, want ErrUnavailable", err)
	}
	if err := classify(sql.ErrNoRows); err != sql.ErrNoRows {
		t.Errorf("classify(ErrNoRows) = %v, want sql.ErrNoRows", err)
	}
}

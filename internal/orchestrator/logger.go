package orchestrator

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLogger is a structured logger that appends JSON lines to a file.
// The zero file means every record is discarded.
type FileLogger struct {
	*slog.Logger
	mu   sync.Mutex
	file *os.File
}

// NewFileLogger creates a logger writing to the specified path.
// If the path is empty, returns a no-op logger.
// Creates parent directories if they don't exist.
func NewFileLogger(logPath string, level slog.Level) (*FileLogger, error) {
	if logPath == "" {
		return NopLogger(), nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &FileLogger{file: f}
	l.Logger = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	l.Info("log started", "at", time.Now().Format(time.RFC3339))
	return l, nil
}

// NewFileLoggerForDir creates a logger in dir/logs/arbiter.log.
// Returns a no-op logger if the directory cannot be created.
func NewFileLoggerForDir(dir string) *FileLogger {
	l, err := NewFileLogger(filepath.Join(dir, "logs", "arbiter.log"), slog.LevelDebug)
	if err != nil {
		return NopLogger()
	}
	return l
}

// NopLogger returns a no-op logger for testing or when logging is disabled.
func NopLogger() *FileLogger {
	return &FileLogger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Close closes the log file.
// Safe to call on nil logger or logger without file.
func (l *FileLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.file.Close()
	l.file = nil
	return err
}

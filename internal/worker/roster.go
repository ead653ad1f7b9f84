package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/arbiter/pkg/models"
)

// Roster is the worker list loaded from a YAML file.
//
//	defaults:
//	  model: claude-sonnet-4-5-20250929
//	  safety_timeout: 45s
//	  business_timeout: 30s
//	workers:
//	  - name: crew_legality
//	    role: safety
//	    prompt: |
//	      You check crew duty limits...
type Roster struct {
	Defaults RosterDefaults `yaml:"defaults"`
	Workers  []WorkerSpec   `yaml:"workers"`
}

// RosterDefaults apply to workers that leave a field empty.
type RosterDefaults struct {
	Model           string        `yaml:"model"`
	SafetyTimeout   time.Duration `yaml:"safety_timeout"`
	BusinessTimeout time.Duration `yaml:"business_timeout"`
}

// WorkerSpec describes one worker in the roster.
type WorkerSpec struct {
	Name    string            `yaml:"name"`
	Role    models.WorkerRole `yaml:"role"`
	Prompt  string            `yaml:"prompt"`
	Model   string            `yaml:"model,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// Factory builds the capability for a worker spec.
type Factory func(spec WorkerSpec) (Capability, error)

// LoadRoster reads and validates a roster file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(data)
}

// ParseRoster decodes and validates roster YAML.
func ParseRoster(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(r.Workers) == 0 {
		return nil, errors.New("roster has no workers")
	}

	seen := make(map[string]bool, len(r.Workers))
	hasSafety := false
	for i, w := range r.Workers {
		if w.Name == "" {
			return nil, fmt.Errorf("roster worker %d: name is required", i)
		}
		if seen[w.Name] {
			return nil, fmt.Errorf("roster worker %q listed twice", w.Name)
		}
		seen[w.Name] = true
		if !w.Role.Valid() {
			return nil, fmt.Errorf("roster worker %q: invalid role %q", w.Name, w.Role)
		}
		if w.Role == models.RoleSafety {
			hasSafety = true
		}
	}
	if !hasSafety {
		return nil, errors.New("roster needs at least one safety worker")
	}
	return &r, nil
}

// Build resolves defaults and creates a registration per worker.
func (r *Roster) Build(factory Factory) ([]Registration, error) {
	regs := make([]Registration, 0, len(r.Workers))
	for _, spec := range r.Workers {
		if spec.Model == "" {
			spec.Model = r.Defaults.Model
		}
		if spec.Timeout <= 0 {
			spec.Timeout = r.defaultTimeout(spec.Role)
		}

		capability, err := factory(spec)
		if err != nil {
			return nil, fmt.Errorf("build worker %q: %w", spec.Name, err)
		}
		regs = append(regs, Registration{
			Name:       spec.Name,
			Role:       spec.Role,
			Prompt:     spec.Prompt,
			Timeout:    spec.Timeout,
			Capability: capability,
		})
	}
	return regs, nil
}

func (r *Roster) defaultTimeout(role models.WorkerRole) time.Duration {
	if role == models.RoleSafety && r.Defaults.SafetyTimeout > 0 {
		return r.Defaults.SafetyTimeout
	}
	if role == models.RoleBusiness && r.Defaults.BusinessTimeout > 0 {
		return r.Defaults.BusinessTimeout
	}
	return DefaultTimeout
}

// reloadDebounce collapses the burst of events editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// WatchRoster reloads the roster whenever its file changes and passes the
// result to apply. Invalid files are logged and skipped. It blocks until
// ctx is done.
func WatchRoster(ctx context.Context, path string, logger *slog.Logger, apply func(*Roster) error) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	base := filepath.Base(path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDebounce)
			fire = timer.C

		case <-fire:
			fire = nil
			r, err := LoadRoster(path)
			if err != nil {
				logger.Warn("roster reload skipped", "path", path, "error", err)
				continue
			}
			if err := apply(r); err != nil {
				logger.Warn("roster apply failed", "path", path, "error", err)
				continue
			}
			logger.Info("roster reloaded", "path", path, "workers", len(r.Workers))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("roster watcher error", "error", err)
		}
	}
}

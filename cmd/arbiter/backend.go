package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/arbiter/internal/api"
	"github.com/ShayCichocki/arbiter/internal/approval"
	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/internal/config"
	"github.com/ShayCichocki/arbiter/internal/orchestrator"
	"github.com/ShayCichocki/arbiter/internal/orchestrator/policy"
	"github.com/ShayCichocki/arbiter/internal/state"
	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/internal/storage/blob"
	"github.com/ShayCichocki/arbiter/internal/storage/memory"
	"github.com/ShayCichocki/arbiter/internal/storage/postgres"
	"github.com/ShayCichocki/arbiter/internal/thread"
	"github.com/ShayCichocki/arbiter/internal/worker"
)

// appDir holds the project database, blobs and logs.
const appDir = ".arbiter"

// app is the wired persistence layer shared by every command.
type app struct {
	cfg         *config.Config
	policy      *policy.Config
	backend     storage.Backend
	blobs       storage.BlobStore
	checkpoints *checkpoint.Store
	threads     *thread.Manager
	recovery    *thread.RecoveryManager
	logger      *slog.Logger
	logFile     *orchestrator.FileLogger
}

// openApp connects the configured backends. Callers must Close the app.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	p, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, policy: p}
	if verbose {
		a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		a.logFile = orchestrator.NewFileLoggerForDir(appDir)
		a.logger = a.logFile.Logger
	}

	a.backend, err = openBackend(ctx, cfg.Persistence)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.blobs, err = openBlobStore(ctx, cfg.Persistence)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.checkpoints = checkpoint.New(a.backend, a.blobs,
		checkpoint.WithThreshold(cfg.Persistence.SizeThresholdBytes),
		checkpoint.WithTTL(cfg.Persistence.TTL()),
		checkpoint.WithRetryPolicy(cfg.RetryPolicy()),
		checkpoint.WithLogger(a.logger),
	)
	a.threads = thread.NewManager(a.backend, a.checkpoints,
		thread.WithLogger(a.logger),
		thread.WithRetryPolicy(cfg.RetryPolicy()),
	)
	a.recovery = thread.NewRecoveryManager(a.backend, a.checkpoints)
	return a, nil
}

func openBackend(ctx context.Context, p config.PersistenceConfig) (storage.Backend, error) {
	switch p.Mode {
	case config.ModeMemory:
		return memory.New(), nil
	case config.ModePostgres:
		dsn := p.PostgresDSN
		if dsn == "" {
			dsn = postgres.DSNFromEnv()
		}
		c, err := postgres.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return c, nil
	default:
		path := p.SQLitePath
		if path == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("get working directory: %w", err)
			}
			path = state.ProjectDBPath(cwd)
		}
		db, err := state.OpenWithDriver(p.SQLiteDriver, path)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return db, nil
	}
}

func openBlobStore(ctx context.Context, p config.PersistenceConfig) (storage.BlobStore, error) {
	switch p.Blob {
	case config.BlobMemory:
		return memory.NewBlob(), nil
	case config.BlobS3:
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:   p.S3Bucket,
			Prefix:   p.S3Prefix,
			Region:   p.S3Region,
			Endpoint: p.S3Endpoint,
		})
	default:
		dir := p.BlobDir
		if dir == "" {
			dir = filepath.Join(appDir, "blobs")
		}
		return blob.NewFS(dir)
	}
}

// Close releases the backend and log file.
func (a *app) Close() error {
	var errs []error
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}

// gate returns a standalone approval gate for commands that do not run workers.
func (a *app) gate() *approval.Gate {
	return approval.NewGate(a.threads, a.checkpoints,
		approval.WithLogger(a.logger),
		approval.WithPollInterval(a.policy.Approval.PollInterval))
}

// registry loads the roster and builds model-backed workers. The factory
// is returned so the roster can be rebuilt on reload.
func (a *app) registry(ctx context.Context, rosterPath string) (*worker.Registry, worker.Factory, error) {
	roster, err := worker.LoadRoster(a.rosterPath(rosterPath))
	if err != nil {
		return nil, nil, err
	}
	factory, err := a.workerFactory(ctx)
	if err != nil {
		return nil, nil, err
	}
	regs, err := a.build(roster, factory)
	if err != nil {
		return nil, nil, err
	}
	reg, err := worker.NewRegistry(regs...)
	if err != nil {
		return nil, nil, err
	}
	return reg, factory, nil
}

func (a *app) rosterPath(flag string) string {
	if flag != "" {
		return flag
	}
	return a.cfg.Orchestration.RosterPath
}

// build applies the policy's per-role timeouts where the roster sets none.
func (a *app) build(roster *worker.Roster, factory worker.Factory) ([]worker.Registration, error) {
	if roster.Defaults.SafetyTimeout <= 0 {
		roster.Defaults.SafetyTimeout = a.policy.Rounds.SafetyTimeout
	}
	if roster.Defaults.BusinessTimeout <= 0 {
		roster.Defaults.BusinessTimeout = a.policy.Rounds.BusinessTimeout
	}
	return roster.Build(factory)
}

func (a *app) workerFactory(ctx context.Context) (worker.Factory, error) {
	key, err := config.GetAPIKey(a.cfg)
	if err != nil {
		return nil, err
	}
	client, err := api.NewClient(ctx, api.ClientConfig{
		Model:         anthropic.Model(a.cfg.Anthropic.Model),
		APIKey:        key,
		UseAWSBedrock: a.cfg.Anthropic.Bedrock,
		AWSRegion:     a.cfg.Anthropic.AWSRegion,
		AWSProfile:    a.cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	return worker.LLMFactory(api.NewRunner(client)), nil
}

// orchestrator wires an orchestrator over the app's stores.
func (a *app) orchestrator(reg *worker.Registry, opts ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	base := []orchestrator.Option{
		orchestrator.WithPolicy(a.policy),
		orchestrator.WithLogger(a.logger),
	}
	return orchestrator.New(orchestrator.RequiredConfig{
		Threads:     a.threads,
		Recovery:    a.recovery,
		Checkpoints: a.checkpoints,
		Registry:    reg,
	}, append(base, opts...)...)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ShayCichocki/arbiter/internal/worker"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// PhaseCoordinator runs one round: every registered worker concurrently,
// then a collation once all have answered or timed out.
type PhaseCoordinator struct {
	registry     *worker.Registry
	invoker      *worker.Invoker
	collator     *Collator
	roundTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewPhaseCoordinator creates a coordinator over registry. roundTimeout
// caps a whole round; zero leaves each worker bounded only by its own
// timeout.
func NewPhaseCoordinator(registry *worker.Registry, roundTimeout time.Duration, logger *slog.Logger) *PhaseCoordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PhaseCoordinator{
		registry:     registry,
		invoker:      worker.NewInvoker(logger),
		collator:     NewCollator(logger),
		roundTimeout: roundTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// RunRound fans out to every registered worker and fans in on a
// WaitGroup. A slow or failing worker never affects its siblings. The
// revision round requires shared.Prior to carry the initial collation.
func (pc *PhaseCoordinator) RunRound(ctx context.Context, round models.Round, shared worker.Context) (*models.Collation, error) {
	if !round.Valid() {
		return nil, fmt.Errorf("run round: unknown round %q", round)
	}
	if round == models.RoundRevision && shared.Prior == nil {
		return nil, errors.New("run round: revision requires the initial collation")
	}
	regs := pc.registry.All()
	if len(regs) == 0 {
		return nil, errors.New("run round: no workers registered")
	}

	roundCtx := ctx
	if pc.roundTimeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, pc.roundTimeout)
		defer cancel()
	}

	wctx := shared
	wctx.Round = round
	if round == models.RoundInitial {
		wctx.Prior = nil
	}

	started := pc.now()
	pc.logger.Info("round started", "thread_id", shared.ThreadID, "round", round, "workers", len(regs))

	responses := make([]models.WorkerResponse, len(regs))
	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg worker.Registration) {
			defer wg.Done()
			responses[i] = pc.invoker.Invoke(roundCtx, reg, wctx)
		}(i, reg)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run round %s: %w", round, err)
	}

	col := pc.collator.Normalize(round, regs, responses, started)
	pc.logger.Info("round completed",
		"thread_id", shared.ThreadID,
		"round", round,
		"succeeded", len(col.SuccessfulOnly()),
		"failed", len(col.FailedOnly()),
		"duration", col.Duration)
	return col, nil
}

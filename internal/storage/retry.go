package storage

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Default retry settings for durable writes.
const (
	DefaultRetryBase        = 100 * time.Millisecond
	DefaultRetryCap         = 1600 * time.Millisecond
	DefaultRetryMaxAttempts = 5
)

// RetryPolicy retries transient storage failures with exponential backoff
// and full jitter.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Logger      *slog.Logger

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// DefaultRetryPolicy returns the standard durable-write policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        DefaultRetryBase,
		Cap:         DefaultRetryCap,
		MaxAttempts: DefaultRetryMaxAttempts,
	}
}

// WithoutSleep returns a copy of p that does not wait between attempts.
func (p RetryPolicy) WithoutSleep() RetryPolicy {
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

// Backoff returns the ceiling for the wait before the given retry (1-indexed).
// The actual wait is a uniform draw in [0, Backoff).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The final error wraps the last failure.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	jitter := p.jitter
	if jitter == nil {
		jitter = rand.Float64
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		wait := time.Duration(jitter() * float64(p.Backoff(attempt)))
		if p.Logger != nil {
			p.Logger.Debug("storage retry", "op", op, "attempt", attempt, "wait", wait, "error", lastErr)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

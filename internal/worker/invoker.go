package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ShayCichocki/arbiter/pkg/models"
)

var (
	// ErrTimeout classifies responses from workers that missed their deadline.
	ErrTimeout = errors.New("worker timeout")
	// ErrFault classifies responses from workers that errored or panicked.
	ErrFault = errors.New("worker fault")
)

// DefaultTimeout applies to registrations without their own timeout.
const DefaultTimeout = 60 * time.Second

// Invoker runs one worker call with a deadline.
type Invoker struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewInvoker creates an Invoker. A nil logger discards output.
func NewInvoker(logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Invoker{logger: logger, now: time.Now}
}

type invokeResult struct {
	out Output
	err error
}

// Invoke never returns an error and never panics. The capability runs in
// its own goroutine; if it outlives its deadline its result is dropped.
func (inv *Invoker) Invoke(ctx context.Context, reg Registration, wctx Context) models.WorkerResponse {
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := inv.now()
	done := make(chan invokeResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("%w: panic: %v", ErrFault, r)}
			}
		}()
		if reg.Capability == nil {
			done <- invokeResult{err: fmt.Errorf("%w: no capability registered", ErrFault)}
			return
		}
		out, err := reg.Capability.Invoke(callCtx, reg.Prompt, wctx)
		done <- invokeResult{out: out, err: err}
	}()

	resp := models.WorkerResponse{Worker: reg.Name, Role: reg.Role}

	select {
	case res := <-done:
		resp.Duration = inv.now().Sub(start)
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) && callCtx.Err() != nil {
				return inv.timedOut(resp, timeout)
			}
			resp.Status = models.ResponseError
			resp.Error = res.err.Error()
			inv.logger.Warn("worker failed", "worker", reg.Name, "round", wctx.Round, "error", res.err)
			return resp
		}
		return fromOutput(resp, res.out)

	case <-callCtx.Done():
		resp.Duration = inv.now().Sub(start)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return inv.timedOut(resp, timeout)
		}
		resp.Status = models.ResponseError
		resp.Error = fmt.Sprintf("%v: %v", ErrFault, callCtx.Err())
		return resp
	}
}

func (inv *Invoker) timedOut(resp models.WorkerResponse, timeout time.Duration) models.WorkerResponse {
	resp.Status = models.ResponseTimeout
	resp.Error = fmt.Sprintf("%v after %s", ErrTimeout, timeout)
	inv.logger.Warn("worker timed out", "worker", resp.Worker, "timeout", timeout)
	return resp
}

// fromOutput copies a capability result, keeping the worker's own status.
func fromOutput(resp models.WorkerResponse, out Output) models.WorkerResponse {
	resp.Status = out.Status
	if resp.Status == "" {
		resp.Status = models.ResponseSuccess
	}
	resp.Error = out.Error
	if !resp.Status.Valid() {
		resp.Error = fmt.Sprintf("%v: unknown status %q", ErrFault, out.Status)
		resp.Status = models.ResponseError
	}
	if resp.Status == models.ResponseSuccess {
		resp.Payload = out.Payload
		resp.Constraints = out.Constraints
		resp.Sources = out.Sources
	}
	resp.Confidence = out.Confidence
	return resp
}

// Package server exposes threads, checkpoints and the approval gate over
// HTTP, plus a websocket stream of orchestration events.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/ShayCichocki/arbiter/internal/approval"
	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/internal/orchestrator"
	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/internal/thread"
	"github.com/ShayCichocki/arbiter/internal/version"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// DefaultBasePath prefixes every API route.
const DefaultBasePath = "/v1"

// Config for the HTTP API handler.
type Config struct {
	Threads     *thread.Manager
	Checkpoints *checkpoint.Store
	Gate        *approval.Gate
	// Bus feeds the /events websocket. Nil disables the stream.
	Bus      *orchestrator.EventBus
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_pending"`
	Message string         `json:"message" example:"no approval pending"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope: {"error":{"code","message","details"}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	threads     *thread.Manager
	checkpoints *checkpoint.Store
	gate        *approval.Gate
	logger      *slog.Logger
}

// New returns an HTTP handler exposing the arbiter API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Threads == nil || cfg.Checkpoints == nil || cfg.Gate == nil {
		return nil, errors.New("server: threads, checkpoints and gate are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))

	hcfg := huma.DefaultConfig("Arbiter API", version.Get())
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{threads: cfg.Threads, checkpoints: cfg.Checkpoints, gate: cfg.Gate, logger: logger}
	registerHealth(group)
	h.registerThreads(group)
	h.registerApprovals(group)
	if cfg.Bus != nil {
		router.Get(basePath+"/events", newEventStream(cfg.Bus, logger).ServeHTTP)
	}
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func (h *handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, approval.ErrNotPending):
		return newAPIError(http.StatusConflict, "not_pending", err.Error(), nil)
	case errors.Is(err, approval.ErrUnknownSolution):
		return newAPIError(http.StatusUnprocessableEntity, "unknown_solution", err.Error(), nil)
	case errors.Is(err, thread.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		h.logger.Error("request failed", "error", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type healthOutput struct {
	Body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		out.Body.Version = version.Get()
		return out, nil
	})
}

type threadPath struct {
	ID string `path:"id" doc:"Thread ID"`
}

type listThreadsInput struct {
	Status string `query:"status" doc:"Filter by status"`
}

type listThreadsOutput struct {
	Body struct {
		Threads []models.Thread             `json:"threads"`
		Counts  map[models.ThreadStatus]int `json:"counts"`
	}
}

type threadOutput struct {
	Body *models.Thread
}

type checkpointsOutput struct {
	Body struct {
		Checkpoints []models.Checkpoint `json:"checkpoints"`
	}
}

func (h *handlers) registerThreads(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-threads",
		Method:      http.MethodGet,
		Path:        "/threads",
		Summary:     "List threads",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, in *listThreadsInput) (*listThreadsOutput, error) {
		status := models.ThreadStatus(in.Status)
		if status != "" && !status.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status "+in.Status, nil)
		}
		threads, err := h.threads.List(ctx, status)
		if err != nil {
			return nil, h.handleError(err)
		}
		counts, err := h.threads.CountByStatus(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := &listThreadsOutput{}
		out.Body.Threads = threads
		if out.Body.Threads == nil {
			out.Body.Threads = []models.Thread{}
		}
		out.Body.Counts = counts
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-thread",
		Method:      http.MethodGet,
		Path:        "/threads/{id}",
		Summary:     "Get a thread",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, in *threadPath) (*threadOutput, error) {
		t, err := h.threads.Get(ctx, in.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &threadOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/threads/{id}/checkpoints",
		Summary:     "List a thread's checkpoints without payloads",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, in *threadPath) (*checkpointsOutput, error) {
		if _, err := h.threads.Get(ctx, in.ID); err != nil {
			return nil, h.handleError(err)
		}
		list, err := h.checkpoints.List(ctx, in.ID, checkpoint.Filter{SkipPayload: true})
		if err != nil {
			return nil, h.handleError(err)
		}
		out := &checkpointsOutput{}
		out.Body.Checkpoints = list
		if out.Body.Checkpoints == nil {
			out.Body.Checkpoints = []models.Checkpoint{}
		}
		return out, nil
	})
}

type pendingOutput struct {
	Body *models.PendingApproval
}

type approveInput struct {
	ID   string `path:"id" doc:"Thread ID"`
	Body struct {
		SolutionID string `json:"solution_id,omitempty" doc:"Candidate to carry out; empty takes the recommendation"`
		Rationale  string `json:"rationale,omitempty"`
		Approver   string `json:"approver,omitempty" doc:"Ignored when a bearer token is presented"`
	}
}

type rejectInput struct {
	ID   string `path:"id" doc:"Thread ID"`
	Body struct {
		Reason   string `json:"reason" minLength:"1"`
		Approver string `json:"approver,omitempty" doc:"Ignored when a bearer token is presented"`
	}
}

type recordOutput struct {
	Body *models.ApprovalRecord
}

func (h *handlers) registerApprovals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pending",
		Method:      http.MethodGet,
		Path:        "/threads/{id}/pending",
		Summary:     "Decision awaiting approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, in *threadPath) (*pendingOutput, error) {
		p, err := h.gate.PendingRequest(ctx, in.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if p == nil {
			return nil, newAPIError(http.StatusNotFound, "not_pending", "no approval pending for thread "+in.ID, nil)
		}
		return &pendingOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve",
		Method:      http.MethodPost,
		Path:        "/threads/{id}/approve",
		Summary:     "Approve a decision",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, in *approveInput) (*recordOutput, error) {
		rec, err := h.gate.Approve(ctx, in.ID, in.Body.SolutionID, in.Body.Rationale, approverFor(ctx, in.Body.Approver))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject",
		Method:      http.MethodPost,
		Path:        "/threads/{id}/reject",
		Summary:     "Reject a decision",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, in *rejectInput) (*recordOutput, error) {
		rec, err := h.gate.Reject(ctx, in.ID, in.Body.Reason, approverFor(ctx, in.Body.Approver))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})
}

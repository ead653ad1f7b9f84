package orchestrator

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/ShayCichocki/arbiter/internal/worker"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// errNoResponse is recorded for registered workers missing from a round.
const errNoResponse = "no response"

// Collator normalizes raw worker responses into a Collation.
type Collator struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewCollator creates a Collator. A nil logger discards output.
func NewCollator(logger *slog.Logger) *Collator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collator{logger: logger, now: time.Now}
}

// Normalize builds a Collation with exactly one entry per registered worker.
// Missing fields get safe defaults, a worker's own failure status is never
// upgraded, the first of duplicate responses wins, and registered workers
// with no response are recorded as errors.
func (c *Collator) Normalize(round models.Round, registered []worker.Registration, responses []models.WorkerResponse, started time.Time) *models.Collation {
	regs := make(map[string]worker.Registration, len(registered))
	for _, r := range registered {
		regs[r.Name] = r
	}

	out := make(map[string]models.WorkerResponse, len(registered))
	for _, resp := range responses {
		reg, ok := regs[resp.Worker]
		if !ok {
			c.logger.Debug("dropping response from unregistered worker", "worker", resp.Worker, "round", round)
			continue
		}
		if _, dup := out[resp.Worker]; dup {
			c.logger.Debug("dropping duplicate response", "worker", resp.Worker, "round", round)
			continue
		}
		out[resp.Worker] = normalizeResponse(resp, reg.Role)
	}

	for _, reg := range registered {
		if _, ok := out[reg.Name]; !ok {
			out[reg.Name] = normalizeResponse(models.WorkerResponse{
				Worker: reg.Name,
				Status: models.ResponseError,
				Error:  errNoResponse,
			}, reg.Role)
		}
	}

	now := c.now()
	return &models.Collation{
		Round:     round,
		Responses: out,
		Duration:  now.Sub(started),
		CreatedAt: now.UTC(),
	}
}

func normalizeResponse(r models.WorkerResponse, role models.WorkerRole) models.WorkerResponse {
	r.Role = role

	switch {
	case r.Status == "" && r.Error != "":
		r.Status = models.ResponseError
	case r.Status == "":
		r.Status = models.ResponseSuccess
	case !r.Status.Valid():
		r.Error = fmt.Sprintf("unknown status %q", r.Status)
		r.Status = models.ResponseError
	}

	if math.IsNaN(r.Confidence) || r.Confidence < 0 {
		r.Confidence = 0
	} else if r.Confidence > 1 {
		r.Confidence = 1
	}

	if r.Status != models.ResponseSuccess {
		r.Payload = nil
		r.Constraints = nil
		if r.Error == "" {
			r.Error = string(r.Status)
		}
	}
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}
	if r.Constraints == nil {
		r.Constraints = []string{}
	}
	if r.Sources == nil {
		r.Sources = []string{}
	}
	return r
}

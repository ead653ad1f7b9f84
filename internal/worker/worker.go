// Package worker defines the domain-expert worker contract and invokes
// workers in isolation: each call runs under its own deadline, and faults
// or panics come back as typed responses instead of errors.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ShayCichocki/arbiter/pkg/models"
)

// Context is everything a worker sees for one round.
type Context struct {
	ThreadID   string          `json:"thread_id"`
	Round      models.Round    `json:"round"`
	Disruption json.RawMessage `json:"disruption"`
	// Prior is the initial-round collation during revision, nil otherwise.
	Prior *models.Collation `json:"prior,omitempty"`
}

// Output is what a capability returns for one invocation.
type Output struct {
	// Status may be left empty for success. A worker can report its own
	// failure with ResponseError.
	Status      models.ResponseStatus `json:"status,omitempty"`
	Payload     map[string]any        `json:"payload,omitempty"`
	Constraints []string              `json:"constraints,omitempty"`
	Confidence  float64               `json:"confidence"`
	Sources     []string              `json:"sources,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Capability is a single domain-expert function.
type Capability interface {
	Invoke(ctx context.Context, prompt string, wctx Context) (Output, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, prompt string, wctx Context) (Output, error)

// Invoke calls f.
func (f CapabilityFunc) Invoke(ctx context.Context, prompt string, wctx Context) (Output, error) {
	return f(ctx, prompt, wctx)
}

// Registration binds a named worker to a role, prompt, timeout and capability.
type Registration struct {
	Name       string
	Role       models.WorkerRole
	Prompt     string
	Timeout    time.Duration
	Capability Capability
}

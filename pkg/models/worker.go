package models

import (
	"sort"
	"time"
)

// WorkerRole determines how a worker's output is treated during arbitration.
type WorkerRole string

const (
	// RoleSafety workers emit binding constraints.
	RoleSafety WorkerRole = "safety"
	// RoleBusiness workers emit proposals that are subordinate to safety constraints.
	RoleBusiness WorkerRole = "business"
)

// Valid returns true if the role is a known value.
func (r WorkerRole) Valid() bool {
	return r == RoleSafety || r == RoleBusiness
}

// ResponseStatus is the outcome of a single worker invocation.
type ResponseStatus string

const (
	// ResponseSuccess indicates the worker returned usable output.
	ResponseSuccess ResponseStatus = "success"
	// ResponseTimeout indicates the worker exceeded its deadline.
	ResponseTimeout ResponseStatus = "timeout"
	// ResponseError indicates the worker faulted or reported an error.
	ResponseError ResponseStatus = "error"
)

// Valid returns true if the status is a known value.
func (s ResponseStatus) Valid() bool {
	switch s {
	case ResponseSuccess, ResponseTimeout, ResponseError:
		return true
	default:
		return false
	}
}

// Round identifies which phase of the two-round protocol produced a collation.
type Round string

const (
	// RoundInitial is the independent first pass.
	RoundInitial Round = "initial"
	// RoundRevision is the second pass, fed the initial collation.
	RoundRevision Round = "revision"
)

// Valid returns true if the round is a known value.
func (r Round) Valid() bool {
	return r == RoundInitial || r == RoundRevision
}

// WorkerResponse is the normalized output of one worker in one round.
type WorkerResponse struct {
	// Worker is the registered worker name.
	Worker string `json:"worker"`
	// Role is the worker's arbitration role.
	Role WorkerRole `json:"role"`
	// Status is the invocation outcome.
	Status ResponseStatus `json:"status"`
	// Payload is the worker's structured output; empty when not successful.
	Payload map[string]any `json:"payload"`
	// Constraints are binding statements, meaningful only for safety workers.
	Constraints []string `json:"constraints"`
	// Confidence is the worker's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`
	// Sources lists the references the worker relied on.
	Sources []string `json:"sources"`
	// Duration is the wall time of the invocation.
	Duration time.Duration `json:"duration"`
	// Error holds the fault or timeout message.
	Error string `json:"error,omitempty"`
}

// Succeeded reports whether the response carries usable output.
func (r WorkerResponse) Succeeded() bool {
	return r.Status == ResponseSuccess
}

// Collation is the full set of responses for one round.
type Collation struct {
	// Round is the phase that produced these responses.
	Round Round `json:"round"`
	// Responses holds exactly one entry per registered worker.
	Responses map[string]WorkerResponse `json:"responses"`
	// Duration is the wall time of the whole round.
	Duration time.Duration `json:"duration"`
	// CreatedAt is when the round finished.
	CreatedAt time.Time `json:"created_at"`
}

// SuccessfulOnly returns the successful responses sorted by worker name.
func (c *Collation) SuccessfulOnly() []WorkerResponse {
	return c.filter(func(r WorkerResponse) bool { return r.Succeeded() })
}

// FailedOnly returns the timed-out or errored responses sorted by worker name.
func (c *Collation) FailedOnly() []WorkerResponse {
	return c.filter(func(r WorkerResponse) bool { return !r.Succeeded() })
}

// ByRole returns all responses for the given role sorted by worker name.
func (c *Collation) ByRole(role WorkerRole) []WorkerResponse {
	return c.filter(func(r WorkerResponse) bool { return r.Role == role })
}

// Completeness is the fraction of workers that succeeded. An empty collation is 0.
func (c *Collation) Completeness() float64 {
	if c == nil || len(c.Responses) == 0 {
		return 0
	}
	return float64(len(c.SuccessfulOnly())) / float64(len(c.Responses))
}

func (c *Collation) filter(keep func(WorkerResponse) bool) []WorkerResponse {
	if c == nil {
		return nil
	}
	out := make([]WorkerResponse, 0, len(c.Responses))
	for _, r := range c.Responses {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

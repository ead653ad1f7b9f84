package models

import (
	"encoding/json"
	"time"
)

// ThreadStatus represents the lifecycle state of an orchestration thread.
type ThreadStatus string

const (
	// ThreadStatusActive indicates the thread is running rounds or arbitration.
	ThreadStatusActive ThreadStatus = "active"
	// ThreadStatusAwaitingApproval indicates the thread is suspended on a human decision.
	ThreadStatusAwaitingApproval ThreadStatus = "awaiting_approval"
	// ThreadStatusCompleted indicates the thread produced an accepted decision.
	ThreadStatusCompleted ThreadStatus = "completed"
	// ThreadStatusFailed indicates the thread stopped on an unrecoverable error.
	ThreadStatusFailed ThreadStatus = "failed"
	// ThreadStatusRejected indicates a human rejected the decision.
	ThreadStatusRejected ThreadStatus = "rejected"
)

// AllThreadStatuses lists every known status in display order.
var AllThreadStatuses = []ThreadStatus{
	ThreadStatusActive,
	ThreadStatusAwaitingApproval,
	ThreadStatusCompleted,
	ThreadStatusFailed,
	ThreadStatusRejected,
}

// Valid returns true if the status is a known value.
func (s ThreadStatus) Valid() bool {
	switch s {
	case ThreadStatusActive, ThreadStatusAwaitingApproval, ThreadStatusCompleted,
		ThreadStatusFailed, ThreadStatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s ThreadStatus) Terminal() bool {
	switch s {
	case ThreadStatusCompleted, ThreadStatusFailed, ThreadStatusRejected:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
func (s ThreadStatus) CanTransitionTo(next ThreadStatus) bool {
	if !next.Valid() || s.Terminal() || s == next {
		return false
	}
	switch s {
	case ThreadStatusActive:
		return true
	case ThreadStatusAwaitingApproval:
		return next.Terminal()
	default:
		return false
	}
}

// Thread is one end-to-end orchestration run for a single disruption.
type Thread struct {
	// ID is the unique identifier for this thread.
	ID string `json:"id"`
	// Status is the current lifecycle state.
	Status ThreadStatus `json:"status"`
	// CreatedAt is when the thread was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the thread last changed.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is set once the thread reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Context is the initial disruption description.
	Context json.RawMessage `json:"context,omitempty"`
	// Result is the final outcome, set on completion or rejection.
	Result json.RawMessage `json:"result,omitempty"`
	// FailureReason explains why the thread failed or was rejected.
	FailureReason string `json:"failure_reason,omitempty"`
	// LastCheckpointID is the most recent checkpoint written for this thread.
	LastCheckpointID string `json:"last_checkpoint_id,omitempty"`
	// Version is the optimistic concurrency counter, bumped on every update.
	Version int64 `json:"version"`
}

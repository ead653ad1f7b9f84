package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventThreadCreated indicates a new thread was created.
	EventThreadCreated EventType = "thread_created"
	// EventRoundStarted indicates a worker round has started.
	EventRoundStarted EventType = "round_started"
	// EventRoundCompleted indicates every worker in a round has answered or timed out.
	EventRoundCompleted EventType = "round_completed"
	// EventCheckpointWritten indicates a phase checkpoint was written.
	EventCheckpointWritten EventType = "checkpoint_written"
	// EventDurabilityLost indicates a checkpoint only exists in process memory.
	EventDurabilityLost EventType = "durability_lost"
	// EventDecisionMade indicates arbitration produced a decision.
	EventDecisionMade EventType = "decision_made"
	// EventApprovalPending indicates the thread is waiting for a human.
	EventApprovalPending EventType = "approval_pending"
	// EventThreadCompleted indicates the thread finished with a decision.
	EventThreadCompleted EventType = "thread_completed"
	// EventThreadFailed indicates the thread failed.
	EventThreadFailed EventType = "thread_failed"
	// EventThreadRejected indicates a human rejected the decision.
	EventThreadRejected EventType = "thread_rejected"
)

// Event represents an event emitted by the orchestrator. Events are
// streamed to websocket clients and published over MQTT.
type Event struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// ThreadID is the thread the event belongs to.
	ThreadID string `json:"thread_id"`
	// Round is set for round events.
	Round string `json:"round,omitempty"`
	// CheckpointID is set for checkpoint events.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Error contains error details for failure events.
	Error string `json:"error,omitempty"`
	// Data carries event-specific fields such as confidence or counts.
	Data map[string]any `json:"data,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

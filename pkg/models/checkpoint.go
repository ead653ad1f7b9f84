package models

import (
	"encoding/json"
	"time"
)

// Phase names the orchestration stage a checkpoint captures.
type Phase string

const (
	PhaseCreated         Phase = "created"
	PhaseRoundInitial    Phase = "round_initial"
	PhaseRoundRevision   Phase = "round_revision"
	PhaseArbitration     Phase = "arbitration"
	PhaseApprovalPending Phase = "approval_pending"
	PhaseApprovalRecord  Phase = "approval_record"
	PhaseThreadStatus    Phase = "thread_status"
)

// Well-known checkpoint IDs. Status checkpoints use StatusCheckpointID.
const (
	CheckpointCreated         = "created"
	CheckpointRoundInitial    = "round-initial"
	CheckpointRoundRevision   = "round-revision"
	CheckpointArbitration     = "arbitration"
	CheckpointApprovalPending = "approval-pending"
	CheckpointApprovalRecord  = "approval-record"
)

// StatusCheckpointID returns the checkpoint ID recorded for a status transition.
func StatusCheckpointID(s ThreadStatus) string {
	return "status-" + string(s)
}

// TagDurabilityLost marks a checkpoint that only exists in process memory.
const TagDurabilityLost = "durability_lost"

// CheckpointMetadata is descriptive data stored alongside a checkpoint.
type CheckpointMetadata struct {
	// Phase is the orchestration stage.
	Phase Phase `json:"phase"`
	// Status is the thread status at the time of the write.
	Status ThreadStatus `json:"status,omitempty"`
	// Tags carries free-form flags such as durability_lost.
	Tags map[string]string `json:"tags,omitempty"`
}

// HasTag reports whether the tag is set to "true".
func (m CheckpointMetadata) HasTag(name string) bool {
	return m.Tags[name] == "true"
}

// Checkpoint is an immutable, append-only snapshot of thread state.
type Checkpoint struct {
	ThreadID     string             `json:"thread_id"`
	CheckpointID string             `json:"checkpoint_id"`
	// Step is the per-thread logical sequence; recovery orders by it.
	Step     int64              `json:"step"`
	Metadata CheckpointMetadata `json:"metadata"`
	// State is the inline payload. Empty when BlobRef is set.
	State json.RawMessage `json:"state,omitempty"`
	// BlobRef points to the payload in bulk storage.
	BlobRef   string    `json:"blob_ref,omitempty"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the checkpoint is past its TTL at now.
func (c *Checkpoint) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

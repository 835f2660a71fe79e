package execution

import (
	"encoding/json"
	"time"
)

// Event is one entry in a step instance's history. Every status transition
// and every error is appended here before being surfaced, so a run can be
// inspected after the fact without external logs.
type Event struct {
	Type    string          `json:"type"`
	Detail  string          `json:"detail,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Phase   int             `json:"phase"`
	At      time.Time       `json:"at"`
}

// Event types recorded in step history.
const (
	EventStatusChanged     = "status_changed"
	EventCheckpointSaved   = "checkpoint_saved"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventRedlineRecorded   = "redline_recorded"
	EventStepError         = "error"
	EventRetryScheduled    = "retry_scheduled"
)

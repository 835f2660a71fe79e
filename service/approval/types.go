package approval

import (
	"encoding/json"
	"time"

	"github.com/playbookops/conductor/model/graph"
	"github.com/playbookops/conductor/runtime/execution"
)

// Event is the fan-out envelope published on the approval queue.
type Event struct {
	Topic   string            // see topic constants below
	Data    interface{}       // *Request | *Decision
	Headers map[string]string `json:"headers,omitempty"` // optional – tenant, correlation-id etc.
}

// Standard event topics.
const (
	TopicRequestCreated  = "request.created"
	TopicRequestExpired  = "request.expired"
	TopicDecisionCreated = "decision.created"
)

// Request asks a human to gate one suspended step. It is ephemeral: once
// decided (or expired) it is destroyed and only the resolution survives on
// the step record.
type Request struct {
	ID        string             `json:"id"` // globally unique, primary key
	RunID     string             `json:"runId"`
	StepID    string             `json:"stepId"`
	Mode      graph.ApprovalMode `json:"mode"`
	Payload   json.RawMessage    `json:"payload,omitempty"` // draft output under review
	CreatedAt time.Time          `json:"createdAt"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"` // grace-window deadline, exception_only
	Meta      map[string]string  `json:"meta,omitempty"`
}

// Decision records the human resolution of a request.
type Decision struct {
	ID            string                    `json:"id"` // same as request.ID
	Outcome       execution.ApprovalOutcome `json:"outcome"`
	EditedPayload json.RawMessage           `json:"editedPayload,omitempty"`
	Reason        string                    `json:"reason,omitempty"`
	DecidedAt     time.Time                 `json:"decidedAt"`
}

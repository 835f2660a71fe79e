package approval

import (
	"context"
	"encoding/json"

	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/messaging"
)

// DecideOption customises a decision.
type DecideOption func(*Decision)

// WithReason attaches a human readable justification to the decision.
func WithReason(reason string) DecideOption {
	return func(d *Decision) { d.Reason = reason }
}

// WithEditedPayload attaches the reviewer's edited payload; the outcome
// must be ApprovalEdited and the request mode review_and_edit.
func WithEditedPayload(payload json.RawMessage) DecideOption {
	return func(d *Decision) { d.EditedPayload = payload }
}

// Service defines the approval gate interface.
type Service interface {
	// RequestApproval registers a pending request and parks its step.
	RequestApproval(ctx context.Context, r *Request) error

	// ListPending returns requests that have not been decided yet.
	ListPending(ctx context.Context) ([]*Request, error)

	// Decide resolves a pending request, applies the resolution to the
	// owning step and destroys the request.
	Decide(ctx context.Context, id string, outcome execution.ApprovalOutcome, opts ...DecideOption) (*Decision, error)

	// Queue exposes the event fan-out for observers.
	Queue() messaging.Queue[Event]
}

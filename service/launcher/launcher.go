// Package launcher defines the boundary between the orchestrator and
// whatever actually executes a step. The orchestrator never interprets step
// semantics; it hands a Job across this boundary and persists the Signal
// that comes back.
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
)

// Job is a single phase of a step handed to an executor. Phase 0 starts
// fresh; later phases carry the checkpoint taken when the step last
// suspended, plus any input supplied on resume.
type Job struct {
	RunID       string                 `json:"runId"`
	StepID      string                 `json:"stepId"`
	Phase       int                    `json:"phase"`
	Instruction string                 `json:"instruction,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Checkpoint  json.RawMessage        `json:"checkpoint,omitempty"`
	ResumeInput map[string]interface{} `json:"resumeInput,omitempty"`
}

// SignalKind classifies how a launched phase ended.
type SignalKind string

const (
	// SignalSucceeded marks the step complete with its output.
	SignalSucceeded SignalKind = "succeeded"
	// SignalFailed marks the step failed; the failure is the executor's
	// verdict and is never retried by the orchestrator.
	SignalFailed SignalKind = "failed"
	// SignalCheckpointed suspends the step with durable checkpoint data.
	SignalCheckpointed SignalKind = "checkpointed"
	// SignalAwaitingInput suspends the step pending human-supplied input.
	SignalAwaitingInput SignalKind = "awaiting_input"
	// SignalAwaitingApproval suspends the step pending an approval decision.
	SignalAwaitingApproval SignalKind = "awaiting_approval"
)

// Signal is the executor's report on a completed phase. Checkpoint is set
// for every suspension kind so the phase can be replayed after restart.
type Signal struct {
	Kind       SignalKind             `json:"kind"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
	Checkpoint json.RawMessage        `json:"checkpoint,omitempty"`
	Prompt     string                 `json:"prompt,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Launcher hands one job phase to an executor and blocks until it reports a
// signal. Implementations must honour ctx cancellation.
type Launcher interface {
	Launch(ctx context.Context, job *Job) (*Signal, error)
}

// DispatchError marks a transient failure to hand the job over at all, as
// opposed to the executor running it and reporting failure. Callers detect
// it with errors.As and may retry.
type DispatchError struct {
	Reason string
	Err    error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dispatch failed: %s", e.Reason)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

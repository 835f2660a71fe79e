package execution

// RunStatus represents the lifecycle state of a playbook run.
type RunStatus string

const (
	RunStatePending   RunStatus = "pending"
	RunStateRunning   RunStatus = "running"
	RunStateSucceeded RunStatus = "succeeded"
	RunStateFailed    RunStatus = "failed"
	RunStateCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run accepts no further state transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a single step instance.
type StepStatus string

const (
	StepStateBlocked          StepStatus = "blocked"
	StepStateReady            StepStatus = "ready"
	StepStateDispatched       StepStatus = "dispatched"
	StepStateAwaitingInput    StepStatus = "awaiting_input"
	StepStateAwaitingApproval StepStatus = "awaiting_approval"
	StepStateCheckpointed     StepStatus = "checkpointed"
	StepStateSucceeded        StepStatus = "succeeded"
	StepStateFailed           StepStatus = "failed"
	StepStateTimedOut         StepStatus = "timed_out"
	StepStateCancelled        StepStatus = "cancelled"
)

// Terminal reports whether the step reached a final state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStateSucceeded, StepStateFailed, StepStateTimedOut, StepStateCancelled:
		return true
	}
	return false
}

// Suspended reports whether the step is parked waiting on an external event
// (resume input or an approval decision). A suspended step holds no
// orchestrator resources; its state lives entirely in the store.
func (s StepStatus) Suspended() bool {
	switch s {
	case StepStateCheckpointed, StepStateAwaitingInput, StepStateAwaitingApproval:
		return true
	}
	return false
}

// InFlight reports whether a lifecycle controller currently owns the step.
func (s StepStatus) InFlight() bool {
	return s == StepStateDispatched
}

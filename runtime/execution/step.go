package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playbookops/conductor/internal/clock"
)

var (
	// ErrStateConflict signals a lost claim race: another evaluation pass
	// already owns the transition. The loser backs off and re-evaluates on
	// the next tick; it is never treated as a run failure.
	ErrStateConflict = errors.New("step claim conflict")

	// ErrInvalidTransition signals an attempt to move a step to a state its
	// current status does not permit.
	ErrInvalidTransition = errors.New("invalid step transition")
)

// ApprovalOutcome is the shape of a resolved human decision kept on the step.
type ApprovalOutcome string

const (
	ApprovalNone     ApprovalOutcome = "none"
	ApprovalApproved ApprovalOutcome = "approved"
	ApprovalRejected ApprovalOutcome = "rejected"
	ApprovalEdited   ApprovalOutcome = "edited"
)

// ApprovalRecord is the resolution of an approval request, appended to the
// owning step once the ephemeral request is destroyed.
type ApprovalRecord struct {
	RequestID string          `json:"requestId"`
	Outcome   ApprovalOutcome `json:"outcome"`
	Reason    string          `json:"reason,omitempty"`
	Edited    json.RawMessage `json:"edited,omitempty"`
	DecidedAt time.Time       `json:"decidedAt"`
}

// StepInstance is the per-run execution record of one graph node. It is
// mutated only by the scheduler (graph-readiness transitions) and the
// lifecycle controller that claimed it (executor-signal transitions); the
// conditional Claim transition guarantees the two never overlap.
type StepInstance struct {
	ID             string          `json:"id"` // runID/stepID
	RunID          string          `json:"runId"`
	StepID         string          `json:"stepId"`
	Phase          int             `json:"phase"`
	Status         StepStatus      `json:"status"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	CheckpointData json.RawMessage `json:"checkpointData,omitempty"`
	ResumeInput    json.RawMessage `json:"resumeInput,omitempty"`
	Approval       *ApprovalRecord `json:"approval,omitempty"`
	Attempts       int             `json:"attempts"`
	Error          string          `json:"error,omitempty"`
	ScheduledAt    time.Time       `json:"scheduledAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
	History        []Event         `json:"history,omitempty"`

	mux sync.Mutex `json:"-"`
}

// StepKey builds the composite store key for a step instance.
func StepKey(runID, stepID string) string {
	return runID + "/" + stepID
}

// NewStepInstance creates a blocked instance for one graph node.
func NewStepInstance(runID, stepID string) *StepInstance {
	s := &StepInstance{
		ID:          StepKey(runID, stepID),
		RunID:       runID,
		StepID:      stepID,
		Status:      StepStateBlocked,
		Attempts:    1,
		ScheduledAt: clock.Now(),
	}
	s.appendEvent(EventStatusChanged, string(StepStateBlocked), nil)
	return s
}

func (s *StepInstance) appendEvent(eventType, detail string, payload json.RawMessage) {
	s.History = append(s.History, Event{
		Type:    eventType,
		Detail:  detail,
		Payload: payload,
		Phase:   s.Phase,
		At:      clock.Now(),
	})
}

// AppendHistory records an external event against the step.
func (s *StepInstance) AppendHistory(eventType, detail string, payload json.RawMessage) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.appendEvent(eventType, detail, payload)
}

func (s *StepInstance) setStatus(status StepStatus) {
	s.Status = status
	s.appendEvent(EventStatusChanged, string(status), nil)
}

// MarkReady moves a blocked step whose dependencies are all satisfied into
// the ready set.
func (s *StepInstance) MarkReady() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status != StepStateBlocked {
		return fmt.Errorf("%w: %s -> ready", ErrInvalidTransition, s.Status)
	}
	s.setStatus(StepStateReady)
	return nil
}

// Claim atomically transitions ready -> dispatched. Exactly one caller wins;
// every other concurrent claim observes ErrStateConflict.
func (s *StepInstance) Claim() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status != StepStateReady {
		return fmt.Errorf("%w: step %s is %s", ErrStateConflict, s.ID, s.Status)
	}
	now := clock.Now()
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	s.setStatus(StepStateDispatched)
	return nil
}

// Checkpoint records an intentional mid-step suspension with opaque resume
// state. Only the owning controller may call it.
func (s *StepInstance) Checkpoint(data json.RawMessage) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status != StepStateDispatched {
		return fmt.Errorf("%w: %s -> checkpointed", ErrInvalidTransition, s.Status)
	}
	s.CheckpointData = data
	s.appendEvent(EventCheckpointSaved, "", data)
	s.setStatus(StepStateCheckpointed)
	return nil
}

// AwaitInput parks the step until an external answer arrives. The optional
// checkpoint accompanies interactive suspensions so the executor can pick up
// exactly where it left off.
func (s *StepInstance) AwaitInput(checkpoint json.RawMessage) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status != StepStateDispatched {
		return fmt.Errorf("%w: %s -> awaiting_input", ErrInvalidTransition, s.Status)
	}
	if len(checkpoint) > 0 {
		s.CheckpointData = checkpoint
		s.appendEvent(EventCheckpointSaved, "", checkpoint)
	}
	s.setStatus(StepStateAwaitingInput)
	return nil
}

// AwaitApproval parks the step until a human decision resolves it.
func (s *StepInstance) AwaitApproval(requestID string, payload json.RawMessage) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status != StepStateDispatched {
		return fmt.Errorf("%w: %s -> awaiting_approval", ErrInvalidTransition, s.Status)
	}
	s.appendEvent(EventApprovalRequested, requestID, payload)
	s.setStatus(StepStateAwaitingApproval)
	return nil
}

// Resume re-enters the ready set after an external unblocking event, bumping
// the phase counter. Valid from any suspended state.
func (s *StepInstance) Resume(input json.RawMessage) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.Status.Suspended() {
		return fmt.Errorf("%w: %s -> ready (resume)", ErrInvalidTransition, s.Status)
	}
	s.Phase++
	s.ResumeInput = input
	s.setStatus(StepStateReady)
	return nil
}

// ResolveApproval applies a human decision. Approved (optionally with an
// edited payload) resumes the step at the next phase; rejected fails it.
func (s *StepInstance) ResolveApproval(record *ApprovalRecord) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status != StepStateAwaitingApproval {
		return fmt.Errorf("%w: %s -> resolved approval", ErrInvalidTransition, s.Status)
	}
	s.Approval = record
	s.appendEvent(EventApprovalResolved, string(record.Outcome), record.Edited)
	if record.Outcome == ApprovalRejected {
		detail := record.Reason
		if detail == "" {
			detail = "rejected by approver"
		}
		s.failLocked(detail)
		return nil
	}
	if record.Outcome == ApprovalEdited {
		s.ResumeInput = record.Edited
	}
	s.Phase++
	s.setStatus(StepStateReady)
	return nil
}

// Succeed records the executor's terminal success.
func (s *StepInstance) Succeed(output json.RawMessage) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status != StepStateDispatched {
		return fmt.Errorf("%w: %s -> succeeded", ErrInvalidTransition, s.Status)
	}
	now := clock.Now()
	s.EndedAt = &now
	s.Output = output
	s.CheckpointData = nil
	s.ResumeInput = nil
	s.setStatus(StepStateSucceeded)
	return nil
}

func (s *StepInstance) failLocked(detail string) {
	now := clock.Now()
	s.EndedAt = &now
	s.Error = detail
	s.appendEvent(EventStepError, detail, nil)
	s.setStatus(StepStateFailed)
}

// Fail records an executor-reported failure; it is not auto-retried.
func (s *StepInstance) Fail(detail string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, s.Status)
	}
	s.failLocked(detail)
	return nil
}

// TimeOut marks the step timed out; dependents treat it as terminal-failed.
func (s *StepInstance) TimeOut(budget time.Duration) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status != StepStateDispatched {
		return fmt.Errorf("%w: %s -> timed_out", ErrInvalidTransition, s.Status)
	}
	now := clock.Now()
	s.EndedAt = &now
	s.Error = fmt.Sprintf("no executor signal within %s", budget)
	s.appendEvent(EventStepError, s.Error, nil)
	s.setStatus(StepStateTimedOut)
	return nil
}

// Cancel moves any non-terminal step to cancelled (best-effort for work
// already running out-of-band).
func (s *StepInstance) Cancel() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Status.Terminal() {
		return nil
	}
	now := clock.Now()
	s.EndedAt = &now
	s.setStatus(StepStateCancelled)
	return nil
}

// NewAttempt resets a terminal step for an operator-requested retry: a fresh
// attempt starting from scratch at phase zero.
func (s *StepInstance) NewAttempt() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.Status.Terminal() {
		return fmt.Errorf("%w: %s -> retry", ErrInvalidTransition, s.Status)
	}
	s.Attempts++
	s.Phase = 0
	s.Error = ""
	s.Output = nil
	s.CheckpointData = nil
	s.ResumeInput = nil
	s.StartedAt = nil
	s.EndedAt = nil
	s.appendEvent(EventRetryScheduled, fmt.Sprintf("attempt %d", s.Attempts), nil)
	s.setStatus(StepStateBlocked)
	return nil
}

// GetStatus returns the current status under the instance lock.
func (s *StepInstance) GetStatus() StepStatus {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.Status
}

// Clone creates a deep copy so callers can mutate it without affecting the
// stored instance. The mutex is re-initialised, not copied.
func (s *StepInstance) Clone() *StepInstance {
	if s == nil {
		return nil
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	clone := &StepInstance{
		ID:          s.ID,
		RunID:       s.RunID,
		StepID:      s.StepID,
		Phase:       s.Phase,
		Status:      s.Status,
		Attempts:    s.Attempts,
		Error:       s.Error,
		ScheduledAt: s.ScheduledAt,
	}
	clone.Input = append(json.RawMessage(nil), s.Input...)
	clone.Output = append(json.RawMessage(nil), s.Output...)
	clone.CheckpointData = append(json.RawMessage(nil), s.CheckpointData...)
	clone.ResumeInput = append(json.RawMessage(nil), s.ResumeInput...)
	if s.Approval != nil {
		record := *s.Approval
		clone.Approval = &record
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		clone.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		clone.EndedAt = &t
	}
	if len(s.History) > 0 {
		clone.History = append([]Event(nil), s.History...)
	}
	return clone
}

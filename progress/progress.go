// Package progress aggregates the step records of one run into execution
// counters (total, succeeded, failed, …) suitable for status displays and
// observers. It only reads the records, so a snapshot can be taken at any
// point of a run's life, including after a restart.
package progress

import (
	"time"

	"github.com/playbookops/conductor/runtime/execution"
)

// Progress keeps aggregated step counters for one run.
type Progress struct {
	RunID    string
	Playbook string
	Status   execution.RunStatus

	TotalSteps     int
	SucceededSteps int
	FailedSteps    int
	CancelledSteps int
	RunningSteps   int
	SuspendedSteps int
	PendingSteps   int

	StartedAt  time.Time
	FinishedAt *time.Time
}

// Compute builds a snapshot from the run record and its step instances.
func Compute(run *execution.Run, steps []*execution.StepInstance) Progress {
	p := Progress{
		TotalSteps: len(steps),
	}
	if run != nil {
		p.RunID = run.ID
		p.Playbook = run.PlaybookName
		p.Status = run.GetStatus()
		p.StartedAt = run.CreatedAt
		p.FinishedAt = run.FinishedAt
	}
	for _, step := range steps {
		switch status := step.GetStatus(); {
		case status == execution.StepStateSucceeded:
			p.SucceededSteps++
		case status == execution.StepStateFailed || status == execution.StepStateTimedOut:
			p.FailedSteps++
		case status == execution.StepStateCancelled:
			p.CancelledSteps++
		case status.InFlight():
			p.RunningSteps++
		case status.Suspended():
			p.SuspendedSteps++
		default:
			p.PendingSteps++
		}
	}
	return p
}

// Done reports how many steps reached a terminal state.
func (p Progress) Done() int {
	return p.SucceededSteps + p.FailedSteps + p.CancelledSteps
}

// Percent returns completion as 0-100; an empty run reads as 0.
func (p Progress) Percent() int {
	if p.TotalSteps == 0 {
		return 0
	}
	return p.Done() * 100 / p.TotalSteps
}

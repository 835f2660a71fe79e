package memory

import (
	"time"

	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/dao"
)

type Option func(*service)

// WithStepDAO lets the approval service apply resolutions to the owning step
// instance. Without it the service acts as a standalone decision log.
func WithStepDAO(stepDao dao.Service[string, execution.StepInstance]) Option {
	return func(s *service) { s.stepDao = stepDao }
}

// WithKicker registers a callback invoked with the run id after each
// resolution, so the scheduler re-evaluates the run immediately instead of
// waiting for its next tick.
func WithKicker(kick func(runID string)) Option {
	return func(s *service) { s.kick = kick }
}

// WithGraceWindow sets the window an exception_only request stays open
// before it auto-resolves approved.
func WithGraceWindow(window time.Duration) Option {
	return func(s *service) { s.graceWindow = window }
}

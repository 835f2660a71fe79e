package controller

import (
	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/approval"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/launcher"
	"github.com/playbookops/conductor/service/messaging"
)

type Option func(*Service)

// WithRunDAO sets the run store implementation
func WithRunDAO(runDAO dao.Service[string, execution.Run]) Option {
	return func(s *Service) {
		s.runDAO = runDAO
	}
}

// WithStepDAO sets the step instance store implementation
func WithStepDAO(stepDAO dao.Service[string, execution.StepInstance]) Option {
	return func(s *Service) {
		s.stepDAO = stepDAO
	}
}

// WithQueue sets the dispatch queue the workers consume
func WithQueue(queue messaging.Queue[execution.Dispatch]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithLauncher sets the executor boundary implementation
func WithLauncher(launch launcher.Launcher) Option {
	return func(s *Service) {
		s.launcher = launch
	}
}

// WithApprovalService routes awaiting_approval signals to the approval gate
func WithApprovalService(gate approval.Service) Option {
	return func(s *Service) {
		s.approvals = gate
	}
}

// WithKicker registers the scheduler callback invoked after every persisted
// signal so the run is re-evaluated without waiting for the next tick.
func WithKicker(kick func(runID string)) Option {
	return func(s *Service) {
		s.kick = kick
	}
}

// WithWorkers sets the number of worker goroutines
func WithWorkers(count int) Option {
	return func(s *Service) {
		s.config.WorkerCount = count
	}
}

// WithConfig sets the configuration for the service
func WithConfig(config Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

package scheduler

import (
	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/dao"
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

// WithQueue sets the dispatch queue claimed steps are published to
func WithQueue(queue messaging.Queue[execution.Dispatch]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithComparator replaces the default Order-ascending dispatch comparator
func WithComparator(less Comparator) Option {
	return func(s *Service) {
		s.less = less
	}
}

// WithLaunchCanceller registers the hook used to terminate in-flight
// launches when a run is cancelled.
func WithLaunchCanceller(cancel func(runID string)) Option {
	return func(s *Service) {
		s.cancelLaunches = cancel
	}
}

// WithConfig sets the configuration for the service
func WithConfig(config Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

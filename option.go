package conductor

import (
	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/approval"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/launcher"
	"github.com/playbookops/conductor/service/launcher/inproc"
	"github.com/playbookops/conductor/service/messaging"
	"github.com/playbookops/conductor/service/scheduler"
)

// Option configures the conductor service.
type Option func(*Service)

// WithConfig replaces the whole configuration. Nil is ignored.
func WithConfig(config *Config) Option {
	return func(s *Service) {
		if config != nil {
			s.config = config
		}
	}
}

// WithRunDAO overrides the run record store built from the configuration.
func WithRunDAO(runDAO dao.Service[string, execution.Run]) Option {
	return func(s *Service) {
		s.runDAO = runDAO
	}
}

// WithStepDAO overrides the step record store built from the configuration.
func WithStepDAO(stepDAO dao.Service[string, execution.StepInstance]) Option {
	return func(s *Service) {
		s.stepDAO = stepDAO
	}
}

// WithQueue overrides the dispatch queue built from the configuration.
func WithQueue(queue messaging.Queue[execution.Dispatch]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithLauncher replaces the default in-process launcher.
func WithLauncher(launch launcher.Launcher) Option {
	return func(s *Service) {
		s.launcher = launch
	}
}

// WithHandler registers a step handler on the default in-process launcher.
// Ignored when WithLauncher supplies a custom launcher.
func WithHandler(stepID string, handler inproc.Handler) Option {
	return func(s *Service) {
		s.handlers[stepID] = handler
	}
}

// WithApprovalService replaces the default in-memory approval gate.
func WithApprovalService(gate approval.Service) Option {
	return func(s *Service) {
		s.approvals = gate
	}
}

// WithComparator overrides the dispatch ordering of simultaneously-ready
// steps.
func WithComparator(less scheduler.Comparator) Option {
	return func(s *Service) {
		s.comparator = less
	}
}

// WithPlaybookBaseURL sets the base location playbook references resolve
// against.
func WithPlaybookBaseURL(baseURL string) Option {
	return func(s *Service) {
		s.config.Playbooks.BaseURL = baseURL
	}
}

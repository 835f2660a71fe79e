package conductor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/viant/afs"

	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/approval"
	apprmem "github.com/playbookops/conductor/service/approval/memory"
	"github.com/playbookops/conductor/service/controller"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/dao/playbook"
	runfs "github.com/playbookops/conductor/service/dao/run/fs"
	runmem "github.com/playbookops/conductor/service/dao/run/memory"
	"github.com/playbookops/conductor/service/dao/sqlite"
	stepfs "github.com/playbookops/conductor/service/dao/step/fs"
	stepmem "github.com/playbookops/conductor/service/dao/step/memory"
	"github.com/playbookops/conductor/service/launcher"
	"github.com/playbookops/conductor/service/launcher/inproc"
	"github.com/playbookops/conductor/service/messaging"
	qfs "github.com/playbookops/conductor/service/messaging/fs"
	qmem "github.com/playbookops/conductor/service/messaging/memory"
	"github.com/playbookops/conductor/service/scheduler"
)

// Service is the orchestrator façade. It wires the record stores, dispatch
// queue, controller, scheduler and approval gate together according to the
// configuration, and exposes the Runtime for starting and steering runs.
type Service struct {
	config     *Config
	runDAO     dao.Service[string, execution.Run]
	stepDAO    dao.Service[string, execution.StepInstance]
	queue      messaging.Queue[execution.Dispatch]
	launcher   launcher.Launcher
	approvals  approval.Service
	comparator scheduler.Comparator
	handlers   map[string]inproc.Handler

	playbooks  *playbook.Service
	controller *controller.Service
	scheduler  *scheduler.Service
	runtime    *Runtime
	store      *sqlite.Store
}

// New creates a conductor service. Without options everything runs
// in-memory with an in-process launcher.
func New(options ...Option) (*Service, error) {
	s := &Service{
		config:   DefaultConfig(),
		handlers: make(map[string]inproc.Handler),
	}
	for _, option := range options {
		option(s)
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) init() error {
	if err := s.ensureBaseSetup(); err != nil {
		return err
	}

	// The scheduler is built after the controller, so kicks go through a
	// closure rather than a direct reference.
	kick := func(runID string) {
		if s.scheduler != nil {
			s.scheduler.Kick(runID)
		}
	}

	if s.approvals == nil {
		approvalOptions := []apprmem.Option{
			apprmem.WithStepDAO(s.stepDAO),
			apprmem.WithKicker(kick),
		}
		if s.config.Approval.GraceWindow > 0 {
			approvalOptions = append(approvalOptions, apprmem.WithGraceWindow(s.config.Approval.GraceWindow))
		}
		s.approvals = apprmem.New(approvalOptions...)
	}

	controllerConfig := controller.DefaultConfig()
	if s.config.Controller.WorkerCount > 0 {
		controllerConfig.WorkerCount = s.config.Controller.WorkerCount
	}
	if s.config.Controller.DefaultTimeout > 0 {
		controllerConfig.DefaultTimeout = s.config.Controller.DefaultTimeout
	}
	if s.config.Controller.DispatchRetryDelay > 0 {
		controllerConfig.DispatchRetryDelay = s.config.Controller.DispatchRetryDelay
	}
	var err error
	s.controller, err = controller.New(
		controller.WithRunDAO(s.runDAO),
		controller.WithStepDAO(s.stepDAO),
		controller.WithQueue(s.queue),
		controller.WithLauncher(s.launcher),
		controller.WithApprovalService(s.approvals),
		controller.WithKicker(kick),
		controller.WithConfig(controllerConfig))
	if err != nil {
		return err
	}

	schedulerConfig := scheduler.DefaultConfig()
	if s.config.Scheduler.PollingInterval > 0 {
		schedulerConfig.PollingInterval = s.config.Scheduler.PollingInterval
	}
	schedulerConfig.MaxConcurrentSteps = s.config.Scheduler.MaxConcurrentSteps
	schedulerOptions := []scheduler.Option{
		scheduler.WithRunDAO(s.runDAO),
		scheduler.WithStepDAO(s.stepDAO),
		scheduler.WithQueue(s.queue),
		scheduler.WithLaunchCanceller(s.controller.CancelRun),
		scheduler.WithConfig(schedulerConfig),
	}
	if s.comparator != nil {
		schedulerOptions = append(schedulerOptions, scheduler.WithComparator(s.comparator))
	}
	s.scheduler, err = scheduler.New(schedulerOptions...)
	if err != nil {
		return err
	}

	playbookOptions := []playbook.Option{}
	if s.config.Playbooks.BaseURL != "" {
		playbookOptions = append(playbookOptions, playbook.WithBaseURL(s.config.Playbooks.BaseURL))
	}
	s.playbooks = playbook.New(playbookOptions...)

	s.runtime = &Runtime{service: s}
	return nil
}

// ensureBaseSetup builds the stores, queue and launcher the options did not
// supply.
func (s *Service) ensureBaseSetup() error {
	switch s.config.Store.Backend {
	case "", BackendMemory:
		if s.runDAO == nil {
			s.runDAO = runmem.New()
		}
		if s.stepDAO == nil {
			s.stepDAO = stepmem.New()
		}
	case BackendFS:
		if s.runDAO == nil {
			runDAO, err := runfs.New(filepath.Join(s.config.Store.Path, "runs"))
			if err != nil {
				return fmt.Errorf("failed to open run store: %w", err)
			}
			s.runDAO = runDAO
		}
		if s.stepDAO == nil {
			stepDAO, err := stepfs.New(filepath.Join(s.config.Store.Path, "steps"))
			if err != nil {
				return fmt.Errorf("failed to open step store: %w", err)
			}
			s.stepDAO = stepDAO
		}
	case BackendSQLite:
		if s.runDAO == nil || s.stepDAO == nil {
			store, err := sqlite.Open(s.config.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open sqlite store: %w", err)
			}
			s.store = store
			if s.runDAO == nil {
				s.runDAO = store.Runs()
			}
			if s.stepDAO == nil {
				s.stepDAO = store.Steps()
			}
		}
	}

	if s.queue == nil {
		switch s.config.Queue.Backend {
		case "", BackendMemory:
			s.queue = qmem.NewQueue[execution.Dispatch](qmem.DefaultConfig())
		case BackendFS:
			queueConfig := qfs.DefaultConfig()
			queueConfig.BasePath = s.config.Queue.Path
			queue, err := qfs.NewQueue[execution.Dispatch](afs.New(), queueConfig)
			if err != nil {
				return fmt.Errorf("failed to open dispatch queue: %w", err)
			}
			s.queue = queue
		}
	}

	if s.launcher == nil {
		local := inproc.New()
		for stepID, handler := range s.handlers {
			local.Register(stepID, handler)
		}
		s.launcher = local
	}
	return nil
}

// Runtime returns the run steering surface.
func (s *Service) Runtime() *Runtime {
	return s.runtime
}

// Approvals returns the approval gate, for listing and deciding pending
// requests.
func (s *Service) Approvals() approval.Service {
	return s.approvals
}

// Playbooks returns the playbook loader.
func (s *Service) Playbooks() *playbook.Service {
	return s.playbooks
}

// Start launches the controller workers and the scheduler loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.controller.Start(ctx); err != nil {
		return err
	}
	return s.scheduler.Start(ctx)
}

// Shutdown stops the scheduler and controller and closes the store.
func (s *Service) Shutdown() error {
	s.scheduler.Shutdown()
	s.controller.Shutdown()
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

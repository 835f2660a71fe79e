package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/messaging"
	"github.com/playbookops/conductor/tracing"
)

// Config represents scheduler configuration
type Config struct {
	// PollingInterval is how often active runs are re-evaluated
	PollingInterval time.Duration

	// MaxConcurrentSteps bounds simultaneously dispatched steps per run;
	// zero means unbounded
	MaxConcurrentSteps int
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollingInterval:    20 * time.Millisecond,
		MaxConcurrentSteps: 0,
	}
}

// Service drives run evaluation
type Service struct {
	config  Config
	less    Comparator
	runDAO  dao.Service[string, execution.Run]
	stepDAO dao.Service[string, execution.StepInstance]
	queue   messaging.Queue[execution.Dispatch]

	cancelLaunches func(runID string)

	kickCh     chan string
	shutdownCh chan struct{}
	shutdown   sync.Once
}

// New creates a new scheduler service
func New(options ...Option) (*Service, error) {
	s := &Service{
		config:     DefaultConfig(),
		less:       ByOrder,
		kickCh:     make(chan string, 256),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.runDAO == nil {
		return nil, fmt.Errorf("run DAO is required")
	}
	if s.stepDAO == nil {
		return nil, fmt.Errorf("step DAO is required")
	}
	if s.queue == nil {
		return nil, fmt.Errorf("dispatch queue is required")
	}
	return s, nil
}

// Start begins the evaluation loop
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		case runID := <-s.kickCh:
			if err := s.EvaluateRun(ctx, runID); err != nil {
				log.Printf("scheduler: failed to evaluate run %s: %v", runID, err)
			}
		case <-ticker.C:
			if err := s.evaluateActive(ctx); err != nil {
				log.Printf("scheduler: evaluation pass failed: %v", err)
			}
		}
	}
}

// Shutdown stops the scheduler loop. Safe to call more than once.
func (s *Service) Shutdown() {
	s.shutdown.Do(func() { close(s.shutdownCh) })
}

// Kick requests an immediate re-evaluation of one run, so completion and
// resume signals are picked up without waiting for the next tick. Best
// effort: when the channel is saturated the periodic pass covers it.
func (s *Service) Kick(runID string) {
	select {
	case s.kickCh <- runID:
	default:
	}
}

func (s *Service) evaluateActive(ctx context.Context) error {
	runs, err := s.runDAO.List(ctx, dao.NewParameter("Status",
		string(execution.RunStatePending), string(execution.RunStateRunning)))
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}
	for _, run := range runs {
		if err := s.EvaluateRun(ctx, run.ID); err != nil {
			log.Printf("scheduler: failed to evaluate run %s: %v", run.ID, err)
		}
	}
	return nil
}

// EvaluateRun performs one readiness pass over a run. Exclusivity comes from
// the run record's version: the pass persists the run before claiming any
// step, and a stale save aborts the pass without dispatching.
func (s *Service) EvaluateRun(ctx context.Context, runID string) (err error) {
	run, err := s.runDAO.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.GetStatus().Terminal() {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("scheduler.evaluate %s", runID), "INTERNAL")
	defer tracing.EndSpan(span, err)

	g := run.Graph()
	if g == nil {
		return fmt.Errorf("run %s has no buildable graph", runID)
	}
	steps, err := s.runSteps(ctx, run)
	if err != nil {
		return err
	}

	ev := evaluate(g, steps, s.less)

	if run.GetStatus() == execution.RunStatePending {
		run.SetStatus(execution.RunStateRunning)
	}
	// Rebuilt every pass so entries for a since-retried step drop out.
	run.Errors = make(map[string]string)
	for stepID, step := range steps {
		switch step.GetStatus() {
		case execution.StepStateFailed, execution.StepStateTimedOut:
			if step.Error != "" {
				run.RecordError(stepID, step.Error)
			}
		}
	}
	for stepID, failedDep := range ev.doomed {
		if steps[stepID].GetStatus() == execution.StepStateBlocked {
			run.RecordError(stepID, fmt.Sprintf("blocked: dependency %s did not succeed", failedDep))
		}
	}
	terminal := ev.terminalStatus()
	if terminal != "" {
		run.SetStatus(terminal)
	}
	if len(ev.dispatchable) > 0 {
		run.CurrentStepID = ev.dispatchable[0].StepID
	}

	if err := s.runDAO.Save(ctx, run); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			// Another pass owns this evaluation; back off until the next tick.
			return nil
		}
		return err
	}
	if terminal != "" {
		return nil
	}

	for _, step := range ev.becameReady {
		if err := step.MarkReady(); err != nil {
			continue
		}
		if err := s.stepDAO.Save(ctx, step); err != nil {
			return err
		}
	}
	return s.dispatch(ctx, run.ID, ev)
}

// dispatch claims ready steps within the concurrency budget and publishes
// them. All simultaneously-ready steps go out concurrently; the comparator
// only decides who yields when the budget truncates the set.
func (s *Service) dispatch(ctx context.Context, runID string, ev *evaluation) error {
	budget := -1
	if s.config.MaxConcurrentSteps > 0 {
		budget = s.config.MaxConcurrentSteps - ev.inflight
		if budget <= 0 {
			return nil
		}
	}
	for _, step := range ev.dispatchable {
		if budget == 0 {
			break
		}
		// Conditional claim: a concurrent pass may have won this step.
		if err := step.Claim(); err != nil {
			continue
		}
		if err := s.stepDAO.Save(ctx, step); err != nil {
			return err
		}
		if err := s.queue.Publish(ctx, &execution.Dispatch{
			RunID:  runID,
			StepID: step.StepID,
			Phase:  step.Phase,
		}); err != nil {
			return fmt.Errorf("failed to publish dispatch for %s: %w", step.ID, err)
		}
		if budget > 0 {
			budget--
		}
	}
	return nil
}

// runSteps loads the run's step instances, creating blocked instances for
// graph nodes that have none yet.
func (s *Service) runSteps(ctx context.Context, run *execution.Run) (map[string]*execution.StepInstance, error) {
	listed, err := s.stepDAO.List(ctx, dao.NewParameter("RunID", run.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to list steps for run %s: %w", run.ID, err)
	}
	steps := make(map[string]*execution.StepInstance, len(listed))
	for _, step := range listed {
		steps[step.StepID] = step
	}
	for _, def := range run.Graph().Steps() {
		if _, ok := steps[def.ID]; ok {
			continue
		}
		step := execution.NewStepInstance(run.ID, def.ID)
		if err := s.stepDAO.Save(ctx, step); err != nil {
			return nil, err
		}
		steps[def.ID] = step
	}
	return steps, nil
}

// Cancel moves the run and all its non-terminal steps to cancelled. Launches
// already handed to an executor are terminated best-effort through the
// registered canceller; their late signals are discarded as stale.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		run, err := s.runDAO.Load(ctx, runID)
		if err != nil {
			return err
		}
		if run.GetStatus().Terminal() {
			return nil
		}
		run.SetStatus(execution.RunStateCancelled)
		if err := s.runDAO.Save(ctx, run); err != nil {
			if errors.Is(err, dao.ErrVersionConflict) {
				continue
			}
			return err
		}
		break
	}

	steps, err := s.stepDAO.List(ctx, dao.NewParameter("RunID", runID))
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.GetStatus().Terminal() {
			continue
		}
		if err := step.Cancel(); err != nil {
			continue
		}
		if err := s.stepDAO.Save(ctx, step); err != nil {
			return err
		}
	}
	if s.cancelLaunches != nil {
		s.cancelLaunches(runID)
	}
	return nil
}

// Recover rebuilds scheduler state from the stores after a restart: every
// non-terminal run re-enters the loop, and steps found dispatched are
// re-published since no controller can still own them.
func (s *Service) Recover(ctx context.Context) error {
	runs, err := s.runDAO.List(ctx, dao.NewParameter("Status",
		string(execution.RunStatePending), string(execution.RunStateRunning)))
	if err != nil {
		return fmt.Errorf("failed to list recoverable runs: %w", err)
	}
	for _, run := range runs {
		steps, err := s.stepDAO.List(ctx, dao.NewParameter("RunID", run.ID),
			dao.NewParameter("Status", string(execution.StepStateDispatched)))
		if err != nil {
			return err
		}
		for _, step := range steps {
			if err := s.queue.Publish(ctx, &execution.Dispatch{
				RunID:  run.ID,
				StepID: step.StepID,
				Phase:  step.Phase,
			}); err != nil {
				return fmt.Errorf("failed to re-publish dispatch for %s: %w", step.ID, err)
			}
		}
		s.Kick(run.ID)
	}
	return nil
}

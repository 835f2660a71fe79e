// Package controller owns the lifecycle of dispatched steps. Workers consume
// dispatch messages, assemble the phase input, hand the job across the
// launcher boundary under a wall-clock budget and persist the reported
// signal. The controller never writes run records; the scheduler reconciles
// run status from the step records the controller leaves behind.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/playbookops/conductor/internal/idgen"
	"github.com/playbookops/conductor/model/graph"
	"github.com/playbookops/conductor/policy"
	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/runtime/hydration"
	"github.com/playbookops/conductor/service/approval"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/launcher"
	"github.com/playbookops/conductor/service/messaging"
	"github.com/playbookops/conductor/tracing"
)

// Config represents controller configuration
type Config struct {
	// WorkerCount is the number of workers consuming dispatch messages
	WorkerCount int

	// DefaultTimeout bounds a launched phase when the step definition
	// carries no timeoutMinutes of its own
	DefaultTimeout time.Duration

	// DispatchRetryDelay is the pause before the single automatic retry of
	// a transient dispatch failure
	DispatchRetryDelay time.Duration
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() Config {
	return Config{
		WorkerCount:        5,
		DefaultTimeout:     30 * time.Minute,
		DispatchRetryDelay: 2 * time.Second,
	}
}

// Service handles dispatched step execution
type Service struct {
	config    Config
	runDAO    dao.Service[string, execution.Run]
	stepDAO   dao.Service[string, execution.StepInstance]
	queue     messaging.Queue[execution.Dispatch]
	launcher  launcher.Launcher
	approvals approval.Service
	kick      func(runID string)

	workers  []*worker
	workerWg sync.WaitGroup

	launchMu sync.Mutex
	launches map[string]map[int]context.CancelFunc
	launchID int
}

type worker struct {
	id       int
	service  *Service
	ctx      context.Context
	cancelFn context.CancelFunc
}

// New creates a new controller service
func New(options ...Option) (*Service, error) {
	s := &Service{
		config:   DefaultConfig(),
		launches: make(map[string]map[int]context.CancelFunc),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if s.queue == nil {
		return nil, fmt.Errorf("dispatch queue is required")
	}
	if s.runDAO == nil {
		return nil, fmt.Errorf("run DAO is required")
	}
	if s.stepDAO == nil {
		return nil, fmt.Errorf("step DAO is required")
	}
	return s, nil
}

// Start launches the worker pool
func (s *Service) Start(ctx context.Context) error {
	for i := 0; i < s.config.WorkerCount; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		worker := &worker{
			id:       i,
			service:  s,
			ctx:      workerCtx,
			cancelFn: cancel,
		}
		s.workers = append(s.workers, worker)
		s.workerWg.Add(1)
		go worker.run()
	}
	return nil
}

// run processes messages from the queue
func (w *worker) run() {
	defer w.service.workerWg.Done()

	for {
		msg, err := w.service.queue.Consume(w.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if msg == nil {
			continue
		}
		if pErr := w.service.processMessage(w.ctx, msg); pErr != nil {
			log.Printf("controller worker %d: failed to process message: %v", w.id, pErr)
		}
	}
}

// Shutdown stops the controller workers
func (s *Service) Shutdown() {
	for _, worker := range s.workers {
		worker.cancelFn()
	}
	s.workerWg.Wait()
}

// processMessage handles a single dispatch message
func (s *Service) processMessage(ctx context.Context, message messaging.Message[execution.Dispatch]) (err error) {
	dispatch := message.T()

	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("controller.step %s", dispatch.StepID), "INTERNAL")
	defer tracing.EndSpan(span, err)
	span.WithAttributes(map[string]string{"run.id": dispatch.RunID, "step.id": dispatch.StepID})

	step, err := s.stepDAO.Load(ctx, execution.StepKey(dispatch.RunID, dispatch.StepID))
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			// Run was deleted underneath the message; nothing left to do.
			return message.Ack()
		}
		return message.Nack(err)
	}

	// A replayed or superseded message no longer matches the claimed record.
	if step.GetStatus() != execution.StepStateDispatched || step.Phase != dispatch.Phase {
		return message.Ack()
	}

	run, err := s.runDAO.Load(ctx, dispatch.RunID)
	if err != nil {
		return message.Nack(err)
	}
	if run.GetStatus() == execution.RunStateCancelled {
		_ = step.Cancel()
		if saveErr := s.stepDAO.Save(ctx, step); saveErr != nil {
			return message.Nack(saveErr)
		}
		return message.Ack()
	}

	def := run.Graph().Step(dispatch.StepID)
	if def == nil {
		_ = step.Fail(fmt.Sprintf("step %s missing from run graph", dispatch.StepID))
		if saveErr := s.stepDAO.Save(ctx, step); saveErr != nil {
			return message.Nack(saveErr)
		}
		s.notify(run.ID)
		return message.Ack()
	}

	job, err := s.assembleJob(ctx, run, step, def)
	if err != nil {
		_ = step.Fail(err.Error())
		if saveErr := s.stepDAO.Save(ctx, step); saveErr != nil {
			return message.Nack(saveErr)
		}
		s.notify(run.ID)
		return message.Ack()
	}

	// An execution policy in the worker context can veto the launch.
	if pol := policy.FromContext(ctx); !pol.Approve(ctx, step.StepID, job.Input) {
		_ = step.Fail("launch blocked by execution policy")
		if saveErr := s.stepDAO.Save(ctx, step); saveErr != nil {
			return message.Nack(saveErr)
		}
		s.notify(run.ID)
		return message.Ack()
	}

	// Persist the assembled input before launching so a crash mid-flight
	// leaves an auditable record of what was handed over.
	if data, mErr := json.Marshal(job.Input); mErr == nil {
		step.Input = data
	}
	if err := s.stepDAO.Save(ctx, step); err != nil {
		return message.Nack(err)
	}

	budget := s.budget(def)
	signal, launchErr := s.launch(ctx, job, budget)

	switch {
	case launchErr == nil:
		err = s.applySignal(ctx, run, step, def, signal)
	case errors.Is(launchErr, context.DeadlineExceeded):
		err = step.TimeOut(budget)
	case errors.Is(launchErr, context.Canceled):
		// A worker shutdown or run-level cancel interrupted the launch. Not
		// the step's fault: the record stays dispatched so Recover can
		// re-publish the phase; a cancelled run is reconciled separately.
		return message.Ack()
	default:
		err = step.Fail(launchErr.Error())
	}
	if err != nil {
		// The step moved underneath the launch (typically cancelled); the
		// late signal is stale and gets discarded.
		if errors.Is(err, execution.ErrInvalidTransition) {
			return message.Ack()
		}
		return message.Nack(err)
	}
	if err := s.stepDAO.Save(ctx, step); err != nil {
		return message.Nack(err)
	}
	s.notify(run.ID)
	return message.Ack()
}

// launch hands the job over under the wall-clock budget, retrying a
// transient dispatch failure exactly once. An executor-reported failure is
// never retried here.
func (s *Service) launch(ctx context.Context, job *launcher.Job, budget time.Duration) (*launcher.Signal, error) {
	launchCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	unregister := s.registerLaunch(job.RunID, cancel)
	defer unregister()

	signal, err := s.launcher.Launch(launchCtx, job)
	var dispatchErr *launcher.DispatchError
	if err != nil && errors.As(err, &dispatchErr) && launchCtx.Err() == nil {
		select {
		case <-launchCtx.Done():
		case <-time.After(s.config.DispatchRetryDelay):
			signal, err = s.launcher.Launch(launchCtx, job)
		}
	}
	if err != nil {
		// The budget and the worker context both collapse launchCtx; the
		// caller distinguishes timeout from interruption by the sentinel.
		switch {
		case errors.Is(launchCtx.Err(), context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		case errors.Is(launchCtx.Err(), context.Canceled):
			return nil, context.Canceled
		}
	}
	return signal, err
}

func (s *Service) budget(def *graph.StepDef) time.Duration {
	if def.TimeoutMinutes > 0 {
		return time.Duration(def.TimeoutMinutes) * time.Minute
	}
	return s.config.DefaultTimeout
}

// assembleJob builds the launcher job for the step's current phase: fresh
// input hydrated from the run context plus dependency outputs at phase zero,
// the saved checkpoint and resume input afterwards.
func (s *Service) assembleJob(ctx context.Context, run *execution.Run, step *execution.StepInstance, def *graph.StepDef) (*launcher.Job, error) {
	job := &launcher.Job{
		RunID:       run.ID,
		StepID:      step.StepID,
		Phase:       step.Phase,
		Instruction: hydration.HydrateText(def.Instruction, run.Context),
	}

	input := map[string]interface{}{}
	if len(def.Params) > 0 {
		input = hydration.Hydrate(def.Params, run.Context).(map[string]interface{})
	}
	deps := map[string]interface{}{}
	for _, depID := range def.DependsOn {
		depStep, err := s.stepDAO.Load(ctx, execution.StepKey(run.ID, depID))
		if err != nil {
			return nil, fmt.Errorf("failed to load dependency %s: %w", depID, err)
		}
		if len(depStep.Output) > 0 {
			var output interface{}
			if err := json.Unmarshal(depStep.Output, &output); err == nil {
				deps[depID] = output
			}
		}
	}
	if len(deps) > 0 {
		input["deps"] = deps
	}
	job.Input = input

	if step.Phase > 0 {
		job.Checkpoint = step.CheckpointData
		if len(step.ResumeInput) > 0 {
			resume := map[string]interface{}{}
			if err := json.Unmarshal(step.ResumeInput, &resume); err != nil {
				resume = map[string]interface{}{"value": string(step.ResumeInput)}
			}
			job.ResumeInput = resume
		}
	}
	return job, nil
}

// applySignal maps the executor's report onto the step record.
func (s *Service) applySignal(ctx context.Context, run *execution.Run, step *execution.StepInstance, def *graph.StepDef, signal *launcher.Signal) error {
	if signal == nil {
		return step.Fail("executor returned no signal")
	}
	switch signal.Kind {
	case launcher.SignalSucceeded:
		output, err := json.Marshal(signal.Output)
		if err != nil {
			return step.Fail(fmt.Sprintf("unserialisable output: %v", err))
		}
		return step.Succeed(output)

	case launcher.SignalFailed:
		return step.Fail(signal.Detail)

	case launcher.SignalCheckpointed:
		return step.Checkpoint(signal.Checkpoint)

	case launcher.SignalAwaitingInput:
		return step.AwaitInput(signal.Checkpoint)

	case launcher.SignalAwaitingApproval:
		return s.requestApproval(ctx, run, step, def, signal)

	default:
		return step.Fail(fmt.Sprintf("unknown signal kind %q", signal.Kind))
	}
}

func (s *Service) requestApproval(ctx context.Context, run *execution.Run, step *execution.StepInstance, def *graph.StepDef, signal *launcher.Signal) error {
	if s.approvals == nil {
		return step.Fail("step requires approval but no approval gate is configured")
	}
	mode := def.Approval
	if mode == "" {
		mode = graph.ApprovalApproveOnly
	}
	payload, err := json.Marshal(signal.Payload)
	if err != nil {
		return step.Fail(fmt.Sprintf("unserialisable approval payload: %v", err))
	}
	requestID := idgen.New()

	// The controller still owns the record here, so the checkpoint can be
	// attached before the step is parked.
	if len(signal.Checkpoint) > 0 {
		step.CheckpointData = signal.Checkpoint
	}
	if err := step.AwaitApproval(requestID, payload); err != nil {
		return err
	}
	// The step must be durably parked before the request becomes decidable.
	if err := s.stepDAO.Save(ctx, step); err != nil {
		return err
	}
	return s.approvals.RequestApproval(ctx, &approval.Request{
		ID:      requestID,
		RunID:   run.ID,
		StepID:  step.StepID,
		Mode:    mode,
		Payload: payload,
	})
}

func (s *Service) notify(runID string) {
	if s.kick != nil {
		s.kick(runID)
	}
}

func (s *Service) registerLaunch(runID string, cancel context.CancelFunc) func() {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	s.launchID++
	id := s.launchID
	if s.launches[runID] == nil {
		s.launches[runID] = make(map[int]context.CancelFunc)
	}
	s.launches[runID][id] = cancel
	return func() {
		s.launchMu.Lock()
		defer s.launchMu.Unlock()
		delete(s.launches[runID], id)
		if len(s.launches[runID]) == 0 {
			delete(s.launches, runID)
		}
	}
}

// CancelRun terminates the contexts of every launch in flight for the run.
// Best effort: executors that ignore cancellation run on, and their late
// signals are discarded as stale.
func (s *Service) CancelRun(runID string) {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	for _, cancel := range s.launches[runID] {
		cancel()
	}
}

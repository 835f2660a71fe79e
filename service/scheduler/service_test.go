package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/playbookops/conductor/model"
	"github.com/playbookops/conductor/model/graph"
	"github.com/playbookops/conductor/runtime/execution"
	runmem "github.com/playbookops/conductor/service/dao/run/memory"
	stepmem "github.com/playbookops/conductor/service/dao/step/memory"
	qmem "github.com/playbookops/conductor/service/messaging/memory"
)

type fixture struct {
	runs    *runmem.Service
	steps   *stepmem.Service
	queue   *qmem.Queue[execution.Dispatch]
	service *Service
	run     *execution.Run
}

func newFixture(t *testing.T, defs []*graph.StepDef, options ...Option) *fixture {
	t.Helper()
	f := &fixture{
		runs:  runmem.New(),
		steps: stepmem.New(),
		queue: qmem.NewQueue[execution.Dispatch](qmem.DefaultConfig()),
	}
	options = append([]Option{
		WithRunDAO(f.runs),
		WithStepDAO(f.steps),
		WithQueue(f.queue),
	}, options...)
	service, err := New(options...)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	f.service = service

	playbook := &model.Playbook{Name: "onboarding", Steps: defs}
	f.run = execution.NewRun(playbook, map[string]interface{}{"customerName": "ACME"})
	if err := f.runs.Save(context.Background(), f.run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}
	return f
}

// drain pops every dispatch currently on the queue.
func (f *fixture) drain(t *testing.T) []*execution.Dispatch {
	t.Helper()
	var out []*execution.Dispatch
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		msg, err := f.queue.Consume(ctx)
		cancel()
		if err != nil {
			return out
		}
		out = append(out, msg.T())
		assert.NoError(t, msg.Ack())
	}
}

// complete simulates the controller finishing a dispatched step.
func (f *fixture) complete(t *testing.T, stepID string, output string) {
	t.Helper()
	step, err := f.steps.Load(context.Background(), execution.StepKey(f.run.ID, stepID))
	assert.NoError(t, err)
	assert.NoError(t, step.Succeed(json.RawMessage(output)))
	assert.NoError(t, f.steps.Save(context.Background(), step))
}

func (f *fixture) fail(t *testing.T, stepID, detail string) {
	t.Helper()
	step, err := f.steps.Load(context.Background(), execution.StepKey(f.run.ID, stepID))
	assert.NoError(t, err)
	assert.NoError(t, step.Fail(detail))
	assert.NoError(t, f.steps.Save(context.Background(), step))
}

func (f *fixture) stepStatus(t *testing.T, stepID string) execution.StepStatus {
	t.Helper()
	step, err := f.steps.Load(context.Background(), execution.StepKey(f.run.ID, stepID))
	assert.NoError(t, err)
	return step.GetStatus()
}

func linearDefs() []*graph.StepDef {
	return []*graph.StepDef{
		{ID: "collect-profile", Order: 1},
		{ID: "provision-account", Order: 2, DependsOn: []string{"collect-profile"}},
		{ID: "send-welcome", Order: 3, DependsOn: []string{"provision-account"}},
	}
}

func TestService_LinearRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearDefs())

	// First pass dispatches only the root.
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	dispatches := f.drain(t)
	assert.Equal(t, 1, len(dispatches))
	assert.Equal(t, "collect-profile", dispatches[0].StepID)
	assert.Equal(t, execution.StepStateDispatched, f.stepStatus(t, "collect-profile"))
	assert.Equal(t, execution.StepStateBlocked, f.stepStatus(t, "provision-account"))

	run, err := f.runs.Load(ctx, f.run.ID)
	assert.NoError(t, err)
	assert.Equal(t, execution.RunStateRunning, run.GetStatus())

	// Completion unlocks the next step on re-evaluation.
	f.complete(t, "collect-profile", `{"profile":"ok"}`)
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	dispatches = f.drain(t)
	assert.Equal(t, 1, len(dispatches))
	assert.Equal(t, "provision-account", dispatches[0].StepID)

	f.complete(t, "provision-account", `{}`)
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	f.complete(t, "send-welcome", `{}`)
	f.drain(t)

	// All steps succeeded settles the run.
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	run, err = f.runs.Load(ctx, f.run.ID)
	assert.NoError(t, err)
	assert.Equal(t, execution.RunStateSucceeded, run.GetStatus())
	assert.NotNil(t, run.FinishedAt)
}

func TestService_ParallelBranchesAndBudget(t *testing.T) {
	ctx := context.Background()
	defs := []*graph.StepDef{
		{ID: "prepare-billing", Order: 2},
		{ID: "prepare-access", Order: 1},
		{ID: "announce", Order: 3, DependsOn: []string{"prepare-billing", "prepare-access"}},
	}

	t.Run("unbounded dispatches all ready steps", func(t *testing.T) {
		f := newFixture(t, defs)
		assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
		dispatches := f.drain(t)
		assert.Equal(t, 2, len(dispatches))
	})

	t.Run("budget truncates by comparator order", func(t *testing.T) {
		f := newFixture(t, defs, WithConfig(Config{
			PollingInterval:    20 * time.Millisecond,
			MaxConcurrentSteps: 1,
		}))
		assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
		dispatches := f.drain(t)
		assert.Equal(t, 1, len(dispatches))
		assert.Equal(t, "prepare-access", dispatches[0].StepID, "lower Order dispatches first")

		// Budget full: re-evaluation dispatches nothing new.
		assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
		assert.Equal(t, 0, len(f.drain(t)))

		f.complete(t, "prepare-access", `{}`)
		assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
		dispatches = f.drain(t)
		assert.Equal(t, 1, len(dispatches))
		assert.Equal(t, "prepare-billing", dispatches[0].StepID)
	})
}

func TestService_FailureCascade(t *testing.T) {
	ctx := context.Background()
	// diamond with an independent branch
	defs := []*graph.StepDef{
		{ID: "collect-profile", Order: 1},
		{ID: "provision-account", Order: 2, DependsOn: []string{"collect-profile"}},
		{ID: "send-welcome", Order: 3, DependsOn: []string{"provision-account"}},
		{ID: "register-audit", Order: 4},
	}
	f := newFixture(t, defs)

	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	f.drain(t)
	f.fail(t, "collect-profile", "profile service unavailable")

	// The independent branch keeps running to completion.
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	run, err := f.runs.Load(ctx, f.run.ID)
	assert.NoError(t, err)
	assert.Equal(t, execution.RunStateRunning, run.GetStatus())
	assert.Equal(t, execution.StepStateBlocked, f.stepStatus(t, "provision-account"))
	assert.Equal(t, execution.StepStateBlocked, f.stepStatus(t, "send-welcome"))

	f.complete(t, "register-audit", `{}`)
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))

	run, err = f.runs.Load(ctx, f.run.ID)
	assert.NoError(t, err)
	assert.Equal(t, execution.RunStateFailed, run.GetStatus())
	assert.Equal(t, "profile service unavailable", run.Errors["collect-profile"])
	assert.Contains(t, run.Errors["provision-account"], "dependency collect-profile")
}

func TestService_SuspendedRunStaysOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearDefs())

	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	f.drain(t)

	step, err := f.steps.Load(ctx, execution.StepKey(f.run.ID, "collect-profile"))
	assert.NoError(t, err)
	assert.NoError(t, step.Checkpoint(json.RawMessage(`{"answered":2}`)))
	assert.NoError(t, f.steps.Save(ctx, step))

	// A suspended step keeps the run in progress without being re-dispatched.
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	assert.Equal(t, 0, len(f.drain(t)))
	run, err := f.runs.Load(ctx, f.run.ID)
	assert.NoError(t, err)
	assert.Equal(t, execution.RunStateRunning, run.GetStatus())

	// Event-driven resume re-enters the dispatch loop at the next phase.
	assert.NoError(t, step.Resume(json.RawMessage(`{"answer":"yes"}`)))
	assert.NoError(t, f.steps.Save(ctx, step))
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	dispatches := f.drain(t)
	assert.Equal(t, 1, len(dispatches))
	assert.Equal(t, 1, dispatches[0].Phase)
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearDefs())
	var cancelledRuns []string
	f.service.cancelLaunches = func(runID string) { cancelledRuns = append(cancelledRuns, runID) }

	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	f.drain(t)

	assert.NoError(t, f.service.Cancel(ctx, f.run.ID))
	run, err := f.runs.Load(ctx, f.run.ID)
	assert.NoError(t, err)
	assert.Equal(t, execution.RunStateCancelled, run.GetStatus())
	assert.Equal(t, execution.StepStateCancelled, f.stepStatus(t, "collect-profile"))
	assert.Equal(t, execution.StepStateCancelled, f.stepStatus(t, "provision-account"))
	assert.Equal(t, []string{f.run.ID}, cancelledRuns)

	// Idempotent, and the run accepts no further transitions.
	assert.NoError(t, f.service.Cancel(ctx, f.run.ID))
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	run, err = f.runs.Load(ctx, f.run.ID)
	assert.NoError(t, err)
	assert.Equal(t, execution.RunStateCancelled, run.GetStatus())
}

func TestService_Recover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearDefs())

	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	dispatched := f.drain(t)
	assert.Equal(t, 1, len(dispatched))

	// Simulate a crash: the queue is empty, the store still says dispatched.
	assert.NoError(t, f.service.Recover(ctx))
	recovered := f.drain(t)
	assert.Equal(t, 1, len(recovered))
	assert.Equal(t, "collect-profile", recovered[0].StepID)
	assert.Equal(t, 0, recovered[0].Phase)
}

func TestService_ClaimRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearDefs())

	// Two consecutive passes over the same ready set must not double-claim:
	// the second pass finds the step already dispatched.
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	assert.NoError(t, f.service.EvaluateRun(ctx, f.run.ID))
	dispatches := f.drain(t)
	assert.Equal(t, 1, len(dispatches))
}

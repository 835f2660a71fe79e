package progress

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/playbookops/conductor/model"
	"github.com/playbookops/conductor/model/graph"
	"github.com/playbookops/conductor/runtime/execution"
)

func TestCompute(t *testing.T) {
	playbook := &model.Playbook{
		Name: "onboarding",
		Steps: []*graph.StepDef{
			{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"},
		},
	}
	run := execution.NewRun(playbook, nil)
	run.SetStatus(execution.RunStateRunning)

	succeeded := execution.NewStepInstance(run.ID, "a")
	assert.NoError(t, succeeded.MarkReady())
	assert.NoError(t, succeeded.Claim())
	assert.NoError(t, succeeded.Succeed(json.RawMessage(`{}`)))

	failed := execution.NewStepInstance(run.ID, "b")
	assert.NoError(t, failed.MarkReady())
	assert.NoError(t, failed.Claim())
	assert.NoError(t, failed.Fail("boom"))

	inflight := execution.NewStepInstance(run.ID, "c")
	assert.NoError(t, inflight.MarkReady())
	assert.NoError(t, inflight.Claim())

	suspended := execution.NewStepInstance(run.ID, "d")
	assert.NoError(t, suspended.MarkReady())
	assert.NoError(t, suspended.Claim())
	assert.NoError(t, suspended.Checkpoint(json.RawMessage(`{}`)))

	blocked := execution.NewStepInstance(run.ID, "e")

	p := Compute(run, []*execution.StepInstance{succeeded, failed, inflight, suspended, blocked})
	assert.Equal(t, run.ID, p.RunID)
	assert.Equal(t, "onboarding", p.Playbook)
	assert.Equal(t, 5, p.TotalSteps)
	assert.Equal(t, 1, p.SucceededSteps)
	assert.Equal(t, 1, p.FailedSteps)
	assert.Equal(t, 1, p.RunningSteps)
	assert.Equal(t, 1, p.SuspendedSteps)
	assert.Equal(t, 1, p.PendingSteps)
	assert.Equal(t, 2, p.Done())
	assert.Equal(t, 40, p.Percent())
}

func TestCompute_Empty(t *testing.T) {
	p := Compute(nil, nil)
	assert.Equal(t, 0, p.TotalSteps)
	assert.Equal(t, 0, p.Percent())
}

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playbookops/conductor/model"
	"github.com/playbookops/conductor/model/graph"
	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/dao"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRun(name string) *execution.Run {
	return execution.NewRun(&model.Playbook{
		Name:  name,
		Steps: []*graph.StepDef{{ID: "collect-profile", Order: 1}},
	}, map[string]interface{}{"customerName": "ACME"})
}

func TestRunDAO(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	runs := store.Runs()

	run := newRun("onboarding")
	assert.NoError(t, runs.Save(ctx, run))
	assert.Equal(t, 1, run.SCN)

	loaded, err := runs.Load(ctx, run.ID)
	assert.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, 1, loaded.SCN)
	assert.Equal(t, "ACME", loaded.Context["customerName"])
	assert.Equal(t, execution.RunStatePending, loaded.GetStatus())

	_, err = runs.Load(ctx, "missing")
	assert.ErrorIs(t, err, dao.ErrNotFound)
}

func TestRunDAO_VersionConflict(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	runs := store.Runs()

	run := newRun("onboarding")
	require.NoError(t, runs.Save(ctx, run))

	// Two passes load the same snapshot; only the first commit wins.
	first, err := runs.Load(ctx, run.ID)
	require.NoError(t, err)
	second, err := runs.Load(ctx, run.ID)
	require.NoError(t, err)

	first.SetStatus(execution.RunStateRunning)
	assert.NoError(t, runs.Save(ctx, first))

	second.SetStatus(execution.RunStateCancelled)
	assert.ErrorIs(t, runs.Save(ctx, second), dao.ErrVersionConflict)

	loaded, err := runs.Load(ctx, run.ID)
	assert.NoError(t, err)
	assert.Equal(t, execution.RunStateRunning, loaded.GetStatus())
}

func TestRunDAO_List(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	runs := store.Runs()

	open := newRun("onboarding")
	open.SetStatus(execution.RunStateRunning)
	require.NoError(t, runs.Save(ctx, open))

	done := newRun("offboarding")
	done.SetStatus(execution.RunStateSucceeded)
	require.NoError(t, runs.Save(ctx, done))

	active, err := runs.List(ctx, dao.NewParameter("Status",
		string(execution.RunStatePending), string(execution.RunStateRunning)))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(active))
	assert.Equal(t, open.ID, active[0].ID)

	all, err := runs.List(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(all))
}

func TestStepDAO(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	steps := store.Steps()

	step := execution.NewStepInstance("run-1", "collect-profile")
	assert.NoError(t, steps.Save(ctx, step))

	// Upsert: the same record saves again after a transition.
	require.NoError(t, step.MarkReady())
	require.NoError(t, step.Claim())
	require.NoError(t, step.Succeed(json.RawMessage(`{"tier":"enterprise"}`)))
	assert.NoError(t, steps.Save(ctx, step))

	loaded, err := steps.Load(ctx, execution.StepKey("run-1", "collect-profile"))
	assert.NoError(t, err)
	assert.Equal(t, execution.StepStateSucceeded, loaded.GetStatus())
	assert.Equal(t, json.RawMessage(`{"tier":"enterprise"}`), loaded.Output)

	other := execution.NewStepInstance("run-2", "collect-profile")
	require.NoError(t, steps.Save(ctx, other))

	byRun, err := steps.List(ctx, dao.NewParameter("RunID", "run-1"))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(byRun))

	byStatus, err := steps.List(ctx, dao.NewParameter("Status", string(execution.StepStateBlocked)))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(byStatus))
	assert.Equal(t, "run-2", byStatus[0].RunID)

	assert.NoError(t, steps.Delete(ctx, other.ID))
	_, err = steps.Load(ctx, other.ID)
	assert.ErrorIs(t, err, dao.ErrNotFound)
}

package execution

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepInstance_Lifecycle(t *testing.T) {
	s := NewStepInstance("run-1", "draft-email")
	assert.Equal(t, "run-1/draft-email", s.ID)
	assert.Equal(t, StepStateBlocked, s.Status)
	assert.Equal(t, 1, s.Attempts)

	require.NoError(t, s.MarkReady())
	require.NoError(t, s.Claim())
	require.NotNil(t, s.StartedAt)

	require.NoError(t, s.Succeed(json.RawMessage(`{"ok":true}`)))
	assert.Equal(t, StepStateSucceeded, s.Status)
	require.NotNil(t, s.EndedAt)
}

func TestStepInstance_ClaimRequiresReady(t *testing.T) {
	s := NewStepInstance("run-1", "a")
	err := s.Claim()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestStepInstance_ConcurrentClaim(t *testing.T) {
	s := NewStepInstance("run-1", "a")
	require.NoError(t, s.MarkReady())

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Claim()
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, ErrStateConflict)
		}
	}
	assert.Equal(t, 1, won, "exactly one claim must win")
	assert.Equal(t, StepStateDispatched, s.GetStatus())
}

func TestStepInstance_CheckpointResume(t *testing.T) {
	s := NewStepInstance("run-1", "interactive")
	require.NoError(t, s.MarkReady())
	require.NoError(t, s.Claim())

	data := json.RawMessage(`{"phase":"collect","questionId":"q-7"}`)
	require.NoError(t, s.Checkpoint(data))
	assert.Equal(t, StepStateCheckpointed, s.Status)
	assert.Equal(t, data, s.CheckpointData)

	require.NoError(t, s.Resume(json.RawMessage(`{"answer":"yes"}`)))
	assert.Equal(t, StepStateReady, s.Status)
	assert.Equal(t, 1, s.Phase)

	require.NoError(t, s.Claim())
	// checkpoint survives the resume so the executor can continue mid-step
	assert.Equal(t, data, s.CheckpointData)
}

func TestStepInstance_ApprovalResolution(t *testing.T) {
	t.Run("approved resumes at next phase", func(t *testing.T) {
		s := claimed(t)
		require.NoError(t, s.AwaitApproval("req-1", json.RawMessage(`{"draft":"v1"}`)))
		require.NoError(t, s.ResolveApproval(&ApprovalRecord{RequestID: "req-1", Outcome: ApprovalApproved}))
		assert.Equal(t, StepStateReady, s.Status)
		assert.Equal(t, 1, s.Phase)
		assert.Nil(t, s.ResumeInput)
	})

	t.Run("edited payload replaces draft", func(t *testing.T) {
		s := claimed(t)
		require.NoError(t, s.AwaitApproval("req-2", json.RawMessage(`{"draft":"v1"}`)))
		edited := json.RawMessage(`{"draft":"v2"}`)
		require.NoError(t, s.ResolveApproval(&ApprovalRecord{RequestID: "req-2", Outcome: ApprovalEdited, Edited: edited}))
		assert.Equal(t, StepStateReady, s.Status)
		assert.Equal(t, edited, s.ResumeInput)
	})

	t.Run("rejected fails the step", func(t *testing.T) {
		s := claimed(t)
		require.NoError(t, s.AwaitApproval("req-3", nil))
		require.NoError(t, s.ResolveApproval(&ApprovalRecord{RequestID: "req-3", Outcome: ApprovalRejected, Reason: "budget not signed off"}))
		assert.Equal(t, StepStateFailed, s.Status)
		assert.Equal(t, "budget not signed off", s.Error)
	})

	t.Run("rejected without a reason gets the default detail", func(t *testing.T) {
		s := claimed(t)
		require.NoError(t, s.AwaitApproval("req-4", nil))
		require.NoError(t, s.ResolveApproval(&ApprovalRecord{RequestID: "req-4", Outcome: ApprovalRejected}))
		assert.Equal(t, StepStateFailed, s.Status)
		assert.Equal(t, "rejected by approver", s.Error)
	})
}

func TestStepInstance_NewAttempt(t *testing.T) {
	s := claimed(t)
	require.NoError(t, s.Fail("executor reported failure"))

	require.NoError(t, s.NewAttempt())
	assert.Equal(t, StepStateBlocked, s.Status)
	assert.Equal(t, 2, s.Attempts)
	assert.Equal(t, 0, s.Phase)
	assert.Empty(t, s.Error)
	assert.Nil(t, s.StartedAt)
}

func TestStepInstance_CancelIdempotent(t *testing.T) {
	s := claimed(t)
	require.NoError(t, s.Cancel())
	assert.Equal(t, StepStateCancelled, s.Status)
	// cancelling a terminal step is a no-op, not an error
	require.NoError(t, s.Cancel())
}

func TestStepInstance_HistoryRecordsTransitions(t *testing.T) {
	s := claimed(t)
	require.NoError(t, s.Fail("boom"))

	var types []string
	for _, e := range s.History {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, EventStatusChanged)
	assert.Contains(t, types, EventStepError)
}

func claimed(t *testing.T) *StepInstance {
	t.Helper()
	s := NewStepInstance("run-1", "step")
	require.NoError(t, s.MarkReady())
	require.NoError(t, s.Claim())
	return s
}

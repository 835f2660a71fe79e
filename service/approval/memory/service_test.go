package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/playbookops/conductor/model/graph"
	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/approval"
	stepmem "github.com/playbookops/conductor/service/dao/step/memory"
)

func awaitingStep(t *testing.T, ctx context.Context, steps *stepmem.Service, runID, stepID, requestID string, payload json.RawMessage) *execution.StepInstance {
	t.Helper()
	step := execution.NewStepInstance(runID, stepID)
	assert.NoError(t, step.MarkReady())
	assert.NoError(t, step.Claim())
	assert.NoError(t, step.AwaitApproval(requestID, payload))
	assert.NoError(t, steps.Save(ctx, step))
	return step
}

func TestService_Decide(t *testing.T) {
	ctx := context.Background()
	draft := json.RawMessage(`{"subject":"Welcome aboard"}`)

	t.Run("approved resumes at next phase", func(t *testing.T) {
		steps := stepmem.New()
		var kicked []string
		svc := New(WithStepDAO(steps), WithKicker(func(runID string) { kicked = append(kicked, runID) }))

		step := awaitingStep(t, ctx, steps, "run-1", "provision-account", "req-1", draft)
		err := svc.RequestApproval(ctx, &approval.Request{
			ID: "req-1", RunID: "run-1", StepID: "provision-account",
			Mode: graph.ApprovalApproveOnly, Payload: draft,
		})
		assert.NoError(t, err)

		pending, err := svc.ListPending(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, len(pending))

		decision, err := svc.Decide(ctx, "req-1", execution.ApprovalApproved)
		assert.NoError(t, err)
		assert.Equal(t, execution.ApprovalApproved, decision.Outcome)

		assert.Equal(t, execution.StepStateReady, step.GetStatus())
		assert.Equal(t, 1, step.Phase)
		assert.Equal(t, []string{"run-1"}, kicked)

		// request is destroyed; only the resolution survives on the step
		pending, err = svc.ListPending(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 0, len(pending))
		assert.NotNil(t, step.Approval)
		assert.Equal(t, "req-1", step.Approval.RequestID)
	})

	t.Run("rejected fails the step", func(t *testing.T) {
		steps := stepmem.New()
		svc := New(WithStepDAO(steps))

		step := awaitingStep(t, ctx, steps, "run-2", "provision-account", "req-2", draft)
		err := svc.RequestApproval(ctx, &approval.Request{
			ID: "req-2", RunID: "run-2", StepID: "provision-account",
			Mode: graph.ApprovalApproveOnly, Payload: draft,
		})
		assert.NoError(t, err)

		_, err = svc.Decide(ctx, "req-2", execution.ApprovalRejected, approval.WithReason("wrong account tier"))
		assert.NoError(t, err)
		assert.Equal(t, execution.StepStateFailed, step.GetStatus())
		assert.Equal(t, "wrong account tier", step.Error)
	})

	t.Run("rejected without a reason fails with the default detail", func(t *testing.T) {
		steps := stepmem.New()
		svc := New(WithStepDAO(steps))

		step := awaitingStep(t, ctx, steps, "run-2b", "provision-account", "req-2b", draft)
		err := svc.RequestApproval(ctx, &approval.Request{
			ID: "req-2b", RunID: "run-2b", StepID: "provision-account",
			Mode: graph.ApprovalApproveOnly, Payload: draft,
		})
		assert.NoError(t, err)

		_, err = svc.Decide(ctx, "req-2b", execution.ApprovalRejected)
		assert.NoError(t, err)
		assert.Equal(t, execution.StepStateFailed, step.GetStatus())
		assert.Equal(t, "rejected by approver", step.Error)
	})

	t.Run("edited payload replaces draft and records redline", func(t *testing.T) {
		steps := stepmem.New()
		svc := New(WithStepDAO(steps))

		step := awaitingStep(t, ctx, steps, "run-3", "provision-account", "req-3", draft)
		err := svc.RequestApproval(ctx, &approval.Request{
			ID: "req-3", RunID: "run-3", StepID: "provision-account",
			Mode: graph.ApprovalReviewAndEdit, Payload: draft,
		})
		assert.NoError(t, err)

		edited := json.RawMessage(`{"subject":"Welcome to ACME"}`)
		decision, err := svc.Decide(ctx, "req-3", execution.ApprovalEdited, approval.WithEditedPayload(edited))
		assert.NoError(t, err)
		assert.Equal(t, edited, decision.EditedPayload)

		assert.Equal(t, execution.StepStateReady, step.GetStatus())
		assert.Equal(t, 1, step.Phase)
		assert.Equal(t, edited, step.ResumeInput)

		var redline string
		for _, event := range step.History {
			if event.Type == execution.EventRedlineRecorded {
				redline = event.Detail
			}
		}
		assert.Contains(t, redline, "-  \"subject\": \"Welcome aboard\"")
		assert.Contains(t, redline, "+  \"subject\": \"Welcome to ACME\"")
	})

	t.Run("edit rejected for approve_only mode", func(t *testing.T) {
		steps := stepmem.New()
		svc := New(WithStepDAO(steps))

		awaitingStep(t, ctx, steps, "run-4", "send-welcome", "req-4", draft)
		err := svc.RequestApproval(ctx, &approval.Request{
			ID: "req-4", RunID: "run-4", StepID: "send-welcome",
			Mode: graph.ApprovalApproveOnly, Payload: draft,
		})
		assert.NoError(t, err)

		_, err = svc.Decide(ctx, "req-4", execution.ApprovalEdited,
			approval.WithEditedPayload(json.RawMessage(`{}`)))
		assert.Error(t, err)
	})

	t.Run("double decision rejected", func(t *testing.T) {
		steps := stepmem.New()
		svc := New(WithStepDAO(steps))

		awaitingStep(t, ctx, steps, "run-5", "send-welcome", "req-5", draft)
		err := svc.RequestApproval(ctx, &approval.Request{
			ID: "req-5", RunID: "run-5", StepID: "send-welcome",
			Mode: graph.ApprovalApproveOnly, Payload: draft,
		})
		assert.NoError(t, err)

		_, err = svc.Decide(ctx, "req-5", execution.ApprovalApproved)
		assert.NoError(t, err)
		_, err = svc.Decide(ctx, "req-5", execution.ApprovalRejected)
		assert.ErrorContains(t, err, "already decided")
	})
}

func TestService_ExceptionOnly(t *testing.T) {
	ctx := context.Background()
	draft := json.RawMessage(`{"action":"close ticket"}`)

	t.Run("grace window lapse auto-approves", func(t *testing.T) {
		steps := stepmem.New()
		svc := New(WithStepDAO(steps), WithGraceWindow(30*time.Millisecond))

		step := awaitingStep(t, ctx, steps, "run-6", "close-ticket", "req-6", draft)
		err := svc.RequestApproval(ctx, &approval.Request{
			ID: "req-6", RunID: "run-6", StepID: "close-ticket",
			Mode: graph.ApprovalExceptionOnly, Payload: draft,
		})
		assert.NoError(t, err)

		assert.Eventually(t, func() bool {
			return step.GetStatus() == execution.StepStateReady
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, execution.ApprovalApproved, step.Approval.Outcome)
	})

	t.Run("exception raised within window rejects", func(t *testing.T) {
		steps := stepmem.New()
		svc := New(WithStepDAO(steps), WithGraceWindow(time.Hour))

		step := awaitingStep(t, ctx, steps, "run-7", "close-ticket", "req-7", draft)
		err := svc.RequestApproval(ctx, &approval.Request{
			ID: "req-7", RunID: "run-7", StepID: "close-ticket",
			Mode: graph.ApprovalExceptionOnly, Payload: draft,
		})
		assert.NoError(t, err)

		_, err = svc.Decide(ctx, "req-7", execution.ApprovalRejected, approval.WithReason("customer disputed"))
		assert.NoError(t, err)
		assert.Equal(t, execution.StepStateFailed, step.GetStatus())
	})
}

func TestAutoApprove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	steps := stepmem.New()
	svc := New(WithStepDAO(steps))
	draft := json.RawMessage(`{"subject":"hi"}`)

	step := awaitingStep(t, ctx, steps, "run-8", "send-welcome", "req-8", draft)
	err := svc.RequestApproval(ctx, &approval.Request{
		ID: "req-8", RunID: "run-8", StepID: "send-welcome",
		Mode: graph.ApprovalApproveOnly, Payload: draft,
	})
	assert.NoError(t, err)

	stop := approval.AutoApprove(ctx, svc, 10*time.Millisecond)
	defer stop()

	assert.Eventually(t, func() bool {
		return step.GetStatus() == execution.StepStateReady
	}, time.Second, 10*time.Millisecond)
}

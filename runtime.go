package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/playbookops/conductor/internal/clock"
	"github.com/playbookops/conductor/model"
	"github.com/playbookops/conductor/model/graph"
	"github.com/playbookops/conductor/progress"
	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/approval"
	"github.com/playbookops/conductor/service/dao"
)

// Runtime is the steering surface for playbook runs: starting, watching,
// resuming, retrying and cancelling them.
type Runtime struct {
	service *Service
}

// waitPollInterval is how often Wait re-reads the run record.
const waitPollInterval = 25 * time.Millisecond

// LoadPlaybook loads and validates a playbook definition from the configured
// base location.
func (r *Runtime) LoadPlaybook(ctx context.Context, location string) (*model.Playbook, error) {
	return r.service.playbooks.Load(ctx, location)
}

// StartRun creates a run for the playbook and hands it to the scheduler. The
// returned Wait blocks until the run reaches a terminal state or the timeout
// lapses.
func (r *Runtime) StartRun(ctx context.Context, playbook *model.Playbook, contextVars map[string]interface{}) (*execution.Run, execution.Wait, error) {
	if playbook == nil {
		return nil, nil, fmt.Errorf("playbook is required")
	}
	if _, err := graph.Build(playbook.Steps); err != nil {
		return nil, nil, fmt.Errorf("invalid playbook %s: %w", playbook.Name, err)
	}
	run := execution.NewRun(playbook, contextVars)
	if err := r.service.runDAO.Save(ctx, run); err != nil {
		return nil, nil, err
	}
	r.service.scheduler.Kick(run.ID)
	return run, r.waitFunc(run.ID), nil
}

// WaitForRun returns a Wait for an already-started run.
func (r *Runtime) WaitForRun(runID string) execution.Wait {
	return r.waitFunc(runID)
}

func (r *Runtime) waitFunc(runID string) execution.Wait {
	started := clock.Now()
	return func(timeout time.Duration) (*execution.RunOutput, error) {
		deadline := clock.Now().Add(timeout)
		for {
			run, err := r.service.runDAO.Load(context.Background(), runID)
			if err != nil {
				return nil, err
			}
			status := run.GetStatus()
			if status.Terminal() {
				return &execution.RunOutput{
					RunID:     run.ID,
					Status:    status,
					Context:   run.Context,
					Errors:    run.Errors,
					TimeTaken: clock.Now().Sub(started),
				}, nil
			}
			if !clock.Now().Before(deadline) {
				return &execution.RunOutput{
					RunID:     run.ID,
					Status:    status,
					Context:   run.Context,
					Errors:    run.Errors,
					TimeTaken: clock.Now().Sub(started),
					TimedOut:  true,
				}, nil
			}
			time.Sleep(waitPollInterval)
		}
	}
}

// RunStatus returns the run record and its step instances.
func (r *Runtime) RunStatus(ctx context.Context, runID string) (*execution.Run, []*execution.StepInstance, error) {
	run, err := r.service.runDAO.Load(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := r.service.stepDAO.List(ctx, dao.NewParameter("RunID", runID))
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

// RunProgress returns aggregated step counters for a run.
func (r *Runtime) RunProgress(ctx context.Context, runID string) (progress.Progress, error) {
	run, steps, err := r.RunStatus(ctx, runID)
	if err != nil {
		return progress.Progress{}, err
	}
	return progress.Compute(run, steps), nil
}

// StepStatus returns a single step instance of a run.
func (r *Runtime) StepStatus(ctx context.Context, runID, stepID string) (*execution.StepInstance, error) {
	return r.service.stepDAO.Load(ctx, execution.StepKey(runID, stepID))
}

// ResumeStep unblocks a checkpointed or input-awaiting step with the
// supplied answer. The step re-enters the ready set at the next phase and
// the scheduler dispatches it with its saved checkpoint.
func (r *Runtime) ResumeStep(ctx context.Context, runID, stepID string, input json.RawMessage) error {
	step, err := r.service.stepDAO.Load(ctx, execution.StepKey(runID, stepID))
	if err != nil {
		return err
	}
	if err := step.Resume(input); err != nil {
		return err
	}
	if err := r.service.stepDAO.Save(ctx, step); err != nil {
		return err
	}
	r.service.scheduler.Kick(runID)
	return nil
}

// RetryStep resets a failed, timed-out or cancelled step for a fresh attempt
// and re-opens a failed run so the scheduler picks the step up again.
func (r *Runtime) RetryStep(ctx context.Context, runID, stepID string) error {
	run, err := r.service.runDAO.Load(ctx, runID)
	if err != nil {
		return err
	}
	step, err := r.service.stepDAO.Load(ctx, execution.StepKey(runID, stepID))
	if err != nil {
		return err
	}
	if err := step.NewAttempt(); err != nil {
		return err
	}
	if err := r.service.stepDAO.Save(ctx, step); err != nil {
		return err
	}
	if run.GetStatus() == execution.RunStateFailed {
		run.SetStatus(execution.RunStateRunning)
		run.FinishedAt = nil
		if err := r.service.runDAO.Save(ctx, run); err != nil && !errors.Is(err, dao.ErrVersionConflict) {
			return err
		}
	}
	r.service.scheduler.Kick(runID)
	return nil
}

// CancelRun stops a run: the record moves to cancelled, pending steps are
// cancelled and in-flight launches get their contexts terminated.
func (r *Runtime) CancelRun(ctx context.Context, runID string) error {
	return r.service.scheduler.Cancel(ctx, runID)
}

// ListRuns returns run records, optionally filtered by status.
func (r *Runtime) ListRuns(ctx context.Context, statuses ...execution.RunStatus) ([]*execution.Run, error) {
	var parameters []*dao.Parameter
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, status := range statuses {
			values = append(values, string(status))
		}
		parameters = append(parameters, dao.NewParameter("Status", values...))
	}
	return r.service.runDAO.List(ctx, parameters...)
}

// Recover picks up where a previous process stopped: dispatch messages are
// re-published for claimed steps and pending approval requests are rebuilt
// from the parked step records. Call once after a restart, before Start.
func (r *Runtime) Recover(ctx context.Context) error {
	if err := r.service.scheduler.Recover(ctx); err != nil {
		return err
	}
	return r.rehydrateApprovals(ctx)
}

// rehydrateApprovals re-registers an approval request for every step parked
// in awaiting_approval. Approval requests are ephemeral, but the owning step
// records the request id and payload in its history, so the pending set is
// reconstructible. An exception_only grace window restarts from recovery.
func (r *Runtime) rehydrateApprovals(ctx context.Context) error {
	steps, err := r.service.stepDAO.List(ctx,
		dao.NewParameter("Status", string(execution.StepStateAwaitingApproval)))
	if err != nil {
		return err
	}
	for _, step := range steps {
		requestID, payload := lastApprovalRequest(step)
		if requestID == "" {
			continue
		}
		mode := graph.ApprovalApproveOnly
		if run, err := r.service.runDAO.Load(ctx, step.RunID); err == nil {
			if def := run.Graph().Step(step.StepID); def != nil && def.Approval != "" {
				mode = def.Approval
			}
		}
		request := &approval.Request{
			ID:      requestID,
			RunID:   step.RunID,
			StepID:  step.StepID,
			Mode:    mode,
			Payload: payload,
		}
		if err := r.service.approvals.RequestApproval(ctx, request); err != nil {
			return fmt.Errorf("failed to rehydrate approval for %s: %w", step.ID, err)
		}
	}
	return nil
}

func lastApprovalRequest(step *execution.StepInstance) (string, json.RawMessage) {
	for i := len(step.History) - 1; i >= 0; i-- {
		if step.History[i].Type == execution.EventApprovalRequested {
			return step.History[i].Detail, step.History[i].Payload
		}
	}
	return "", nil
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	conductor "github.com/playbookops/conductor"
	"github.com/playbookops/conductor/progress"
	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/approval"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Playbook orchestrator",
		Long:  "Conductor runs playbooks as dependency graphs with checkpointed steps and human approval gates.",
	}
	rootCmd.PersistentFlags().String("data", ".conductor", "data directory for run records and the dispatch queue")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newApprovalsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newService builds a filesystem-backed service rooted at the data
// directory, so every command sees the same records.
func newService(cmd *cobra.Command) (*conductor.Service, error) {
	dataDir, _ := cmd.Flags().GetString("data")
	config := conductor.DefaultConfig()
	config.Store = conductor.StoreConfig{Backend: conductor.BackendFS, Path: dataDir + "/store"}
	config.Queue = conductor.QueueConfig{Backend: conductor.BackendFS, Path: dataDir + "/queue"}
	return conductor.New(conductor.WithConfig(config))
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <playbook>",
		Short: "Start a playbook run and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			ctx := cmd.Context()
			contextVars, err := parseContextVars(cmd)
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")

			if err := srv.Runtime().Recover(ctx); err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}

			playbook, err := srv.Runtime().LoadPlaybook(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load playbook: %w", err)
			}
			run, wait, err := srv.Runtime().StartRun(ctx, playbook, contextVars)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}
			fmt.Printf("Started run %s\n", run.ID)

			out, err := wait(timeout)
			if err != nil {
				return err
			}
			if out.TimedOut {
				fmt.Printf("Run %s still %s after %s; use `conductor serve` to keep it going\n",
					run.ID, out.Status, timeout)
				return nil
			}
			printRunOutcome(out)
			if out.Status != execution.RunStateSucceeded {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringArray("context", nil, "context variable as key=value, repeatable")
	cmd.Flags().Duration("timeout", 30*time.Minute, "how long to wait for the run to finish")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover and drive all open runs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			ctx := cmd.Context()
			if err := srv.Runtime().Recover(ctx); err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			fmt.Println("conductor serving; Ctrl-C to stop")

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			open, _ := cmd.Flags().GetBool("open")
			var statuses []execution.RunStatus
			if open {
				statuses = []execution.RunStatus{execution.RunStatePending, execution.RunStateRunning}
			}
			runs, err := srv.Runtime().ListRuns(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
			for _, run := range runs {
				fmt.Printf("%-50s %-10s %s\n", run.ID, run.Status, run.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().Bool("open", false, "only pending and running runs")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			run, steps, err := srv.Runtime().RunStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			snapshot := progress.Compute(run, steps)
			fmt.Printf("Run:      %s\n", run.ID)
			fmt.Printf("Status:   %s\n", run.Status)
			fmt.Printf("Progress: %d/%d steps (%d%%)\n", snapshot.Done(), snapshot.TotalSteps, snapshot.Percent())
			if run.CurrentStepID != "" {
				fmt.Printf("Current: %s\n", run.CurrentStepID)
			}
			sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })
			fmt.Println("Steps:")
			for _, step := range steps {
				line := fmt.Sprintf("  %-25s %-18s phase=%d attempts=%d",
					step.StepID, step.GetStatus(), step.Phase, step.Attempts)
				if step.Error != "" {
					line += " error=" + step.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id> <step-id> [input-json]",
		Short: "Answer a checkpointed or input-awaiting step",
		Long: "Resume unblocks a parked step with the supplied JSON input. The step\n" +
			"is dispatched at its next phase by `conductor run` or `conductor serve`.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			var input json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("input is not valid JSON")
				}
				input = json.RawMessage(args[2])
			}
			if err := srv.Runtime().ResumeStep(cmd.Context(), args[0], args[1], input); err != nil {
				return err
			}
			fmt.Printf("Step %s of run %s resumed\n", args[1], args[0])
			return nil
		},
	}
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id> <step-id>",
		Short: "Schedule a fresh attempt of a failed step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			if err := srv.Runtime().RetryStep(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Step %s of run %s scheduled for retry\n", args[1], args[0])
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			if err := srv.Runtime().CancelRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Run %s cancelled\n", args[0])
			return nil
		},
	}
}

func newApprovalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and decide pending approval requests",
	}
	cmd.AddCommand(newApprovalsListCommand())
	cmd.AddCommand(newDecideCommand("approve", execution.ApprovalApproved))
	cmd.AddCommand(newDecideCommand("reject", execution.ApprovalRejected))
	cmd.AddCommand(newEditCommand())
	return cmd
}

// approvalService recovers the pending request set from the parked step
// records before handing out the gate.
func approvalService(cmd *cobra.Command) (*conductor.Service, error) {
	srv, err := newService(cmd)
	if err != nil {
		return nil, err
	}
	if err := srv.Runtime().Recover(cmd.Context()); err != nil {
		srv.Shutdown()
		return nil, err
	}
	return srv, nil
}

func newApprovalsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := approvalService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			pending, err := srv.Approvals().ListPending(cmd.Context())
			if err != nil {
				return err
			}
			for _, request := range pending {
				fmt.Printf("%-40s %-16s %s/%s\n", request.ID, request.Mode, request.RunID, request.StepID)
				if len(request.Payload) > 0 {
					fmt.Printf("  payload: %s\n", request.Payload)
				}
			}
			return nil
		},
	}
}

func newDecideCommand(use string, outcome execution.ApprovalOutcome) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: "Resolve a pending request as " + string(outcome),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := approvalService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			reason, _ := cmd.Flags().GetString("reason")
			var opts []approval.DecideOption
			if reason != "" {
				opts = append(opts, approval.WithReason(reason))
			}
			if _, err := srv.Approvals().Decide(cmd.Context(), args[0], outcome, opts...); err != nil {
				return err
			}
			fmt.Printf("Request %s %s\n", args[0], outcome)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "justification recorded on the decision")
	return cmd
}

func newEditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <request-id> <payload-json>",
		Short: "Approve a review_and_edit request with an edited payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := approvalService(cmd)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			reason, _ := cmd.Flags().GetString("reason")
			opts := []approval.DecideOption{approval.WithEditedPayload(json.RawMessage(args[1]))}
			if reason != "" {
				opts = append(opts, approval.WithReason(reason))
			}
			if _, err := srv.Approvals().Decide(cmd.Context(), args[0], execution.ApprovalEdited, opts...); err != nil {
				return err
			}
			fmt.Printf("Request %s approved with edits\n", args[0])
			return nil
		},
	}
	cmd.Flags().String("reason", "", "justification recorded on the decision")
	return cmd
}

func parseContextVars(cmd *cobra.Command) (map[string]interface{}, error) {
	pairs, _ := cmd.Flags().GetStringArray("context")
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid context variable %q, expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func printRunOutcome(out *execution.RunOutput) {
	fmt.Printf("Run %s finished: %s (%s)\n", out.RunID, out.Status, out.TimeTaken.Round(time.Millisecond))
	if len(out.Errors) == 0 {
		return
	}
	stepIDs := make([]string, 0, len(out.Errors))
	for stepID := range out.Errors {
		stepIDs = append(stepIDs, stepID)
	}
	sort.Strings(stepIDs)
	for _, stepID := range stepIDs {
		fmt.Printf("  %s: %s\n", stepID, out.Errors[stepID])
	}
}

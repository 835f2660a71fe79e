package approval

import (
	"context"
	"time"

	"github.com/playbookops/conductor/runtime/execution"
)

// DecisionFunc decides what to do with a pending request.
// Return (ApprovalApproved, "") to approve,
//
//	(ApprovalRejected, "…") to reject with reason.
type DecisionFunc func(r *Request) (outcome execution.ApprovalOutcome, reason string)

// AutoDecider starts a goroutine that polls ListPending and applies fn to
// every request.  It returns stop() – call it (or cancel ctx) to exit.
func AutoDecider(ctx context.Context,
	svc Service,
	fn DecisionFunc,
	interval time.Duration) (stop func()) {

	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				reqs, _ := svc.ListPending(ctx)
				for _, r := range reqs {
					outcome, reason := fn(r)
					_, _ = svc.Decide(ctx, r.ID, outcome, WithReason(reason))
				}
			}
		}
	}()
	return func() { close(done) }
}

// AutoApprove automatically approves all pending requests
func AutoApprove(ctx context.Context,
	svc Service,
	interval time.Duration) func() {
	return AutoDecider(ctx, svc,
		func(*Request) (execution.ApprovalOutcome, string) {
			return execution.ApprovalApproved, ""
		}, interval)
}

// AutoReject automatically rejects all pending requests with the given reason
func AutoReject(ctx context.Context,
	svc Service,
	reason string,
	interval time.Duration) func() {
	return AutoDecider(ctx, svc,
		func(*Request) (execution.ApprovalOutcome, string) {
			return execution.ApprovalRejected, reason
		}, interval)
}

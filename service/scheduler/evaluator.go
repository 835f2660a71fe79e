package scheduler

import (
	"sort"

	"github.com/playbookops/conductor/model/graph"
	"github.com/playbookops/conductor/runtime/execution"
)

// Comparator orders simultaneously-ready steps for dispatch. The default
// comparator dispatches lower Order first, falling back to step id so the
// order is total.
type Comparator func(a, b *graph.StepDef) bool

// ByOrder is the default dispatch comparator.
func ByOrder(a, b *graph.StepDef) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.ID < b.ID
}

// evaluation is one readiness pass over a run's step instances.
type evaluation struct {
	// becameReady are blocked steps whose dependencies are all satisfied
	becameReady []*execution.StepInstance
	// dispatchable are ready steps in dispatch order (claims not yet made)
	dispatchable []*execution.StepInstance
	// doomed maps steps that can never run to the failed dependency
	doomed map[string]string
	// inflight counts steps a controller currently owns
	inflight int
	// active reports any step still ready, in flight or suspended
	active bool
	// failed reports any step in failed or timed_out
	failed bool
	// allSucceeded reports every instance succeeded
	allSucceeded bool
}

// evaluate computes one pass over the run. It only reads; the caller applies
// transitions afterwards so the run-record save can gate them.
func evaluate(g *graph.Graph, steps map[string]*execution.StepInstance, less Comparator) *evaluation {
	ev := &evaluation{
		doomed:       map[string]string{},
		allSucceeded: true,
	}

	// Failure cascade: transitive dependents of a failed or timed-out step
	// are permanently blocked.
	for _, step := range steps {
		status := step.GetStatus()
		switch status {
		case execution.StepStateFailed, execution.StepStateTimedOut:
			ev.failed = true
			for dependent := range g.TransitiveDependents(step.StepID) {
				ev.doomed[dependent] = step.StepID
			}
		}
	}

	for _, def := range g.Steps() {
		step, ok := steps[def.ID]
		if !ok {
			continue
		}
		status := step.GetStatus()
		if status != execution.StepStateSucceeded {
			ev.allSucceeded = false
		}
		if status.InFlight() {
			ev.inflight++
		}
		if status == execution.StepStateReady || status.InFlight() || status.Suspended() {
			ev.active = true
		}

		switch status {
		case execution.StepStateBlocked:
			if _, isDoomed := ev.doomed[def.ID]; isDoomed {
				continue
			}
			if depsSatisfied(def, steps) {
				ev.becameReady = append(ev.becameReady, step)
				ev.active = true
			}
		case execution.StepStateReady:
			ev.dispatchable = append(ev.dispatchable, step)
		}
	}

	// Steps that just became ready are dispatchable in the same pass.
	ev.dispatchable = append(ev.dispatchable, ev.becameReady...)
	sort.SliceStable(ev.dispatchable, func(i, j int) bool {
		return less(g.Step(ev.dispatchable[i].StepID), g.Step(ev.dispatchable[j].StepID))
	})
	return ev
}

func depsSatisfied(def *graph.StepDef, steps map[string]*execution.StepInstance) bool {
	for _, depID := range def.DependsOn {
		dep, ok := steps[depID]
		if !ok || dep.GetStatus() != execution.StepStateSucceeded {
			return false
		}
	}
	return true
}

// terminalStatus reports the run status the pass settles on, or "" when the
// run is still in progress. Failure is terminal-propagating but never aborts
// already-active independent branches.
func (ev *evaluation) terminalStatus() execution.RunStatus {
	if ev.active {
		return ""
	}
	if ev.failed {
		return execution.RunStateFailed
	}
	if ev.allSucceeded {
		return execution.RunStateSucceeded
	}
	return ""
}

package execution

import (
	"sync"
	"time"

	"github.com/playbookops/conductor/internal/clock"
	"github.com/playbookops/conductor/internal/idgen"
	"github.com/playbookops/conductor/model"
	"github.com/playbookops/conductor/model/graph"
)

// Run is one instantiation of a playbook graph bound to input context
// variables. The record is versioned: SCN increments on every successful
// save, and a stale save is rejected, which gives evaluation passes their
// per-run exclusivity without shared mutable memory.
type Run struct {
	ID            string                 `json:"id"`
	PlaybookName  string                 `json:"playbookName"`
	Steps         []*graph.StepDef       `json:"steps"`
	SCN           int                    `json:"scn"`
	Status        RunStatus              `json:"status"`
	Context       map[string]interface{} `json:"context,omitempty"`
	CurrentStepID string                 `json:"currentStepId,omitempty"`
	Errors        map[string]string      `json:"errors,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	FinishedAt    *time.Time             `json:"finishedAt,omitempty"`

	mu    sync.RWMutex
	graph *graph.Graph // rebuilt lazily from Steps after load
}

// NewRun creates a pending run for the supplied playbook.
func NewRun(playbook *model.Playbook, contextVars map[string]interface{}) *Run {
	if contextVars == nil {
		contextVars = make(map[string]interface{})
	}
	now := clock.Now()
	return &Run{
		ID:           playbook.Name + "/" + idgen.New(),
		PlaybookName: playbook.Name,
		Steps:        playbook.Steps,
		Status:       RunStatePending,
		Context:      contextVars,
		Errors:       make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Graph returns the run's dependency graph, rebuilding it from the stored
// step definitions when needed. Steps are validated at run creation, so a
// rebuild cannot fail; a nil graph is only possible for a corrupted record.
func (r *Run) Graph() *graph.Graph {
	r.mu.RLock()
	g := r.graph
	r.mu.RUnlock()
	if g != nil {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.graph == nil {
		r.graph, _ = graph.Build(r.Steps)
	}
	return r.graph
}

// GetStatus returns the run status.
func (r *Run) GetStatus() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status
}

// SetStatus updates the run status, stamping FinishedAt on terminal states.
func (r *Run) SetStatus(status RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = status
	r.UpdatedAt = clock.Now()
	if status.Terminal() {
		now := clock.Now()
		r.FinishedAt = &now
	}
}

// RecordError notes a step-level error on the run record.
func (r *Run) RecordError(stepID, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[stepID] = detail
}

// CopyFrom updates mutable fields from src without copying the mutex.
// Used by the in-memory store to keep a single canonical pointer per run.
func (r *Run) CopyFrom(src *Run) {
	if src == nil || src == r {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SCN = src.SCN
	r.Status = src.Status
	r.Context = src.Context
	r.CurrentStepID = src.CurrentStepID
	r.Errors = src.Errors
	r.UpdatedAt = src.UpdatedAt
	r.FinishedAt = src.FinishedAt
}

// Clone creates a deep copy safe for mutation outside the store. Step
// definitions are immutable per run and shared.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Run{
		ID:            r.ID,
		PlaybookName:  r.PlaybookName,
		Steps:         r.Steps,
		SCN:           r.SCN,
		Status:        r.Status,
		CurrentStepID: r.CurrentStepID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		FinishedAt:    r.FinishedAt,
		graph:         r.graph,
	}
	if r.Context != nil {
		out.Context = make(map[string]interface{}, len(r.Context))
		for k, v := range r.Context {
			out.Context[k] = v
		}
	}
	if r.Errors != nil {
		out.Errors = make(map[string]string, len(r.Errors))
		for k, v := range r.Errors {
			out.Errors[k] = v
		}
	}
	return out
}

// Wait blocks until the run reaches a terminal state or the timeout lapses.
type Wait func(timeout time.Duration) (*RunOutput, error)

// RunOutput summarises a finished (or timed-out wait on a) run.
type RunOutput struct {
	RunID     string
	Status    RunStatus
	Context   map[string]interface{}
	Errors    map[string]string
	TimeTaken time.Duration
	TimedOut  bool
}

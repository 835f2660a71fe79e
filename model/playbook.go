package model

import (
	"fmt"

	"github.com/playbookops/conductor/model/graph"
)

// Variable declares an input the playbook expects in the run context.
type Variable struct {
	Name        string `json:"name" yaml:"name"`
	Source      string `json:"source,omitempty" yaml:"source,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Source records where a playbook definition was loaded from.
type Source struct {
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Playbook is a named, versioned DAG of steps with approval and dependency
// metadata. The orchestrator receives it already parsed; authoring and
// markdown-body validation happen upstream.
type Playbook struct {
	Source      *Source          `json:"source,omitempty" yaml:"source,omitempty"`
	Name        string           `json:"name" yaml:"name"`
	Version     string           `json:"version,omitempty" yaml:"version,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string           `json:"category,omitempty" yaml:"category,omitempty"`
	Variables   []*Variable      `json:"variables,omitempty" yaml:"variables,omitempty"`
	Steps       []*graph.StepDef `json:"steps" yaml:"steps"`
}

// Graph builds and validates the playbook's dependency graph.
func (p *Playbook) Graph() (*graph.Graph, error) {
	return graph.Build(p.Steps)
}

// Validate checks structural soundness: at least one step, a buildable graph,
// and recognised approval modes. Missing approval modes default upstream to
// approve_only, so only explicitly invalid values are rejected here.
func (p *Playbook) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook %q has no steps", p.Name)
	}
	for _, step := range p.Steps {
		if step.Approval != "" && !step.Approval.Valid() {
			return fmt.Errorf("step %q has unknown approval mode %q", step.ID, step.Approval)
		}
	}
	_, err := p.Graph()
	return err
}

// RequiredVariables returns the names of variables marked required.
func (p *Playbook) RequiredVariables() []string {
	var out []string
	for _, v := range p.Variables {
		if v.Required {
			out = append(out, v.Name)
		}
	}
	return out
}

package graph

// ApprovalMode governs which human decisions may gate a step before its
// side-effecting phase runs.
type ApprovalMode string

const (
	// ApprovalApproveOnly blocks the step until an explicit approve/reject.
	ApprovalApproveOnly ApprovalMode = "approve_only"
	// ApprovalReviewAndEdit blocks like approve_only but the decision may
	// carry an edited payload that replaces the draft before resume.
	ApprovalReviewAndEdit ApprovalMode = "review_and_edit"
	// ApprovalExceptionOnly auto-resumes unless an exception is raised
	// within a grace window.
	ApprovalExceptionOnly ApprovalMode = "exception_only"
)

// Valid reports whether the mode is one of the recognised approval modes.
func (m ApprovalMode) Valid() bool {
	switch m {
	case ApprovalApproveOnly, ApprovalReviewAndEdit, ApprovalExceptionOnly:
		return true
	}
	return false
}

// StepDef describes a single playbook step as supplied by the external
// parser. The orchestrator is agnostic to what a step does; it only consumes
// this metadata.
type StepDef struct {
	ID             string                 `json:"id" yaml:"id"`
	Order          int                    `json:"order,omitempty" yaml:"order,omitempty"`
	Title          string                 `json:"title,omitempty" yaml:"title,omitempty"`
	Instruction    string                 `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	DependsOn      []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Approval       ApprovalMode           `json:"approval,omitempty" yaml:"approval,omitempty"`
	TimeoutMinutes int                    `json:"timeoutMinutes,omitempty" yaml:"timeoutMinutes,omitempty"`
	Interactive    bool                   `json:"interactive,omitempty" yaml:"interactive,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// WithDependsOn adds a dependency to the step definition.
func (s *StepDef) WithDependsOn(ids ...string) *StepDef {
	s.DependsOn = append(s.DependsOn, ids...)
	return s
}

// WithApproval sets the approval mode.
func (s *StepDef) WithApproval(mode ApprovalMode) *StepDef {
	s.Approval = mode
	return s
}

// WithTimeout sets the step timeout in minutes.
func (s *StepDef) WithTimeout(minutes int) *StepDef {
	s.TimeoutMinutes = minutes
	return s
}

package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies playbook graph validation failures.
type ErrorKind string

const (
	KindDuplicateID       ErrorKind = "DuplicateId"
	KindUnknownDependency ErrorKind = "UnknownDependency"
	KindCycle             ErrorKind = "Cycle"
)

// Kind sentinels so callers can use errors.Is without inspecting fields.
var (
	ErrDuplicateID       = errors.New("duplicate step id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("cyclic dependency")
)

// Error describes a malformed playbook graph. Graph errors are fatal and
// rejected before any run starts.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid playbook graph (%s): %s", e.Kind, e.Detail)
}

// Is maps the error kind onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDuplicateID:
		return e.Kind == KindDuplicateID
	case ErrUnknownDependency:
		return e.Kind == KindUnknownDependency
	case ErrCycle:
		return e.Kind == KindCycle
	}
	return false
}

package dao

import (
	"context"
)

// Service is the generic persistence contract orchestrator records flow
// through. Saves are full overwrites, atomic per key; there are no partial
// updates. Backends may additionally enforce optimistic versioning and
// reject stale writes with ErrVersionConflict.
type Service[K comparable, T any] interface {
	Save(ctx context.Context, t *T) error

	Load(ctx context.Context, id K) (*T, error)

	Delete(ctx context.Context, id K) error

	List(ctx context.Context, parameters ...*Parameter) ([]*T, error)
}

// Package inproc runs step handlers as plain Go functions in-process. It is
// the default executor for tests, examples and headless runs.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/playbookops/conductor/service/launcher"
)

// Handler executes one phase of a step.
type Handler func(ctx context.Context, job *launcher.Job) (*launcher.Signal, error)

// Service dispatches jobs to handlers registered per step id. Steps without
// a registered handler fall back to the default handler, which echoes the
// job input back as output.
type Service struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// Option configures the in-process launcher.
type Option func(*Service)

// WithFallback replaces the default echo handler.
func WithFallback(handler Handler) Option {
	return func(s *Service) {
		s.fallback = handler
	}
}

// New creates an in-process launcher.
func New(opts ...Option) *Service {
	ret := &Service{
		handlers: make(map[string]Handler),
		fallback: Echo,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Register binds a handler to a step id, replacing any previous binding.
func (s *Service) Register(stepID string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[stepID] = handler
}

// Launch runs the handler registered for the job's step.
func (s *Service) Launch(ctx context.Context, job *launcher.Job) (*launcher.Signal, error) {
	if job == nil {
		return nil, &launcher.DispatchError{Reason: "nil job"}
	}
	s.mu.RLock()
	handler, ok := s.handlers[job.StepID]
	s.mu.RUnlock()
	if !ok {
		handler = s.fallback
	}
	if handler == nil {
		return nil, &launcher.DispatchError{Reason: fmt.Sprintf("no handler for step %s", job.StepID)}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return handler(ctx, job)
}

// Echo succeeds immediately, reflecting the job input back as output. It
// mirrors the simplest possible executor and keeps dependency output
// plumbing observable in tests.
func Echo(_ context.Context, job *launcher.Job) (*launcher.Signal, error) {
	output := map[string]interface{}{"echo": job.Input}
	if job.Instruction != "" {
		output["instruction"] = job.Instruction
	}
	return &launcher.Signal{Kind: launcher.SignalSucceeded, Output: output}, nil
}

var _ launcher.Launcher = (*Service)(nil)

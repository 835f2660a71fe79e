package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/dao/criteria"
)

// Service is an in-memory step instance store. Unlike the run store it hands
// out the canonical pointer: the instance's own mutex guards its transitions,
// and the conditional Claim on the shared record is what makes concurrent
// dispatch attempts fail deterministically.
type Service struct {
	steps map[string]*execution.StepInstance
	mux   sync.RWMutex
}

var _ dao.Service[string, execution.StepInstance] = (*Service)(nil)

func (s *Service) Save(_ context.Context, step *execution.StepInstance) error {
	if step == nil {
		return dao.ErrNilEntity
	}
	if step.ID == "" {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	s.steps[step.ID] = step
	return nil
}

func (s *Service) Load(_ context.Context, id string) (*execution.StepInstance, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}

	s.mux.RLock()
	step, ok := s.steps[id]
	s.mux.RUnlock()

	if !ok {
		return nil, dao.ErrNotFound
	}
	return step, nil
}

func (s *Service) Delete(_ context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.steps[id]; !ok {
		return dao.ErrNotFound
	}
	delete(s.steps, id)
	return nil
}

// List returns step instances, filtered by RunID and/or Status parameters.
func (s *Service) List(_ context.Context, parameters ...*dao.Parameter) ([]*execution.StepInstance, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	out := make([]*execution.StepInstance, 0, len(s.steps))
	for _, step := range s.steps {
		if !criteria.FilterByField("RunID", step.RunID, parameters) {
			continue
		}
		if !criteria.FilterByField("Status", string(step.GetStatus()), parameters) {
			continue
		}
		out = append(out, step)
	}
	return out, nil
}

// DeleteRun removes every step instance belonging to a run (run archival).
func (s *Service) DeleteRun(_ context.Context, runID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	prefix := runID + "/"
	for id := range s.steps {
		if strings.HasPrefix(id, prefix) {
			delete(s.steps, id)
		}
	}
	return nil
}

func New() *Service {
	return &Service{steps: map[string]*execution.StepInstance{}}
}

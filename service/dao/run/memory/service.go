package memory

import (
	"context"
	"sync"

	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/dao/criteria"
)

// Service is an in-memory, versioned run store. Load hands out deep copies
// and Save applies a compare-and-swap on the run's SCN, so two evaluation
// passes working from the same snapshot cannot both commit — the loser gets
// dao.ErrVersionConflict and must reload.
type Service struct {
	runs map[string]*execution.Run
	mux  sync.RWMutex
}

var _ dao.Service[string, execution.Run] = (*Service)(nil)

func (s *Service) Save(_ context.Context, r *execution.Run) error {
	if r == nil {
		return dao.ErrNilEntity
	}
	if r.ID == "" {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if existing, ok := s.runs[r.ID]; ok {
		if existing.SCN != r.SCN {
			return dao.ErrVersionConflict
		}
	}
	stored := r.Clone()
	stored.SCN++
	s.runs[r.ID] = stored
	r.SCN = stored.SCN
	return nil
}

func (s *Service) Load(_ context.Context, id string) (*execution.Run, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}

	s.mux.RLock()
	r, ok := s.runs[id]
	s.mux.RUnlock()

	if !ok {
		return nil, dao.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Service) Delete(_ context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.runs[id]; !ok {
		return dao.ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

func (s *Service) List(_ context.Context, parameters ...*dao.Parameter) ([]*execution.Run, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	out := make([]*execution.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if !criteria.FilterByField("Status", string(r.Status), parameters) {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func New() *Service {
	return &Service{runs: map[string]*execution.Run{}}
}

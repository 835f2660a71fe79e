package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/option"
	"github.com/viant/afs/url"

	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/dao/criteria"
)

// Service persists step instances as one JSON document per (runId, stepId)
// key. Every Save is a full-document overwrite, so a controller crash
// between an executor signal and the store update leaves the previous
// status (dispatched) observable on restart — exactly what recovery needs.
type Service struct {
	basePath string
	fs       afs.Service
	mu       sync.RWMutex
}

var _ dao.Service[string, execution.StepInstance] = (*Service)(nil)

func (s *Service) Save(ctx context.Context, step *execution.StepInstance) error {
	if step == nil {
		return dao.ErrNilEntity
	}
	if step.ID == "" {
		return dao.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(step.Clone())
	if err != nil {
		return fmt.Errorf("failed to marshal step %s: %w", step.ID, err)
	}
	filePath := s.stepPath(step.ID)
	if err = s.fs.Upload(ctx, filePath, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to save step to %s: %w", filePath, err)
	}
	return nil
}

func (s *Service) Load(ctx context.Context, id string) (*execution.StepInstance, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	filePath := s.stepPath(id)
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to check step file %s: %w", filePath, err)
	}
	if !exists {
		return nil, dao.ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read step file %s: %w", filePath, err)
	}
	var step execution.StepInstance
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step from %s: %w", filePath, err)
	}
	return &step, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.stepPath(id)
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to check step file %s: %w", filePath, err)
	}
	if !exists {
		return dao.ErrNotFound
	}
	return s.fs.Delete(ctx, filePath)
}

func (s *Service) List(ctx context.Context, parameters ...*dao.Parameter) ([]*execution.StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects, err := s.fs.List(ctx, s.basePath, option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("failed to list step files: %w", err)
	}

	var steps []*execution.StepInstance
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), ".json") {
			continue
		}
		data, err := s.fs.Download(ctx, object)
		if err != nil {
			continue
		}
		var step execution.StepInstance
		if err := json.Unmarshal(data, &step); err != nil {
			continue
		}
		if !criteria.FilterByField("RunID", step.RunID, parameters) {
			continue
		}
		if !criteria.FilterByField("Status", string(step.Status), parameters) {
			continue
		}
		steps = append(steps, &step)
	}
	return steps, nil
}

func (s *Service) stepPath(id string) string {
	return path.Join(s.basePath, id+".json")
}

// New creates a filesystem step store rooted at basePath.
func New(basePath string) (*Service, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	fsService := afs.New()
	ctx := context.Background()
	if exists, _ := fsService.Exists(ctx, basePath); !exists {
		if err := fsService.Create(ctx, basePath, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}
	return &Service{
		basePath: url.Normalize(basePath, file.Scheme),
		fs:       fsService,
	}, nil
}

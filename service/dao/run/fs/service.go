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

// Service persists runs as one JSON document per run id. Versioning is
// enforced read-compare-write under the service mutex, which is sufficient
// for the single-process orchestrator this backend serves; multi-node
// deployments should use a store with native conditional writes.
type Service struct {
	basePath string
	fs       afs.Service
	mu       sync.Mutex
}

var _ dao.Service[string, execution.Run] = (*Service)(nil)

// Save persists a run, rejecting stale SCNs.
func (s *Service) Save(ctx context.Context, run *execution.Run) error {
	if run == nil {
		return dao.ErrNilEntity
	}
	if run.ID == "" {
		return dao.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.runPath(run.ID)
	if existing, err := s.load(ctx, filePath); err == nil {
		if existing.SCN != run.SCN {
			return dao.ErrVersionConflict
		}
	}
	stored := run.Clone()
	stored.SCN++

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}
	if err = s.fs.Upload(ctx, filePath, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to save run to %s: %w", filePath, err)
	}
	run.SCN = stored.SCN
	return nil
}

// Load retrieves a run by id.
func (s *Service) Load(ctx context.Context, id string) (*execution.Run, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}
	return s.load(ctx, s.runPath(id))
}

func (s *Service) load(ctx context.Context, filePath string) (*execution.Run, error) {
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to check run file %s: %w", filePath, err)
	}
	if !exists {
		return nil, dao.ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file %s: %w", filePath, err)
	}
	var run execution.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run from %s: %w", filePath, err)
	}
	return &run, nil
}

// Delete removes a run document.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.runPath(id)
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to check run file %s: %w", filePath, err)
	}
	if !exists {
		return dao.ErrNotFound
	}
	return s.fs.Delete(ctx, filePath)
}

// List returns all stored runs, optionally filtered by Status.
func (s *Service) List(ctx context.Context, parameters ...*dao.Parameter) ([]*execution.Run, error) {
	objects, err := s.fs.List(ctx, s.basePath, option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("failed to list run files: %w", err)
	}

	var runs []*execution.Run
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), ".json") {
			continue
		}
		data, err := s.fs.Download(ctx, object)
		if err != nil {
			continue
		}
		var run execution.Run
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		if !criteria.FilterByField("Status", string(run.Status), parameters) {
			continue
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

// runPath returns the document path for a run; the id may contain slashes
// (playbook/uuid) which map onto subdirectories.
func (s *Service) runPath(id string) string {
	return path.Join(s.basePath, id+".json")
}

// New creates a filesystem run store rooted at basePath.
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

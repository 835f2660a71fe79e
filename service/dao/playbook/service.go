package playbook

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/playbookops/conductor/model"
)

// Service loads playbook definitions from yaml documents or markdown
// playbooks with a yaml frontmatter block. Loaded playbooks are cached
// by their resolved URL.
type Service struct {
	fs      afs.Service
	baseURL string
	mu      sync.RWMutex
	cache   map[string]*model.Playbook
}

// Option configures the playbook service.
type Option func(*Service)

// WithBaseURL sets the base URL relative locations resolve against.
func WithBaseURL(baseURL string) Option {
	return func(s *Service) {
		s.baseURL = baseURL
	}
}

// WithFS sets a custom afs service, used by tests with embed or mem schemes.
func WithFS(fs afs.Service) Option {
	return func(s *Service) {
		s.fs = fs
	}
}

// New creates a playbook service.
func New(opts ...Option) *Service {
	ret := &Service{
		fs:    afs.New(),
		cache: make(map[string]*model.Playbook),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Load fetches, decodes and validates the playbook at the given location.
// Markdown documents must carry a `---` fenced yaml frontmatter block; the
// markdown body below it is ignored here.
func (s *Service) Load(ctx context.Context, location string) (*model.Playbook, error) {
	url := s.resolve(location)

	s.mu.RLock()
	cached, ok := s.cache[url]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := s.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to load playbook %s: %w", url, err)
	}
	if strings.HasSuffix(url, ".md") {
		if data, err = extractFrontmatter(data); err != nil {
			return nil, fmt.Errorf("failed to parse playbook %s: %w", url, err)
		}
	}

	playbook := &model.Playbook{}
	if err := yaml.Unmarshal(data, playbook); err != nil {
		return nil, fmt.Errorf("failed to decode playbook %s: %w", url, err)
	}
	playbook.Source = &model.Source{URL: url}
	if playbook.Name == "" {
		playbook.Name = strings.TrimSuffix(path.Base(url), path.Ext(url))
	}
	if err := playbook.Validate(); err != nil {
		return nil, fmt.Errorf("invalid playbook %s: %w", url, err)
	}

	s.mu.Lock()
	s.cache[url] = playbook
	s.mu.Unlock()
	return playbook, nil
}

// Invalidate drops a cached playbook so the next Load re-reads the source.
func (s *Service) Invalidate(location string) {
	url := s.resolve(location)
	s.mu.Lock()
	delete(s.cache, url)
	s.mu.Unlock()
}

func (s *Service) resolve(location string) string {
	if s.baseURL == "" || strings.Contains(location, "://") || strings.HasPrefix(location, "/") {
		return location
	}
	return strings.TrimSuffix(s.baseURL, "/") + "/" + location
}

var frontmatterFence = []byte("---")

// extractFrontmatter returns the yaml block fenced by the leading `---`
// markers of a markdown playbook.
func extractFrontmatter(data []byte) ([]byte, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if !bytes.HasPrefix(trimmed, frontmatterFence) {
		return nil, fmt.Errorf("missing frontmatter block")
	}
	rest := trimmed[len(frontmatterFence):]
	idx := bytes.Index(rest, []byte("\n---"))
	if idx == -1 {
		return nil, fmt.Errorf("unterminated frontmatter block")
	}
	return rest[:idx], nil
}

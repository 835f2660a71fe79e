// Package fs provides a filesystem-backed queue so dispatched work survives a
// process restart. Messages live as json files under pending/, move to
// inflight/ while a consumer holds them, and land in dlq/ once the retry
// budget is spent. Files are named with a nanosecond timestamp prefix so
// lexicographic listing yields publish order.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/storage"

	"github.com/playbookops/conductor/internal/clock"
	"github.com/playbookops/conductor/internal/idgen"
	"github.com/playbookops/conductor/service/messaging"
)

// QueueConfig holds configuration for the filesystem queue.
type QueueConfig struct {
	BasePath     string
	MaxRetries   int
	PollInterval time.Duration
}

// DefaultConfig returns a default queue configuration.
func DefaultConfig() QueueConfig {
	return QueueConfig{
		BasePath:     "/tmp/conductor/queue",
		MaxRetries:   3,
		PollInterval: 50 * time.Millisecond,
	}
}

type envelope[T any] struct {
	ID        string    `json:"id"`
	Data      T         `json:"data"`
	Retries   int       `json:"retries"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is an in-flight delivery backed by a file under inflight/.
type Message[T any] struct {
	envelope envelope[T]
	filename string
	queue    *Queue[T]
	mu       sync.Mutex
	settled  bool
}

// T returns the message payload
func (m *Message[T]) T() *T {
	return &m.envelope.Data
}

// Ack removes the inflight file, completing delivery.
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return fmt.Errorf("message %s already settled", m.envelope.ID)
	}
	m.settled = true
	return m.queue.fs.Delete(context.Background(), path.Join(m.queue.inflightDir, m.filename))
}

// Nack re-queues the message for another attempt, or parks it on the DLQ
// once the retry budget is spent.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return fmt.Errorf("message %s already settled", m.envelope.ID)
	}
	m.settled = true

	m.envelope.Retries++
	if err != nil {
		m.envelope.LastError = err.Error()
	}

	ctx := context.Background()
	destDir := m.queue.pendingDir
	if m.envelope.Retries > m.queue.config.MaxRetries {
		destDir = m.queue.dlqDir
	}
	if uploadErr := m.queue.write(ctx, path.Join(destDir, m.filename), &m.envelope); uploadErr != nil {
		return uploadErr
	}
	return m.queue.fs.Delete(ctx, path.Join(m.queue.inflightDir, m.filename))
}

// Queue implements a filesystem-based messaging.Queue.
type Queue[T any] struct {
	fs          afs.Service
	config      QueueConfig
	pendingDir  string
	inflightDir string
	dlqDir      string
	mu          sync.Mutex
}

// NewQueue creates a filesystem queue rooted at config.BasePath.
func NewQueue[T any](fs afs.Service, config QueueConfig) (*Queue[T], error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	q := &Queue[T]{
		fs:          fs,
		config:      config,
		pendingDir:  path.Join(config.BasePath, "pending"),
		inflightDir: path.Join(config.BasePath, "inflight"),
		dlqDir:      path.Join(config.BasePath, "dlq"),
	}
	ctx := context.Background()
	for _, dir := range []string{q.pendingDir, q.inflightDir, q.dlqDir} {
		if exists, _ := fs.Exists(ctx, dir); exists {
			continue
		}
		if err := fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return q, nil
}

// Publish writes a new message file into pending/.
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	env := envelope[T]{
		ID:        idgen.New(),
		Data:      *t,
		CreatedAt: clock.NowFunc(),
	}
	filename := fmt.Sprintf("%020d-%s.json", env.CreatedAt.UnixNano(), env.ID)
	return q.write(ctx, path.Join(q.pendingDir, filename), &env)
}

// Consume blocks until a pending message is available or the context is
// cancelled. The returned message is moved to inflight/ before it is handed
// to the caller, so a crashed consumer leaves an observable trace.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()
	for {
		msg, err := q.tryConsume(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue[T]) tryConsume(ctx context.Context) (*Message[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	objects, err := q.fs.List(ctx, q.pendingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	var pending []storage.Object
	for _, obj := range objects {
		if !obj.IsDir() && strings.HasSuffix(obj.Name(), ".json") {
			pending = append(pending, obj)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name() < pending[j].Name() })
	obj := pending[0]

	data, err := q.fs.DownloadWithURL(ctx, obj.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", obj.URL(), err)
	}
	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		// Park the unreadable file so it does not wedge the queue.
		_ = q.fs.Move(ctx, obj.URL(), path.Join(q.dlqDir, "invalid-"+obj.Name()))
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", obj.URL(), err)
	}

	if err := q.write(ctx, path.Join(q.inflightDir, obj.Name()), &env); err != nil {
		return nil, fmt.Errorf("failed to move message to inflight: %w", err)
	}
	if err := q.fs.Delete(ctx, obj.URL()); err != nil {
		return nil, fmt.Errorf("failed to delete pending message: %w", err)
	}
	return &Message[T]{envelope: env, filename: obj.Name(), queue: q}, nil
}

// PendingSize returns the number of messages waiting in pending/.
func (q *Queue[T]) PendingSize(ctx context.Context) (int, error) {
	return q.countFiles(ctx, q.pendingDir)
}

// DLQSize returns the number of messages parked on the dead letter queue.
func (q *Queue[T]) DLQSize(ctx context.Context) (int, error) {
	return q.countFiles(ctx, q.dlqDir)
}

func (q *Queue[T]) countFiles(ctx context.Context, dir string) (int, error) {
	objects, err := q.fs.List(ctx, dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, obj := range objects {
		if !obj.IsDir() && strings.HasSuffix(obj.Name(), ".json") {
			count++
		}
	}
	return count, nil
}

func (q *Queue[T]) write(ctx context.Context, dest string, env *envelope[T]) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return q.fs.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewBuffer(data))
}

var _ messaging.Queue[any] = (*Queue[any])(nil)

package conductor

import (
	"fmt"
	"time"
)

// Storage backends for run and step records.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// Config is a serialisable representation of the orchestrator configuration.
// It can be populated from JSON, YAML, environment variables, etc. The
// zero-value is useful: all nested fields inherit their package defaults.
type Config struct {
	Store      StoreConfig      `json:"store" yaml:"store"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Controller ControllerConfig `json:"controller" yaml:"controller"`
	Approval   ApprovalConfig   `json:"approval" yaml:"approval"`
	Playbooks  PlaybookConfig   `json:"playbooks" yaml:"playbooks"`
}

// StoreConfig selects the run/step record store.
type StoreConfig struct {
	// Backend is one of memory, fs or sqlite.
	Backend string `json:"backend" yaml:"backend"`
	// Path is the base directory (fs) or database file (sqlite).
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// QueueConfig selects the dispatch queue.
type QueueConfig struct {
	// Backend is one of memory or fs.
	Backend string `json:"backend" yaml:"backend"`
	// Path is the queue base directory for the fs backend.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SchedulerConfig tunes the readiness evaluation loop.
type SchedulerConfig struct {
	PollingInterval    time.Duration `json:"pollingInterval" yaml:"pollingInterval"`
	MaxConcurrentSteps int           `json:"maxConcurrentSteps" yaml:"maxConcurrentSteps"`
}

// ControllerConfig tunes dispatched-step execution.
type ControllerConfig struct {
	WorkerCount        int           `json:"workers" yaml:"workers"`
	DefaultTimeout     time.Duration `json:"defaultTimeout" yaml:"defaultTimeout"`
	DispatchRetryDelay time.Duration `json:"dispatchRetryDelay" yaml:"dispatchRetryDelay"`
}

// ApprovalConfig tunes the approval gate.
type ApprovalConfig struct {
	// GraceWindow is how long an exception_only step waits for an exception
	// before it auto-approves.
	GraceWindow time.Duration `json:"graceWindow" yaml:"graceWindow"`
}

// PlaybookConfig locates playbook definitions.
type PlaybookConfig struct {
	BaseURL string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
}

// DefaultConfig returns a Config populated with the same defaults the
// sub-package constructors use. Callers may modify the returned struct
// before passing it to New via WithConfig.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{Backend: BackendMemory},
		Queue: QueueConfig{Backend: BackendMemory},
		Scheduler: SchedulerConfig{
			PollingInterval: 100 * time.Millisecond,
		},
		Controller: ControllerConfig{
			WorkerCount:        5,
			DefaultTimeout:     30 * time.Minute,
			DispatchRetryDelay: 2 * time.Second,
		},
		Approval: ApprovalConfig{
			GraceWindow: 15 * time.Minute,
		},
	}
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Store.Backend {
	case "", BackendMemory:
	case BackendFS, BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case "", BackendMemory:
	case BackendFS:
		if c.Queue.Path == "" {
			return fmt.Errorf("queue.path is required for the fs backend")
		}
	default:
		return fmt.Errorf("unknown queue backend: %s", c.Queue.Backend)
	}
	if c.Controller.WorkerCount < 0 {
		return fmt.Errorf("controller.workers must not be negative")
	}
	if c.Scheduler.MaxConcurrentSteps < 0 {
		return fmt.Errorf("scheduler.maxConcurrentSteps must not be negative")
	}
	return nil
}

// Package config loads and validates the orchestration core's runtime
// configuration: a single struct, env/flag overrides applied by the
// caller, defaults filled by ApplyDefaults, and an aggregated Validate.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestration server's runtime tunables.
type Config struct {
	// CheckpointInterval is how many completed steps elapse between
	// checkpoint writes. A value of 1 checkpoints after every step.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// BatchWindowMs is the debounce window the Wakeup Service coalesces
	// events within before creating a follow-up execution.
	BatchWindowMs int `yaml:"batch_window_ms"`

	// AgentHeartbeatTimeoutMs is how long an execution may go without a
	// heartbeat before the CRDT Coordinator considers its agent stale.
	AgentHeartbeatTimeoutMs int `yaml:"agent_heartbeat_timeout_ms"`

	// ExecutionGCAgeMs is how long a completed/failed execution is kept
	// before the CRDT Coordinator garbage-collects it.
	ExecutionGCAgeMs int `yaml:"execution_gc_age_ms"`

	// GCIntervalMs is how often the CRDT Coordinator runs its GC sweep.
	GCIntervalMs int `yaml:"gc_interval_ms"`

	// PersistIntervalMs is the CRDT Coordinator's debounce window before
	// writing the authoritative document through to the backing store.
	PersistIntervalMs int `yaml:"persist_interval_ms"`

	// TerminationGracePeriodMs is how long the Process Manager waits after
	// SIGTERM before escalating to SIGKILL.
	TerminationGracePeriodMs int `yaml:"termination_grace_period_ms"`

	// RetryJitterRatio is the +/- fraction applied to backoff delays.
	RetryJitterRatio float64 `yaml:"retry_jitter_ratio"`

	// MaxProcesses bounds the Process Manager's pool; acquisition blocks
	// once this many managed processes are live.
	MaxProcesses int `yaml:"max_processes"`

	// StepMaxAttempts is how many times a step's agent invocation is
	// attempted before the step fails. Attempts beyond the first only
	// happen for results matching RetryableExitCodes/RetryableErrors.
	StepMaxAttempts int `yaml:"step_max_attempts"`

	// RetryableExitCodes and RetryableErrors classify which agent results
	// are transient. Both empty means a failed attempt is
	// final.
	RetryableExitCodes []int    `yaml:"retryable_exit_codes"`
	RetryableErrors    []string `yaml:"retryable_errors"`

	// CheckpointDir is where the file-backed Checkpoint Store writes
	// snapshots. Empty disables file-backed checkpointing.
	CheckpointDir string `yaml:"checkpoint_dir"`

	// MergeDriverLogPath is where the JSONL merge driver appends failure
	// records.
	MergeDriverLogPath string `yaml:"merge_driver_log_path"`

	// RepoDir is the git repository the Worktree Manager allocates
	// worktrees from, and the Issue Store's default relative base.
	RepoDir string `yaml:"repo_dir"`

	// IssuesPath is the JSONL issue entity file the Issue Store loads and
	// watches.
	IssuesPath string `yaml:"issues_path"`

	// SyncAddr is the listen address for the CRDT Coordinator's /sync
	// WebSocket endpoint.
	SyncAddr string `yaml:"sync_addr"`

	// SessionAddr is the listen address for the Session Broadcaster's
	// WebSocket endpoint.
	SessionAddr string `yaml:"session_addr"`

	// StoreBackend selects the durable backing for the Checkpoint Store
	// and Workflow Store: "file" (default, checkpoints only — workflows
	// stay in-memory) or "sqlite" (both backed by a SQLite database at
	// DatabasePath).
	StoreBackend string `yaml:"store_backend"`

	// DatabasePath is the SQLite database file used when StoreBackend is
	// "sqlite", shared by the Checkpoint Store, Workflow Store, and CRDT
	// Coordinator's entity persistence.
	DatabasePath string `yaml:"database_path"`

	// AgentCommand is the executable spawned for every step and every
	// orchestrator wakeup. AgentArgs are passed before the step/workflow
	// context arguments the task builder appends.
	AgentCommand string   `yaml:"agent_command"`
	AgentArgs    []string `yaml:"agent_args"`

	// ProjectID tags the `projectId` leg of every Session Broadcaster and
	// CRDT sync channel tuple (projectId, scope, id). A single
	// orchestratord process serves one project.
	ProjectID string `yaml:"project_id"`
}

// Default returns a Config populated with the standard defaults.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields with the standard defaults, leaving
// any caller-set values untouched.
func (c *Config) ApplyDefaults() {
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 1
	}
	if c.BatchWindowMs == 0 {
		c.BatchWindowMs = 5000
	}
	if c.AgentHeartbeatTimeoutMs == 0 {
		c.AgentHeartbeatTimeoutMs = 120000
	}
	if c.ExecutionGCAgeMs == 0 {
		c.ExecutionGCAgeMs = 3600000
	}
	if c.GCIntervalMs == 0 {
		c.GCIntervalMs = 300000
	}
	if c.PersistIntervalMs == 0 {
		c.PersistIntervalMs = 500
	}
	if c.TerminationGracePeriodMs == 0 {
		c.TerminationGracePeriodMs = 2000
	}
	if c.RetryJitterRatio == 0 {
		c.RetryJitterRatio = 0.1
	}
	if c.MaxProcesses == 0 {
		c.MaxProcesses = 8
	}
	if c.StepMaxAttempts == 0 {
		c.StepMaxAttempts = 3
	}
	if c.RepoDir == "" {
		c.RepoDir = "."
	}
	if c.IssuesPath == "" {
		c.IssuesPath = "issues.jsonl"
	}
	if c.SyncAddr == "" {
		c.SyncAddr = "127.0.0.1:7331"
	}
	if c.SessionAddr == "" {
		c.SessionAddr = "127.0.0.1:7332"
	}
	if c.StoreBackend == "" {
		c.StoreBackend = "file"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "orchestrator.db"
	}
	if c.AgentCommand == "" {
		c.AgentCommand = "agent"
	}
	if c.MergeDriverLogPath == "" {
		c.MergeDriverLogPath = "merge-driver.log"
	}
	if c.ProjectID == "" {
		c.ProjectID = "local"
	}
}

// Validate aggregates all configuration errors rather than stopping at
// the first one.
func (c *Config) Validate() error {
	var errs []string

	if c.CheckpointInterval < 1 {
		errs = append(errs, "checkpoint_interval must be >= 1")
	}
	if c.BatchWindowMs < 0 {
		errs = append(errs, "batch_window_ms must be >= 0")
	}
	if c.TerminationGracePeriodMs < 0 {
		errs = append(errs, "termination_grace_period_ms must be >= 0")
	}
	if c.RetryJitterRatio < 0 || c.RetryJitterRatio > 1 {
		errs = append(errs, "retry_jitter_ratio must be within [0,1]")
	}
	if c.MaxProcesses < 1 {
		errs = append(errs, "max_processes must be >= 1")
	}
	if c.StoreBackend != "file" && c.StoreBackend != "sqlite" {
		errs = append(errs, `store_backend must be "file" or "sqlite"`)
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return fmt.Errorf("invalid configuration: %s", msg)
}

// Load reads a YAML config file from path, applies defaults, and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// BatchWindow returns BatchWindowMs as a time.Duration, for components that
// speak in time.Duration rather than milliseconds.
func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMs) * time.Millisecond
}

func (c *Config) AgentHeartbeatTimeout() time.Duration {
	return time.Duration(c.AgentHeartbeatTimeoutMs) * time.Millisecond
}

func (c *Config) ExecutionGCAge() time.Duration {
	return time.Duration(c.ExecutionGCAgeMs) * time.Millisecond
}

func (c *Config) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalMs) * time.Millisecond
}

func (c *Config) PersistInterval() time.Duration {
	return time.Duration(c.PersistIntervalMs) * time.Millisecond
}

func (c *Config) TerminationGracePeriod() time.Duration {
	return time.Duration(c.TerminationGracePeriodMs) * time.Millisecond
}

// Package workflow implements the workflow engine: workflow creation from
// a source, dependency-driven step scheduling, pause/resume/cancel, and
// retry/skip of individual steps. Step ordering comes from the DAG the
// Dependency Analyzer resolves, not from a linear definition.
package workflow

import "time"

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepStatus is a step's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// SourceKind tags how a workflow's issue set was derived.
type SourceKind string

const (
	SourceSpec      SourceKind = "spec"
	SourceIssues    SourceKind = "issues"
	SourceRootIssue SourceKind = "root_issue"
	SourceGoal      SourceKind = "goal"
)

// Source is the sum-typed origin of a workflow's issue set.
type Source struct {
	Kind        SourceKind
	SpecID      string
	IssueIDs    []string
	RootIssueID string
	GoalText    string
}

// Config is a workflow's merged engine configuration.
type Config struct {
	CheckpointInterval    int // steps between checkpoint writes
	ContinueOnStepFailure bool
	StepTimeoutSeconds    int
	ReuseWorktreePath     string
}

// DefaultConfig mirrors internal/config's orchestrator-wide defaults,
// applied as the base layer beneath caller overrides.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval:    1,
		ContinueOnStepFailure: false,
		StepTimeoutSeconds:    3600,
	}
}

// Merge overlays non-zero fields of override onto the receiver, returning a
// new Config. ContinueOnStepFailure is always taken from override.
func (c Config) Merge(override Config) Config {
	merged := c
	if override.CheckpointInterval != 0 {
		merged.CheckpointInterval = override.CheckpointInterval
	}
	merged.ContinueOnStepFailure = override.ContinueOnStepFailure
	if override.StepTimeoutSeconds != 0 {
		merged.StepTimeoutSeconds = override.StepTimeoutSeconds
	}
	if override.ReuseWorktreePath != "" {
		merged.ReuseWorktreePath = override.ReuseWorktreePath
	}
	return merged
}

// Step is one unit of work in a workflow's dependency graph.
type Step struct {
	ID           string
	IssueID      string
	Index        int
	Dependencies []string
	Status       StepStatus
	ExecutionID  string
	Error        string
}

// ready reports whether every dependency of s has completed, per the step
// readiness invariant: "a step is ready iff every dependency's
// status is completed".
func (s Step) ready(byID map[string]*Step) bool {
	for _, dep := range s.Dependencies {
		d, ok := byID[dep]
		if !ok {
			return false
		}
		// skipStep treats a skipped step as completed for dependency
		// purposes.
		if d.Status != StepCompleted && d.Status != StepSkipped {
			return false
		}
	}
	return true
}

// Workflow is the top-level orchestration unit.
type Workflow struct {
	ID                      string
	Title                   string
	Source                  Source
	Status                  Status
	Steps                   []Step
	BaseBranch              string
	WorktreePath            string
	BranchName              string
	CurrentStepIndex        int
	OrchestratorExecutionID string
	OrchestratorSessionID   string
	Config                  Config
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// StepByID returns a pointer to the step with the given id, or nil.
func (w *Workflow) StepByID(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// AllStepsCompleted reports whether every step is completed or skipped.
func (w *Workflow) AllStepsCompleted() bool {
	for _, s := range w.Steps {
		if s.Status != StepCompleted && s.Status != StepSkipped {
			return false
		}
	}
	return true
}

// SettledStepCount reports how many steps have reached a terminal-for-
// scheduling status (completed or skipped). A fully completed workflow has
// SettledStepCount == len(Steps).
func (w *Workflow) SettledStepCount() int {
	n := 0
	for _, s := range w.Steps {
		if s.Status == StepCompleted || s.Status == StepSkipped {
			n++
		}
	}
	return n
}

// recomputeReadiness applies the step-readiness invariant to a fixed point:
// any step that is still pending and whose dependencies have all completed
// (directly, or transitively via another step that was itself just promoted
// to completed at creation time) becomes ready.
func recomputeReadiness(steps []Step) {
	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}
	changed := true
	for changed {
		changed = false
		for i := range steps {
			s := &steps[i]
			if s.Status != StepPending {
				continue
			}
			if s.ready(byID) {
				s.Status = StepReady
				changed = true
			}
		}
	}
}

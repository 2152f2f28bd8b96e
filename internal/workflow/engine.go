package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/coreerrors"
	"github.com/flowforge/orchestrator/internal/executor"
)

// TaskExecutor is the subset of the Resilient Task Executor the engine
// drives steps through.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, task executor.Task) (executor.Result, error)
	Cancel(executionID string) bool
}

// Worktree allocates the working directory a workflow's steps execute in.
type Worktree interface {
	Allocate(ctx context.Context, baseBranch, reusePath string) (path, branch string, err error)
}

// Wakeup is the subset of the Wakeup Service the engine notifies of
// workflow events and arms execution-timeout watchdogs through.
type Wakeup interface {
	RecordEvent(ctx context.Context, e Event)
	StartExecutionTimeout(executionID, workflowID, stepID string, d time.Duration)
	CancelExecutionTimeout(executionID string)
}

// StepResult captures one step's outcome for checkpoint reconstruction.
type StepResult struct {
	StepID      string
	Status      StepStatus
	ExecutionID string
	Error       string
}

// CheckpointState is the resumable snapshot of an in-flight workflow run.
type CheckpointState struct {
	Status           Status
	CurrentStepIndex int
	StepResults      []StepResult
	StartedAt        time.Time
	ResumedAt        *time.Time
}

// Checkpoint is a persisted workflow-run snapshot.
type Checkpoint struct {
	WorkflowID  string
	ExecutionID string
	State       CheckpointState
	CreatedAt   time.Time
}

// CheckpointStore is the subset of the Checkpoint Store the engine saves
// to and resumes from.
type CheckpointStore interface {
	Save(ctx context.Context, c Checkpoint) error
	Load(ctx context.Context, executionID string) (*Checkpoint, bool, error)
}

// TaskBuilder turns a ready step into an executable task, bound to the
// workflow's worktree. Constructing the actual agent invocation (binary
// path, args, env) is a deployment concern outside this package.
type TaskBuilder func(w *Workflow, step Step) (executor.Task, error)

// Engine implements the Workflow Engine.
type Engine struct {
	store       Store
	resolver    IssueResolver
	events      *EventEmitter
	exec        TaskExecutor
	worktree    Worktree
	checkpoints CheckpointStore
	wakeup      Wakeup
	buildTask   TaskBuilder
	logger      *slog.Logger

	mu          sync.Mutex
	inFlight    map[string]map[string]context.CancelFunc // workflowID -> stepID -> cancel
	execCancels map[string]context.CancelFunc // executionID -> cancel, for CancelExecution
	pausedAt    map[string]struct{}
	runExecutionID map[string]string // workflowID -> the execution id checkpoints are saved under
	resumedAt      map[string]time.Time // workflowID -> last Resume time, stamped into checkpoints
	workflowLocks  map[string]*sync.Mutex // serializes read-modify-write on a single workflow's steps
}

// lockWorkflow returns (creating if necessary) the mutex serializing
// concurrent step completions against a single workflow's stored state,
// since independent ready steps are dispatched and finish concurrently.
func (e *Engine) lockWorkflow(workflowID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.workflowLocks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		e.workflowLocks[workflowID] = l
	}
	return l
}

// Deps bundles an Engine's collaborators.
type Deps struct {
	Store       Store
	Resolver    IssueResolver
	Exec        TaskExecutor
	Worktree    Worktree
	Checkpoints CheckpointStore
	Wakeup      Wakeup
	BuildTask   TaskBuilder
	Logger      *slog.Logger
}

// New creates an Engine.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		store:          deps.Store,
		resolver:       deps.Resolver,
		events:         NewEventEmitter(),
		exec:           deps.Exec,
		worktree:       deps.Worktree,
		checkpoints:    deps.Checkpoints,
		wakeup:         deps.Wakeup,
		buildTask:      deps.BuildTask,
		logger:         deps.Logger,
		inFlight:       make(map[string]map[string]context.CancelFunc),
		execCancels:    make(map[string]context.CancelFunc),
		pausedAt:       make(map[string]struct{}),
		runExecutionID: make(map[string]string),
		resumedAt:      make(map[string]time.Time),
		workflowLocks:  make(map[string]*sync.Mutex),
	}
}

// Events returns the engine's event emitter, for subscribers to register
// listeners on (e.g. the Session Broadcaster, the Wakeup Service).
// Listeners registered through On stay registered for the emitter's
// lifetime; there is no unsubscribe.
func (e *Engine) Events() *EventEmitter { return e.events }

// SetWakeup attaches the Wakeup Service after construction, for the
// composition root to break the constructor cycle between the Engine (which
// the Wakeup Service needs for cancellation and event wiring) and the
// Wakeup Service (which the Engine notifies of every workflow event).
func (e *Engine) SetWakeup(w Wakeup) { e.wakeup = w }

// GetWorkflow returns a single workflow by id.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	return e.store.Get(ctx, workflowID)
}

// ListQuery filters ListWorkflows.
type ListQuery struct {
	Status *Status
	Limit  int
	Offset int
}

// ListWorkflows returns workflows matching q.
func (e *Engine) ListWorkflows(ctx context.Context, q ListQuery) ([]*Workflow, error) {
	return e.store.List(ctx, Query{Status: q.Status, Limit: q.Limit, Offset: q.Offset})
}

// GetReadySteps returns the steps of workflowID currently eligible to run —
// status ready, or pending with every dependency completed/skipped.
func (e *Engine) GetReadySteps(ctx context.Context, workflowID string) ([]Step, error) {
	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var ready []Step
	for _, s := range w.Steps {
		if s.Status == StepReady {
			ready = append(ready, s)
		}
	}
	return ready, nil
}

// CreateRequest describes a new workflow.
type CreateRequest struct {
	Title      string
	Source     Source
	BaseBranch string
	Config     Config
}

// Create resolves req.Source to an issue set, builds the step DAG, and
// persists a new pending workflow.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Workflow, error) {
	steps, err := buildSteps(ctx, req.Source, e.resolver)
	if err != nil {
		return nil, err
	}

	w := &Workflow{
		ID:         uuid.NewString(),
		Title:      req.Title,
		Source:     req.Source,
		Status:     StatusPending,
		Steps:      steps,
		BaseBranch: req.BaseBranch,
		Config:     DefaultConfig().Merge(req.Config),
	}

	if err := e.store.Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Start allocates the workflow's worktree, transitions it to running, and
// begins scheduling ready steps.
func (e *Engine) Start(ctx context.Context, workflowID string) error {
	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status != StatusPending {
		return &coreerrors.InvalidStateError{Resource: "workflow", ID: workflowID, State: string(w.Status), Op: "start"}
	}

	path, branch, err := e.worktree.Allocate(ctx, w.BaseBranch, w.Config.ReuseWorktreePath)
	if err != nil {
		return fmt.Errorf("allocating worktree: %w", err)
	}
	w.WorktreePath = path
	w.BranchName = branch
	w.Status = StatusRunning

	if err := e.store.Update(ctx, w); err != nil {
		return err
	}

	e.mu.Lock()
	e.runExecutionID[workflowID] = uuid.NewString()
	e.mu.Unlock()
	e.events.Emit(Event{WorkflowID: workflowID, Type: EventWorkflowStarted})
	e.schedule(ctx, workflowID)
	return nil
}

// schedule dispatches every currently-ready step of workflowID, each on
// its own goroutine, and is safe to call repeatedly as steps complete.
func (e *Engine) schedule(ctx context.Context, workflowID string) {
	e.mu.Lock()
	if _, paused := e.pausedAt[workflowID]; paused {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		e.logger.Error("schedule: load workflow failed", "workflow", workflowID, "error", err)
		return
	}
	if w.Status != StatusRunning {
		return
	}

	var ready []Step
	for _, s := range w.Steps {
		if s.Status == StepReady {
			ready = append(ready, s)
		}
	}

	for _, s := range ready {
		e.dispatchStep(ctx, w, s)
	}
}

// dispatchStep marks a step running and drives it through the Task
// Executor on its own goroutine.
func (e *Engine) dispatchStep(ctx context.Context, w *Workflow, step Step) {
	claimed, err := e.claimStep(ctx, w.ID, step.ID)
	if err != nil {
		e.logger.Error("dispatch: claiming step failed", "step", step.ID, "error", err)
		return
	}
	if !claimed {
		// A concurrent schedule pass got here first, or the workflow left
		// running in the meantime; the step is no longer ours to start.
		return
	}

	stepCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if e.inFlight[w.ID] == nil {
		e.inFlight[w.ID] = make(map[string]context.CancelFunc)
	}
	e.inFlight[w.ID][step.ID] = cancel
	e.mu.Unlock()

	task, err := e.buildTask(w, step)
	if err != nil {
		e.finishStep(ctx, w.ID, step.ID, "", false, err.Error())
		cancel()
		return
	}

	// The watchdog and CancelExecution both need to key on the execution id
	// the Task Executor will actually report back in its Result; a
	// TaskBuilder that pre-assigns one (so it can also address broadcast
	// output under that id) should set Task.ExecutionID, otherwise fall
	// back to the step id.
	watchdogID := task.ExecutionID
	if watchdogID == "" {
		watchdogID = task.ID
	}
	e.mu.Lock()
	e.execCancels[watchdogID] = cancel
	e.mu.Unlock()

	e.events.Emit(Event{WorkflowID: w.ID, Type: EventStepStarted, StepID: step.ID})
	if e.wakeup != nil {
		e.wakeup.RecordEvent(ctx, Event{WorkflowID: w.ID, Type: EventStepStarted, StepID: step.ID})
		if w.Config.StepTimeoutSeconds > 0 {
			e.wakeup.StartExecutionTimeout(watchdogID, w.ID, step.ID, time.Duration(w.Config.StepTimeoutSeconds)*time.Second)
		}
	}

	go func() {
		defer cancel()
		result, execErr := e.exec.ExecuteTask(stepCtx, task)
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
		}
		e.mu.Lock()
		delete(e.execCancels, watchdogID)
		e.mu.Unlock()
		e.finishStep(context.Background(), w.ID, step.ID, result.ExecutionID, result.Success, errMsg)
	}()
}

// CancelExecution cancels the in-flight step execution matching executionID,
// if one is currently running. Used by the Wakeup Service's
// execution-timeout watchdog so a timed-out
// step's process is torn down through the same path a normal cancellation
// takes, keeping the engine's own step bookkeeping consistent.
func (e *Engine) CancelExecution(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.execCancels[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// finishStep records a step's terminal outcome, advances dependency
// readiness, checkpoints, and re-enters scheduling or workflow completion.
func (e *Engine) finishStep(ctx context.Context, workflowID, stepID, executionID string, success bool, errMsg string) {
	e.mu.Lock()
	if m := e.inFlight[workflowID]; m != nil {
		delete(m, stepID)
	}
	e.mu.Unlock()

	// lock guards only the read-modify-write against the store; it is
	// released before schedule re-enters dispatchStep/claimStep, which
	// take the same per-workflow lock.
	lock := e.lockWorkflow(workflowID)
	lock.Lock()

	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		e.logger.Error("finishStep: load workflow failed", "workflow", workflowID, "error", err)
		return
	}

	step := w.StepByID(stepID)
	if step == nil {
		lock.Unlock()
		return
	}
	step.ExecutionID = executionID
	if e.wakeup != nil && executionID != "" {
		e.wakeup.CancelExecutionTimeout(executionID)
	}

	if success {
		step.Status = StepCompleted
		e.events.Emit(Event{WorkflowID: workflowID, Type: EventStepCompleted, StepID: stepID, ExecutionID: executionID})
		if e.wakeup != nil {
			e.wakeup.RecordEvent(ctx, Event{WorkflowID: workflowID, Type: EventStepCompleted, StepID: stepID, ExecutionID: executionID})
		}
	} else {
		step.Status = StepFailed
		step.Error = errMsg
		e.events.Emit(Event{WorkflowID: workflowID, Type: EventStepFailed, StepID: stepID, ExecutionID: executionID, Payload: map[string]any{"error": errMsg}})
		if e.wakeup != nil {
			e.wakeup.RecordEvent(ctx, Event{WorkflowID: workflowID, Type: EventStepFailed, StepID: stepID, ExecutionID: executionID})
		}
	}

	recomputeReadiness(w.Steps)
	w.CurrentStepIndex = w.SettledStepCount()

	if !success && !w.Config.ContinueOnStepFailure {
		w.Status = StatusFailed
		_ = e.store.Update(ctx, w)
		lock.Unlock()
		e.events.Emit(Event{WorkflowID: workflowID, Type: EventWorkflowFailed, StepID: stepID, Payload: map[string]any{"error": errMsg}})
		e.checkpoint(ctx, w)
		return
	}

	done := w.AllStepsCompleted()
	if !done && w.Config.ContinueOnStepFailure {
		// With continueOnStepFailure, a failed step is settled too: once
		// every step has completed, been skipped, or failed, the run is over.
		done = true
		for _, s := range w.Steps {
			if s.Status != StepCompleted && s.Status != StepSkipped && s.Status != StepFailed {
				done = false
				break
			}
		}
	}
	if done {
		w.Status = StatusCompleted
		_ = e.store.Update(ctx, w)
		lock.Unlock()
		e.events.Emit(Event{WorkflowID: workflowID, Type: EventWorkflowCompleted})
		e.checkpoint(ctx, w)
		return
	}

	if err := e.store.Update(ctx, w); err != nil {
		lock.Unlock()
		e.logger.Error("finishStep: save workflow failed", "workflow", workflowID, "error", err)
		return
	}
	lock.Unlock()
	// Mid-run checkpoints honor the configured interval; lifecycle
	// transitions (completion, failure, pause, cancel) always checkpoint.
	if interval := w.Config.CheckpointInterval; interval <= 1 || w.CurrentStepIndex%interval == 0 {
		e.checkpoint(ctx, w)
	}
	e.schedule(ctx, workflowID)
}

// claimStep transitions stepID from ready to running under the per-workflow
// lock. Concurrent schedule passes can both observe the same step as ready
// (finishStep releases the lock before re-entering schedule); only the
// first claim succeeds, so a step is never dispatched twice.
func (e *Engine) claimStep(ctx context.Context, workflowID, stepID string) (bool, error) {
	lock := e.lockWorkflow(workflowID)
	lock.Lock()
	defer lock.Unlock()

	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if w.Status != StatusRunning {
		return false, nil
	}
	step := w.StepByID(stepID)
	if step == nil {
		return false, &coreerrors.NotFoundError{Resource: "step", ID: stepID}
	}
	if step.Status != StepReady {
		return false, nil
	}
	step.Status = StepRunning
	step.Error = ""
	if err := e.store.Update(ctx, w); err != nil {
		return false, err
	}
	return true, nil
}

// checkpoint writes a workflow-run snapshot if a CheckpointStore is wired.
func (e *Engine) checkpoint(ctx context.Context, w *Workflow) {
	if e.checkpoints == nil {
		return
	}
	results := make([]StepResult, len(w.Steps))
	for i, s := range w.Steps {
		results[i] = StepResult{StepID: s.ID, Status: s.Status, ExecutionID: s.ExecutionID, Error: s.Error}
	}
	e.mu.Lock()
	executionID := e.runExecutionID[w.ID]
	var resumed *time.Time
	if at, ok := e.resumedAt[w.ID]; ok {
		resumed = &at
	}
	e.mu.Unlock()
	c := Checkpoint{
		WorkflowID:  w.ID,
		ExecutionID: executionID,
		State: CheckpointState{
			Status:           w.Status,
			CurrentStepIndex: w.CurrentStepIndex,
			StepResults:      results,
			ResumedAt:        resumed,
		},
		CreatedAt: time.Now(),
	}
	if err := e.checkpoints.Save(ctx, c); err != nil {
		e.logger.Error("checkpoint save failed", "workflow", w.ID, "error", err)
	}
}

// Pause stops scheduling new steps; in-flight steps run to completion.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	lock := e.lockWorkflow(workflowID)
	lock.Lock()
	defer lock.Unlock()

	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status != StatusRunning {
		return &coreerrors.InvalidStateError{Resource: "workflow", ID: workflowID, State: string(w.Status), Op: "pause"}
	}

	e.mu.Lock()
	e.pausedAt[workflowID] = struct{}{}
	e.mu.Unlock()

	w.Status = StatusPaused
	if err := e.store.Update(ctx, w); err != nil {
		return err
	}
	e.events.Emit(Event{WorkflowID: workflowID, Type: EventWorkflowPaused})
	e.checkpoint(ctx, w)
	return nil
}

// Resume continues a paused workflow from its last checkpoint; completed
// steps are not re-executed. A non-empty message is recorded as a
// user_response event so the next orchestrator wakeup carries it.
func (e *Engine) Resume(ctx context.Context, workflowID, message string) error {
	lock := e.lockWorkflow(workflowID)
	lock.Lock()

	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if w.Status != StatusPaused {
		lock.Unlock()
		return &coreerrors.InvalidStateError{Resource: "workflow", ID: workflowID, State: string(w.Status), Op: "resume"}
	}

	e.mu.Lock()
	delete(e.pausedAt, workflowID)
	e.resumedAt[workflowID] = time.Now()
	execID, known := e.runExecutionID[workflowID]
	if !known {
		// The engine restarted since this workflow last ran; checkpoints
		// from the prior run stay addressed at the old execution id.
		execID = uuid.NewString()
		e.runExecutionID[workflowID] = execID
	}
	e.mu.Unlock()

	// Reconstruct step outcomes from the last checkpoint when one exists;
	// steps it records as completed or skipped are never re-executed.
	if known && e.checkpoints != nil {
		if c, found, loadErr := e.checkpoints.Load(ctx, execID); loadErr == nil && found {
			applyCheckpoint(w, c)
		} else if loadErr != nil {
			e.logger.Warn("resume: loading checkpoint failed", "workflow", workflowID, "error", loadErr)
		}
	}

	w.Status = StatusRunning
	if err := e.store.Update(ctx, w); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()
	e.events.Emit(Event{WorkflowID: workflowID, Type: EventWorkflowResumed})
	if message != "" {
		ev := Event{WorkflowID: workflowID, Type: EventUserResponse, Payload: map[string]any{"message": message}}
		e.events.Emit(ev)
		if e.wakeup != nil {
			e.wakeup.RecordEvent(ctx, ev)
		}
	}
	e.schedule(ctx, workflowID)
	return nil
}

// applyCheckpoint overlays a checkpoint's recorded step outcomes onto w:
// terminally settled steps keep their recorded status, everything else is
// left for rescheduling.
func applyCheckpoint(w *Workflow, c *Checkpoint) {
	for _, r := range c.State.StepResults {
		s := w.StepByID(r.StepID)
		if s == nil {
			continue
		}
		if r.Status == StepCompleted || r.Status == StepSkipped {
			s.Status = r.Status
			s.ExecutionID = r.ExecutionID
			s.Error = r.Error
		}
	}
	recomputeReadiness(w.Steps)
	w.CurrentStepIndex = w.SettledStepCount()
}

// Cancel terminates in-flight steps and marks the workflow cancelled.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	lock := e.lockWorkflow(workflowID)
	lock.Lock()
	defer lock.Unlock()

	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for stepID, cancel := range e.inFlight[workflowID] {
		cancel()
		if s := w.StepByID(stepID); s != nil && s.ExecutionID != "" {
			e.exec.Cancel(s.ExecutionID)
		}
	}
	delete(e.inFlight, workflowID)
	e.pausedAt[workflowID] = struct{}{}
	e.mu.Unlock()

	w.Status = StatusCancelled
	if err := e.store.Update(ctx, w); err != nil {
		return err
	}
	e.events.Emit(Event{WorkflowID: workflowID, Type: EventWorkflowCancelled})
	e.checkpoint(ctx, w)
	return nil
}

// RetryStep resets step to ready (if its dependencies are met) so the next
// scheduling pass re-executes it.
func (e *Engine) RetryStep(ctx context.Context, workflowID, stepID string, freshStart bool) error {
	lock := e.lockWorkflow(workflowID)
	lock.Lock()

	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return err
	}
	step := w.StepByID(stepID)
	if step == nil {
		lock.Unlock()
		return &coreerrors.NotFoundError{Resource: "step", ID: stepID}
	}

	if freshStart {
		step.ExecutionID = ""
		step.Error = ""
	}
	step.Status = StepPending
	recomputeReadiness(w.Steps)
	w.CurrentStepIndex = w.SettledStepCount()

	if w.Status == StatusFailed {
		w.Status = StatusRunning
	}
	if err := e.store.Update(ctx, w); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()
	e.schedule(ctx, workflowID)
	return nil
}

// SkipStep marks step skipped, which counts as completed for dependency
// resolution. A failed workflow returns to running.
func (e *Engine) SkipStep(ctx context.Context, workflowID, stepID, reason string) error {
	lock := e.lockWorkflow(workflowID)
	lock.Lock()

	w, err := e.store.Get(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return err
	}
	step := w.StepByID(stepID)
	if step == nil {
		lock.Unlock()
		return &coreerrors.NotFoundError{Resource: "step", ID: stepID}
	}

	step.Status = StepSkipped
	step.Error = reason
	recomputeReadiness(w.Steps)
	w.CurrentStepIndex = w.SettledStepCount()

	if w.Status == StatusFailed {
		w.Status = StatusRunning
	}
	if w.AllStepsCompleted() {
		w.Status = StatusCompleted
	}
	if err := e.store.Update(ctx, w); err != nil {
		lock.Unlock()
		return err
	}
	shouldSchedule := w.Status == StatusRunning
	lock.Unlock()
	if shouldSchedule {
		e.schedule(ctx, workflowID)
	}
	return nil
}

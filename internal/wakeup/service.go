package wakeup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowforge/orchestrator/internal/workflow"
)

// batchWindow is the default debounce window events coalesce within before
// a wakeup fires.
const batchWindow = 5 * time.Second

// retryWakeupDelay is how long a wakeup that was rejected by the rate
// limiter waits before retrying.
const retryWakeupDelay = 250 * time.Millisecond

// Dispatcher performs the actual wakeup action: building a prompt from the
// unprocessed events (plus any resolved await) and creating a follow-up
// execution addressed to the workflow's orchestrator session. Constructing
// the agent invocation itself is outside this package's scope.
type Dispatcher interface {
	Dispatch(ctx context.Context, w *workflow.Workflow, events []workflow.Event, resolved *AwaitResult) (executionID, sessionID string, err error)
}

// Canceller is the subset of the Task Executor the execution-timeout
// watchdog cancels timed-out executions through.
type Canceller interface {
	Cancel(executionID string) bool
}

// EventSink is the subset of EventEmitter the service emits
// orchestrator_wakeup events through.
type EventSink interface {
	Emit(e workflow.Event) workflow.Event
}

// Deps bundles a Service's collaborators.
type Deps struct {
	Store      workflow.Store
	Dispatcher Dispatcher
	Exec       Canceller
	Events     EventSink
	Logger     *slog.Logger

	// BatchWindow overrides the default debounce window; zero keeps the default.
	BatchWindow time.Duration
	// WakeupRate bounds how often this process dispatches wakeups across
	// all workflows, guarding against pathological event storms.
	WakeupRate rate.Limit
	WakeupBurst int
}

// Service implements the Wakeup Service.
type Service struct {
	store      workflow.Store
	dispatcher Dispatcher
	exec       Canceller
	events     EventSink
	logger     *slog.Logger

	batchWindow time.Duration
	limiter     *rate.Limiter

	mu             sync.Mutex
	pending        map[string][]workflow.Event // workflowID -> events queued since last wakeup
	debounceTimers map[string]*time.Timer
	awaits         map[string]*Await
	awaitTimers    map[string]*time.Timer
	watchdogs      map[string]*time.Timer // executionID -> timeout timer
}

// New creates a Service.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	window := deps.BatchWindow
	if window <= 0 {
		window = batchWindow
	}
	rl := deps.WakeupRate
	if rl <= 0 {
		rl = rate.Limit(5) // 5 wakeup dispatches/sec across all workflows
	}
	burst := deps.WakeupBurst
	if burst <= 0 {
		burst = 5
	}
	return &Service{
		store:          deps.Store,
		dispatcher:     deps.Dispatcher,
		exec:           deps.Exec,
		events:         deps.Events,
		logger:         deps.Logger,
		batchWindow:    window,
		limiter:        rate.NewLimiter(rl, burst),
		pending:        make(map[string][]workflow.Event),
		debounceTimers: make(map[string]*time.Timer),
		awaits:         make(map[string]*Await),
		awaitTimers:    make(map[string]*time.Timer),
		watchdogs:      make(map[string]*time.Timer),
	}
}

// RecordEvent inserts an event and either satisfies a pending await
// (immediate wakeup) or schedules a debounced wakeup within the batch
// window.
func (s *Service) RecordEvent(ctx context.Context, e workflow.Event) {
	s.mu.Lock()

	s.pending[e.WorkflowID] = append(s.pending[e.WorkflowID], e)

	if await, ok := s.awaits[e.WorkflowID]; ok && await.matches(e) {
		delete(s.awaits, e.WorkflowID)
		if t, ok := s.awaitTimers[e.WorkflowID]; ok {
			t.Stop()
			delete(s.awaitTimers, e.WorkflowID)
		}
		s.mu.Unlock()
		ev := e
		s.wake(ctx, e.WorkflowID, &AwaitResult{Await: *await, ResolvedBy: resolvedByEvent, MatchedEvent: &ev})
		return
	}

	if _, scheduled := s.debounceTimers[e.WorkflowID]; !scheduled {
		workflowID := e.WorkflowID
		s.debounceTimers[workflowID] = time.AfterFunc(s.batchWindow, func() {
			s.wake(context.Background(), workflowID, nil)
		})
	}
	s.mu.Unlock()
}

// RegisterAwait stores an in-memory await for workflowID, replacing any
// prior one.
func (s *Service) RegisterAwait(req RegisterAwaitRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.awaitTimers[req.WorkflowID]; ok {
		t.Stop()
		delete(s.awaitTimers, req.WorkflowID)
	}

	types := make(map[workflow.EventType]bool, len(req.EventTypes))
	for _, t := range req.EventTypes {
		types[t] = true
	}
	ids := make(map[string]bool, len(req.ExecutionIDs))
	for _, id := range req.ExecutionIDs {
		ids[id] = true
	}
	await := &Await{
		WorkflowID:     req.WorkflowID,
		EventTypes:     types,
		ExecutionIDs:   ids,
		Message:        req.Message,
		TimeoutSeconds: req.TimeoutSeconds,
		RegisteredAt:   time.Now(),
	}
	s.awaits[req.WorkflowID] = await

	if req.TimeoutSeconds > 0 {
		workflowID := req.WorkflowID
		s.awaitTimers[workflowID] = time.AfterFunc(time.Duration(req.TimeoutSeconds)*time.Second, func() {
			s.resolveAwaitTimeout(workflowID)
		})
	}
}

func (s *Service) resolveAwaitTimeout(workflowID string) {
	s.mu.Lock()
	await, ok := s.awaits[workflowID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.awaits, workflowID)
	delete(s.awaitTimers, workflowID)
	s.mu.Unlock()

	s.wake(context.Background(), workflowID, &AwaitResult{Await: *await, ResolvedBy: resolvedByTimeout})
}

// ClearWorkflow drops any pending events, debounce timer, and await for
// workflowID.
func (s *Service) ClearWorkflow(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, workflowID)
	if t, ok := s.debounceTimers[workflowID]; ok {
		t.Stop()
		delete(s.debounceTimers, workflowID)
	}
	if t, ok := s.awaitTimers[workflowID]; ok {
		t.Stop()
		delete(s.awaitTimers, workflowID)
	}
	delete(s.awaits, workflowID)
}

// wake performs the wakeup action for workflowID: gather unprocessed
// events, skip if the workflow is terminal or there is nothing to report,
// otherwise dispatch a follow-up execution and record it against the
// workflow.
func (s *Service) wake(ctx context.Context, workflowID string, resolved *AwaitResult) {
	s.mu.Lock()
	delete(s.debounceTimers, workflowID)
	events := s.pending[workflowID]
	delete(s.pending, workflowID)
	s.mu.Unlock()

	if len(events) == 0 && resolved == nil {
		return
	}

	w, err := s.store.Get(ctx, workflowID)
	if err != nil {
		s.logger.Error("wakeup: load workflow failed", "workflow", workflowID, "error", err)
		return
	}
	switch w.Status {
	case workflow.StatusPaused, workflow.StatusCancelled, workflow.StatusCompleted, workflow.StatusFailed:
		return
	}

	if !s.limiter.Allow() {
		s.requeue(workflowID, events)
		time.AfterFunc(retryWakeupDelay, func() { s.wake(context.Background(), workflowID, resolved) })
		return
	}

	executionID, sessionID, err := s.dispatcher.Dispatch(ctx, w, events, resolved)
	if err != nil {
		s.logger.Error("wakeup: dispatch failed", "workflow", workflowID, "error", err)
		s.requeue(workflowID, events)
		return
	}

	w.OrchestratorExecutionID = executionID
	w.OrchestratorSessionID = sessionID
	if err := s.store.Update(ctx, w); err != nil {
		s.logger.Error("wakeup: save workflow failed", "workflow", workflowID, "error", err)
		return
	}

	if s.events != nil {
		s.events.Emit(workflow.Event{WorkflowID: workflowID, Type: workflow.EventOrchestratorWakeup, ExecutionID: executionID})
	}
}

// requeue puts events back at the front of the pending queue for
// workflowID, used when a wakeup could not complete.
func (s *Service) requeue(workflowID string, events []workflow.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[workflowID] = append(events, s.pending[workflowID]...)
}

// StartExecutionTimeout arms a watchdog that cancels executionID and
// records a timeout failure if it has not completed within d. Arming a new
// watchdog for the same execution id replaces any existing one.
func (s *Service) StartExecutionTimeout(executionID, workflowID, stepID string, d time.Duration) {
	s.mu.Lock()
	if t, ok := s.watchdogs[executionID]; ok {
		t.Stop()
	}
	s.watchdogs[executionID] = time.AfterFunc(d, func() {
		s.onExecutionTimeout(executionID, workflowID, stepID)
	})
	s.mu.Unlock()
}

// CancelExecutionTimeout disarms a previously-started watchdog, called once
// an execution completes on its own.
func (s *Service) CancelExecutionTimeout(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.watchdogs[executionID]; ok {
		t.Stop()
		delete(s.watchdogs, executionID)
	}
}

func (s *Service) onExecutionTimeout(executionID, workflowID, stepID string) {
	s.mu.Lock()
	delete(s.watchdogs, executionID)
	s.mu.Unlock()

	s.exec.Cancel(executionID)
	s.RecordEvent(context.Background(), workflow.Event{
		WorkflowID:  workflowID,
		Type:        workflow.EventStepFailed,
		StepID:      stepID,
		ExecutionID: executionID,
		Payload:     map[string]any{"reason": "timeout"},
	})
}

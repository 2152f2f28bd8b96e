package wakeup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/internal/workflow"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

type dispatchCall struct {
	workflowID string
	events     []workflow.Event
	resolved   *AwaitResult
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, w *workflow.Workflow, events []workflow.Event, resolved *AwaitResult) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{workflowID: w.ID, events: events, resolved: resolved})
	if f.err != nil {
		return "", "", f.err
	}
	return "exec-" + w.ID, "session-" + w.ID, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDispatcher) lastCall() dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeCanceller) Cancel(executionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return true
}

func newTestService(t *testing.T, dispatcher Dispatcher, window time.Duration) (*Service, workflow.Store, *fakeCanceller) {
	t.Helper()
	store := workflow.NewMemoryStore()
	canceller := &fakeCanceller{}
	svc := New(Deps{
		Store:       store,
		Dispatcher:  dispatcher,
		Exec:        canceller,
		BatchWindow: window,
	})
	return svc, store, canceller
}

func seedRunningWorkflow(t *testing.T, store workflow.Store, id string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &workflow.Workflow{ID: id, Status: workflow.StatusRunning}))
}

func TestRecordEventDebouncesIntoOneWakeup(t *testing.T) {
	d := &fakeDispatcher{}
	svc, store, _ := newTestService(t, d, 30*time.Millisecond)
	seedRunningWorkflow(t, store, "wf-1")

	svc.RecordEvent(context.Background(), workflow.Event{WorkflowID: "wf-1", Type: workflow.EventStepCompleted, StepID: "a"})
	svc.RecordEvent(context.Background(), workflow.Event{WorkflowID: "wf-1", Type: workflow.EventStepCompleted, StepID: "b"})

	require.Eventually(t, func() bool { return d.callCount() == 1 }, time.Second, 5*time.Millisecond)
	call := d.lastCall()
	assert.Len(t, call.events, 2)

	got, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-wf-1", got.OrchestratorExecutionID)
	assert.Equal(t, "session-wf-1", got.OrchestratorSessionID)
}

func TestWakeupSkippedForTerminalWorkflow(t *testing.T) {
	d := &fakeDispatcher{}
	svc, store, _ := newTestService(t, d, 10*time.Millisecond)
	require.NoError(t, store.Create(context.Background(), &workflow.Workflow{ID: "wf-done", Status: workflow.StatusCompleted}))

	svc.RecordEvent(context.Background(), workflow.Event{WorkflowID: "wf-done", Type: workflow.EventStepCompleted})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.callCount())
}

func TestRegisterAwaitResolvesImmediatelyOnMatchingEvent(t *testing.T) {
	d := &fakeDispatcher{}
	svc, store, _ := newTestService(t, d, time.Hour) // long window: only the await should trigger wakeup
	seedRunningWorkflow(t, store, "wf-1")

	svc.RegisterAwait(RegisterAwaitRequest{
		WorkflowID: "wf-1",
		EventTypes: []workflow.EventType{workflow.EventEscalationResolved},
	})

	svc.RecordEvent(context.Background(), workflow.Event{WorkflowID: "wf-1", Type: workflow.EventEscalationResolved, ExecutionID: "ex-1"})

	require.Eventually(t, func() bool { return d.callCount() == 1 }, time.Second, 5*time.Millisecond)
	call := d.lastCall()
	require.NotNil(t, call.resolved)
	assert.Equal(t, resolvedByEvent, call.resolved.ResolvedBy)
}

func TestRegisterAwaitIgnoresNonMatchingExecutionID(t *testing.T) {
	d := &fakeDispatcher{}
	svc, store, _ := newTestService(t, d, time.Hour)
	seedRunningWorkflow(t, store, "wf-1")

	svc.RegisterAwait(RegisterAwaitRequest{
		WorkflowID:   "wf-1",
		EventTypes:   []workflow.EventType{workflow.EventStepCompleted},
		ExecutionIDs: []string{"ex-expected"},
	})

	svc.RecordEvent(context.Background(), workflow.Event{WorkflowID: "wf-1", Type: workflow.EventStepCompleted, ExecutionID: "ex-other"})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, d.callCount())
}

func TestRegisterAwaitResolvesByTimeout(t *testing.T) {
	d := &fakeDispatcher{}
	svc, store, _ := newTestService(t, d, time.Hour)
	seedRunningWorkflow(t, store, "wf-1")

	svc.RegisterAwait(RegisterAwaitRequest{
		WorkflowID:     "wf-1",
		EventTypes:     []workflow.EventType{workflow.EventEscalationResolved},
		TimeoutSeconds: 1,
	})
	// The await timeout unit is whole seconds, so this waits past the
	// shortest possible (one-second) await.

	require.Eventually(t, func() bool { return d.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	call := d.lastCall()
	require.NotNil(t, call.resolved)
	assert.Equal(t, resolvedByTimeout, call.resolved.ResolvedBy)
}

func TestClearWorkflowDropsPendingAndAwait(t *testing.T) {
	d := &fakeDispatcher{}
	svc, store, _ := newTestService(t, d, 20*time.Millisecond)
	seedRunningWorkflow(t, store, "wf-1")

	svc.RecordEvent(context.Background(), workflow.Event{WorkflowID: "wf-1", Type: workflow.EventStepCompleted})
	svc.RegisterAwait(RegisterAwaitRequest{WorkflowID: "wf-1", EventTypes: []workflow.EventType{workflow.EventEscalationResolved}})
	svc.ClearWorkflow("wf-1")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.callCount())
}

func TestStartExecutionTimeoutCancelsAndRecordsFailure(t *testing.T) {
	d := &fakeDispatcher{}
	svc, store, canceller := newTestService(t, d, 10*time.Millisecond)
	seedRunningWorkflow(t, store, "wf-1")

	svc.StartExecutionTimeout("ex-1", "wf-1", "step-a", 10*time.Millisecond)

	require.Eventually(t, func() bool { return d.callCount() == 1 }, time.Second, 5*time.Millisecond)
	canceller.mu.Lock()
	assert.Contains(t, canceller.cancelled, "ex-1")
	canceller.mu.Unlock()

	call := d.lastCall()
	require.Len(t, call.events, 1)
	assert.Equal(t, workflow.EventStepFailed, call.events[0].Type)
	assert.Equal(t, "timeout", call.events[0].Payload["reason"])
}

func TestCancelExecutionTimeoutDisarmsWatchdog(t *testing.T) {
	d := &fakeDispatcher{}
	svc, store, canceller := newTestService(t, d, 10*time.Millisecond)
	seedRunningWorkflow(t, store, "wf-1")

	svc.StartExecutionTimeout("ex-1", "wf-1", "step-a", 30*time.Millisecond)
	svc.CancelExecutionTimeout("ex-1")

	time.Sleep(60 * time.Millisecond)
	canceller.mu.Lock()
	assert.Empty(t, canceller.cancelled)
	canceller.mu.Unlock()
}

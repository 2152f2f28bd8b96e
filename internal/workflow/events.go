package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is a Workflow Event's tag.
type EventType string

const (
	EventStepStarted         EventType = "step_started"
	EventStepCompleted       EventType = "step_completed"
	EventStepFailed          EventType = "step_failed"
	EventEscalationRequested EventType = "escalation_requested"
	EventEscalationResolved  EventType = "escalation_resolved"
	EventUserResponse        EventType = "user_response"
	EventOrchestratorWakeup  EventType = "orchestrator_wakeup"

	// Workflow-level lifecycle transitions. These are additive to the DATA MODEL's Workflow
	// Event enumeration and carry no ExecutionID/StepID of their own.
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Event is a Workflow Event: append-only, with ProcessedAt set
// monotonically once at most.
type Event struct {
	ID          string
	WorkflowID  string
	Type        EventType
	ExecutionID string
	StepID      string
	Payload     map[string]any
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Listener handles a dispatched Event.
type Listener func(Event)

// EventEmitter dispatches Events to registered listeners: an
// RWMutex-guarded listener map, copied under the read lock before
// invocation so a listener registering mid-dispatch never deadlocks or
// races. Listeners cannot be unregistered.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]Listener
}

// NewEventEmitter creates an empty emitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{listeners: make(map[EventType][]Listener)}
}

// On registers a listener for eventType.
func (e *EventEmitter) On(eventType EventType, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[eventType] = append(e.listeners[eventType], l)
}

// Emit dispatches event synchronously to every listener registered for its
// type, stamping ID/CreatedAt if unset.
func (e *EventEmitter) Emit(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	e.mu.RLock()
	listeners := make([]Listener, len(e.listeners[event.Type]))
	copy(listeners, e.listeners[event.Type])
	e.mu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
	return event
}

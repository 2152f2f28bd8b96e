// Package wakeup implements the wakeup service: it records workflow
// events, debounces orchestrator wakeups within a batch window, manages
// await conditions with timeouts, and arms per-execution timeout
// watchdogs.
package wakeup

import (
	"time"

	"github.com/flowforge/orchestrator/internal/workflow"
)

// Await is a registered wait for one of a set of event types, optionally
// scoped to specific execution ids, with an optional timeout. Registering
// a new await for a workflow replaces any prior one.
type Await struct {
	WorkflowID     string
	EventTypes     map[workflow.EventType]bool
	ExecutionIDs   map[string]bool // empty means "any execution"
	Message        string
	TimeoutSeconds int
	RegisteredAt   time.Time
}

func (a Await) matches(e workflow.Event) bool {
	if !a.EventTypes[e.Type] {
		return false
	}
	if len(a.ExecutionIDs) == 0 {
		return true
	}
	return a.ExecutionIDs[e.ExecutionID]
}

// AwaitResult describes how a registered await was resolved: either a
// matching event arrived, or its timeout elapsed first.
type AwaitResult struct {
	Await        Await
	ResolvedBy   string // "event" | "timeout"
	MatchedEvent *workflow.Event
}

const (
	resolvedByEvent   = "event"
	resolvedByTimeout = "timeout"
)

// RegisterAwaitRequest is the input to RegisterAwait.
type RegisterAwaitRequest struct {
	WorkflowID     string
	EventTypes     []workflow.EventType
	ExecutionIDs   []string
	TimeoutSeconds int
	Message        string
}

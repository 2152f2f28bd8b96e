// Package crdt implements the replication coordinator: an authoritative
// replicated document of named entity maps, synced to WebSocket clients
// and write-through persisted on a debounce timer.
//
// This is not a general-purpose CRDT. The document implements one
// convergence rule, last-writer-wins by updatedAt keyed per entry, as a
// small op-log applied to five named maps.
package crdt

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MapName identifies one of the document's five named maps.
type MapName string

const (
	MapIssueUpdates    MapName = "issueUpdates"
	MapSpecUpdates     MapName = "specUpdates"
	MapFeedbackUpdates MapName = "feedbackUpdates"
	MapExecutionState  MapName = "executionState"
	MapAgentMetadata   MapName = "agentMetadata"
)

// Record is an arbitrary-shaped entity value; unknown fields round-trip
// through merge untouched, same as internal/merge's Entity.
type Record map[string]any

// ExecutionStateEntry tracks one execution's coordination state. Status and
// CompletedAt are pulled out of Data because garbage collection
// keys off them directly.
type ExecutionStateEntry struct {
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Data        Record    `json:"data,omitempty"`
}

// AgentMetadataEntry tracks one agent's coordination state. LastHeartbeat is
// pulled out of Data for the same reason: GC keys off it directly.
type AgentMetadataEntry struct {
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Data          Record    `json:"data,omitempty"`
}

// Op is one incremental update to the document: an upsert or a tombstone of
// a single key within a single named map.
type Op struct {
	Map       MapName         `json:"map"`
	Key       string          `json:"key"`
	Tombstone bool            `json:"tombstone,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Record    json.RawMessage `json:"record,omitempty"`
}

// Snapshot is the full document state, used for the initial sync and for
// persistence.
type Snapshot struct {
	IssueUpdates    map[string]Record              `json:"issueUpdates"`
	SpecUpdates     map[string]Record              `json:"specUpdates"`
	FeedbackUpdates map[string]Record              `json:"feedbackUpdates"`
	ExecutionState  map[string]ExecutionStateEntry `json:"executionState"`
	AgentMetadata   map[string]AgentMetadataEntry   `json:"agentMetadata"`
}

// document is the coordinator's authoritative in-memory state. It is not
// exported: callers interact through Coordinator, which owns the
// document's lifecycle (apply, snapshot, GC) under a single lock, one
// logical lock per replicated document.
type document struct {
	mu sync.RWMutex

	issueUpdates    map[string]entry[Record]
	specUpdates     map[string]entry[Record]
	feedbackUpdates map[string]entry[Record]
	executionState  map[string]entry[ExecutionStateEntry]
	agentMetadata   map[string]entry[AgentMetadataEntry]
}

type entry[T any] struct {
	value     T
	updatedAt time.Time
	tombstone bool
}

func newDocument() *document {
	return &document{
		issueUpdates:    make(map[string]entry[Record]),
		specUpdates:     make(map[string]entry[Record]),
		feedbackUpdates: make(map[string]entry[Record]),
		executionState:  make(map[string]entry[ExecutionStateEntry]),
		agentMetadata:   make(map[string]entry[AgentMetadataEntry]),
	}
}

// apply merges op into the document under last-writer-wins-by-updatedAt
// semantics (ties keep the existing value, matching internal/merge's
// "ties favor ours" convention with the document itself as "ours"). It
// reports whether the op actually changed the document (false for a stale
// op, so callers skip re-broadcast and persistence scheduling).
func (d *document) apply(op Op) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch op.Map {
	case MapIssueUpdates:
		return applyGeneric(d.issueUpdates, op)
	case MapSpecUpdates:
		return applyGeneric(d.specUpdates, op)
	case MapFeedbackUpdates:
		return applyGeneric(d.feedbackUpdates, op)
	case MapExecutionState:
		return applyTyped(d.executionState, op, func(r json.RawMessage) (ExecutionStateEntry, error) {
			var v ExecutionStateEntry
			err := json.Unmarshal(r, &v)
			return v, err
		})
	case MapAgentMetadata:
		return applyTyped(d.agentMetadata, op, func(r json.RawMessage) (AgentMetadataEntry, error) {
			var v AgentMetadataEntry
			err := json.Unmarshal(r, &v)
			return v, err
		})
	default:
		return false, nil
	}
}

func applyGeneric(m map[string]entry[Record], op Op) (bool, error) {
	existing, ok := m[op.Key]
	if ok && !op.UpdatedAt.After(existing.updatedAt) {
		return false, nil
	}
	if op.Tombstone {
		m[op.Key] = entry[Record]{updatedAt: op.UpdatedAt, tombstone: true}
		return true, nil
	}
	var rec Record
	if len(op.Record) > 0 {
		if err := json.Unmarshal(op.Record, &rec); err != nil {
			return false, err
		}
	}
	m[op.Key] = entry[Record]{value: rec, updatedAt: op.UpdatedAt}
	return true, nil
}

func applyTyped[T any](m map[string]entry[T], op Op, decode func(json.RawMessage) (T, error)) (bool, error) {
	existing, ok := m[op.Key]
	if ok && !op.UpdatedAt.After(existing.updatedAt) {
		return false, nil
	}
	if op.Tombstone {
		var zero T
		m[op.Key] = entry[T]{value: zero, updatedAt: op.UpdatedAt, tombstone: true}
		return true, nil
	}
	v, err := decode(op.Record)
	if err != nil {
		return false, err
	}
	m[op.Key] = entry[T]{value: v, updatedAt: op.UpdatedAt}
	return true, nil
}

// snapshot returns the live (non-tombstoned) document state.
func (d *document) snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Snapshot{
		IssueUpdates:    make(map[string]Record),
		SpecUpdates:     make(map[string]Record),
		FeedbackUpdates: make(map[string]Record),
		ExecutionState:  make(map[string]ExecutionStateEntry),
		AgentMetadata:   make(map[string]AgentMetadataEntry),
	}
	for k, e := range d.issueUpdates {
		if !e.tombstone {
			s.IssueUpdates[k] = e.value
		}
	}
	for k, e := range d.specUpdates {
		if !e.tombstone {
			s.SpecUpdates[k] = e.value
		}
	}
	for k, e := range d.feedbackUpdates {
		if !e.tombstone {
			s.FeedbackUpdates[k] = e.value
		}
	}
	for k, e := range d.executionState {
		if !e.tombstone {
			s.ExecutionState[k] = e.value
		}
	}
	for k, e := range d.agentMetadata {
		if !e.tombstone {
			s.AgentMetadata[k] = e.value
		}
	}
	return s
}

// gc deletes stale execution and agent entries and returns how many of
// each were removed, for logging/observability.
func (d *document) gc(now time.Time, executionGCAge, agentHeartbeatTimeout time.Duration) (executions, agents int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, e := range d.executionState {
		if e.tombstone {
			delete(d.executionState, id)
			continue
		}
		if (e.value.Status == "completed" || e.value.Status == "failed") &&
			!e.value.CompletedAt.IsZero() && now.Sub(e.value.CompletedAt) > executionGCAge {
			delete(d.executionState, id)
			executions++
		}
	}
	for id, e := range d.agentMetadata {
		if e.tombstone {
			delete(d.agentMetadata, id)
			continue
		}
		if now.Sub(e.value.LastHeartbeat) > agentHeartbeatTimeout {
			delete(d.agentMetadata, id)
			agents++
		}
	}
	return executions, agents
}

// sortedKeys is a small helper used by tests and by deterministic encoding
// paths; not required for correctness of apply/snapshot but keeps output
// stable for callers that diff it.
func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

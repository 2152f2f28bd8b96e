package crdt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalRecord(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDocumentApplyIsLastWriterWins(t *testing.T) {
	d := newDocument()

	older := Op{Map: MapIssueUpdates, Key: "i-1", UpdatedAt: time.Unix(100, 0), Record: marshalRecord(t, Record{"title": "first"})}
	newer := Op{Map: MapIssueUpdates, Key: "i-1", UpdatedAt: time.Unix(200, 0), Record: marshalRecord(t, Record{"title": "second"})}
	stale := Op{Map: MapIssueUpdates, Key: "i-1", UpdatedAt: time.Unix(50, 0), Record: marshalRecord(t, Record{"title": "stale"})}

	changed, err := d.apply(older)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = d.apply(newer)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = d.apply(stale)
	require.NoError(t, err)
	assert.False(t, changed, "stale op must not change the document")

	snap := d.snapshot()
	assert.Equal(t, "second", snap.IssueUpdates["i-1"]["title"])
}

func TestDocumentApplyTombstoneRemovesFromSnapshot(t *testing.T) {
	d := newDocument()
	_, err := d.apply(Op{Map: MapSpecUpdates, Key: "s-1", UpdatedAt: time.Unix(1, 0), Record: marshalRecord(t, Record{"body": "x"})})
	require.NoError(t, err)

	changed, err := d.apply(Op{Map: MapSpecUpdates, Key: "s-1", UpdatedAt: time.Unix(2, 0), Tombstone: true})
	require.NoError(t, err)
	assert.True(t, changed)

	snap := d.snapshot()
	_, ok := snap.SpecUpdates["s-1"]
	assert.False(t, ok)
}

func TestDocumentApplyExecutionStateTyped(t *testing.T) {
	d := newDocument()
	entry := ExecutionStateEntry{Status: "running", UpdatedAt: time.Unix(1, 0)}
	_, err := d.apply(Op{Map: MapExecutionState, Key: "exec-1", UpdatedAt: time.Unix(1, 0), Record: marshalRecord(t, entry)})
	require.NoError(t, err)

	snap := d.snapshot()
	require.Contains(t, snap.ExecutionState, "exec-1")
	assert.Equal(t, "running", snap.ExecutionState["exec-1"].Status)
}

func TestDocumentGCRemovesStaleExecutionsAndAgents(t *testing.T) {
	d := newDocument()
	now := time.Unix(10_000, 0)

	staleExec := ExecutionStateEntry{Status: "completed", CompletedAt: now.Add(-2 * time.Hour)}
	freshExec := ExecutionStateEntry{Status: "completed", CompletedAt: now.Add(-1 * time.Minute)}
	runningExec := ExecutionStateEntry{Status: "running", CompletedAt: time.Time{}}

	_, err := d.apply(Op{Map: MapExecutionState, Key: "stale", UpdatedAt: now, Record: marshalRecord(t, staleExec)})
	require.NoError(t, err)
	_, err = d.apply(Op{Map: MapExecutionState, Key: "fresh", UpdatedAt: now, Record: marshalRecord(t, freshExec)})
	require.NoError(t, err)
	_, err = d.apply(Op{Map: MapExecutionState, Key: "running", UpdatedAt: now, Record: marshalRecord(t, runningExec)})
	require.NoError(t, err)

	staleAgent := AgentMetadataEntry{LastHeartbeat: now.Add(-5 * time.Minute)}
	freshAgent := AgentMetadataEntry{LastHeartbeat: now.Add(-30 * time.Second)}
	_, err = d.apply(Op{Map: MapAgentMetadata, Key: "agent-stale", UpdatedAt: now, Record: marshalRecord(t, staleAgent)})
	require.NoError(t, err)
	_, err = d.apply(Op{Map: MapAgentMetadata, Key: "agent-fresh", UpdatedAt: now, Record: marshalRecord(t, freshAgent)})
	require.NoError(t, err)

	executions, agents := d.gc(now, time.Hour, 2*time.Minute)
	assert.Equal(t, 1, executions)
	assert.Equal(t, 1, agents)

	snap := d.snapshot()
	assert.NotContains(t, snap.ExecutionState, "stale")
	assert.Contains(t, snap.ExecutionState, "fresh")
	assert.Contains(t, snap.ExecutionState, "running")
	assert.NotContains(t, snap.AgentMetadata, "agent-stale")
	assert.Contains(t, snap.AgentMetadata, "agent-fresh")
}

func TestByteArrayRoundTripsAsNumericArray(t *testing.T) {
	b := ByteArray("hi")
	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, "[104,105]", string(data))

	var out ByteArray
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "hi", string(out))
}

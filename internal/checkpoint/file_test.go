package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/internal/workflow"
)

func TestFileStoreSaveAndLoad(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)

	c := workflow.Checkpoint{
		WorkflowID:  "wf-1",
		ExecutionID: "ex-1",
		State:       workflow.CheckpointState{Status: workflow.StatusRunning, CurrentStepIndex: 2},
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.Save(context.Background(), c))

	got, ok, err := store.Load(context.Background(), "ex-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, workflow.StatusRunning, got.State.Status)
	assert.Equal(t, 2, got.State.CurrentStepIndex)
}

func TestFileStoreLoadMissingReturnsNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := store.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreSaveOverwritesSameExecution(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, workflow.Checkpoint{WorkflowID: "wf-1", ExecutionID: "ex-1", State: workflow.CheckpointState{CurrentStepIndex: 1}}))
	require.NoError(t, store.Save(ctx, workflow.Checkpoint{WorkflowID: "wf-1", ExecutionID: "ex-1", State: workflow.CheckpointState{CurrentStepIndex: 5}}))

	got, ok, err := store.Load(ctx, "ex-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, got.State.CurrentStepIndex)
}

func TestFileStoreListCheckpointsFiltersByWorkflowAndOrdersNewestFirst(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	base := time.Now()
	require.NoError(t, store.Save(ctx, workflow.Checkpoint{WorkflowID: "wf-1", ExecutionID: "ex-1", CreatedAt: base}))
	require.NoError(t, store.Save(ctx, workflow.Checkpoint{WorkflowID: "wf-1", ExecutionID: "ex-2", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, store.Save(ctx, workflow.Checkpoint{WorkflowID: "wf-2", ExecutionID: "ex-3", CreatedAt: base}))

	records, err := store.ListCheckpoints(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ex-2", records[0].ExecutionID)
	assert.Equal(t, "ex-1", records[1].ExecutionID)
}

func TestFileStoreDeleteCheckpoint(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, workflow.Checkpoint{WorkflowID: "wf-1", ExecutionID: "ex-1"}))
	require.NoError(t, store.DeleteCheckpoint(ctx, "ex-1"))

	_, ok, err := store.Load(ctx, "ex-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting a nonexistent checkpoint is not an error
	require.NoError(t, store.DeleteCheckpoint(ctx, "ex-1"))
}

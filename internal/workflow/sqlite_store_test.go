package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteWorkflowStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreCreateAndGet(t *testing.T) {
	store := newTestSQLiteWorkflowStore(t)
	ctx := context.Background()

	w := &Workflow{ID: "wf-1", Status: StatusPending, Steps: []Step{{ID: "step-1", Status: StepPending}}}
	require.NoError(t, store.Create(ctx, w))

	got, err := store.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "step-1", got.Steps[0].ID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLiteStoreCreateRejectsDuplicateID(t *testing.T) {
	store := newTestSQLiteWorkflowStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Workflow{ID: "wf-1"}))
	err := store.Create(ctx, &Workflow{ID: "wf-1"})
	require.Error(t, err)
}

func TestSQLiteStoreGetMissingReturnsNotFound(t *testing.T) {
	store := newTestSQLiteWorkflowStore(t)
	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestSQLiteStoreUpdateReplacesWorkflow(t *testing.T) {
	store := newTestSQLiteWorkflowStore(t)
	ctx := context.Background()

	w := &Workflow{ID: "wf-1", Status: StatusPending}
	require.NoError(t, store.Create(ctx, w))

	w.Status = StatusRunning
	w.CurrentStepIndex = 2
	require.NoError(t, store.Update(ctx, w))

	got, err := store.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 2, got.CurrentStepIndex)
}

func TestSQLiteStoreUpdateMissingReturnsNotFound(t *testing.T) {
	store := newTestSQLiteWorkflowStore(t)
	err := store.Update(context.Background(), &Workflow{ID: "missing"})
	require.Error(t, err)
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := newTestSQLiteWorkflowStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Workflow{ID: "wf-1"}))
	require.NoError(t, store.Delete(ctx, "wf-1"))

	_, err := store.Get(ctx, "wf-1")
	require.Error(t, err)
}

func TestSQLiteStoreListFiltersByStatusNewestFirst(t *testing.T) {
	store := newTestSQLiteWorkflowStore(t)
	ctx := context.Background()

	older := &Workflow{ID: "wf-1", Status: StatusCompleted, CreatedAt: time.Now().Add(-time.Hour)}
	newer := &Workflow{ID: "wf-2", Status: StatusCompleted, CreatedAt: time.Now()}
	running := &Workflow{ID: "wf-3", Status: StatusRunning}
	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Create(ctx, newer))
	require.NoError(t, store.Create(ctx, running))

	completed := StatusCompleted
	results, err := store.List(ctx, Query{Status: &completed})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "wf-2", results[0].ID)
	assert.Equal(t, "wf-1", results[1].ID)
}

func TestSQLiteStoreListRespectsLimitAndOffset(t *testing.T) {
	store := newTestSQLiteWorkflowStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(ctx, &Workflow{ID: string(rune('a' + i))}))
	}

	results, err := store.List(ctx, Query{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

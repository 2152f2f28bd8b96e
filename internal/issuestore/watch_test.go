package issuestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/internal/merge"
)

func TestStoreWatchReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeIssues(t, path, []issueStub{{ID: "a", Status: "open"}})

	s, err := New(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []merge.Entity, 4)
	go func() {
		_ = s.Watch(ctx, func(entities []merge.Entity) {
			reloaded <- entities
		})
	}()

	// Give the watcher time to register before mutating the file.
	time.Sleep(50 * time.Millisecond)
	writeIssues(t, path, []issueStub{{ID: "a", Status: "open"}, {ID: "b", Status: "closed"}})

	select {
	case entities := <-reloaded:
		require.Len(t, entities, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	_, ok := s.Get("b")
	require.True(t, ok)
}

func TestStoreWatchStopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeIssues(t, path, []issueStub{{ID: "a"}})
	s, err := New(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, nil) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}

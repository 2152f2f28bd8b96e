package issuestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type relStub struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

type issueStub struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Relationships []relStub `json:"relationships"`
}

func writeIssues(t *testing.T, path string, issues []issueStub) {
	t.Helper()
	var buf []byte
	for _, iss := range issues {
		line, err := json.Marshal(iss)
		require.NoError(t, err)
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestStoreNewOnMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	s, err := New(path, nil)
	require.NoError(t, err)
	require.Empty(t, s.All())
}

func TestStoreReloadPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeIssues(t, path, []issueStub{{ID: "a", Status: "open"}})

	s, err := New(path, nil)
	require.NoError(t, err)
	_, ok := s.Get("a")
	require.True(t, ok)

	writeIssues(t, path, []issueStub{{ID: "a", Status: "open"}, {ID: "b", Status: "closed"}})
	require.NoError(t, s.Reload())

	_, ok = s.Get("b")
	require.True(t, ok)
	require.Len(t, s.All(), 2)
}

func TestStoreIsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeIssues(t, path, []issueStub{
		{ID: "a", Status: "open"},
		{ID: "b", Status: "closed"},
		{ID: "c", Status: "done"},
	})
	s, err := New(path, nil)
	require.NoError(t, err)

	closed, err := s.IsClosed(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, closed)

	closed, err = s.IsClosed(context.Background(), "b")
	require.NoError(t, err)
	require.True(t, closed)

	closed, err = s.IsClosed(context.Background(), "c")
	require.NoError(t, err)
	require.True(t, closed)

	_, err = s.IsClosed(context.Background(), "nope")
	require.Error(t, err)
}

func TestStoreIssuesImplementingSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeIssues(t, path, []issueStub{
		{ID: "issue-1", Relationships: []relStub{{Kind: "implements", Target: "spec-1"}}},
		{ID: "issue-2", Relationships: []relStub{{Kind: "implements", Target: "spec-2"}}},
		{ID: "issue-3", Relationships: []relStub{{Kind: "implements", Target: "spec-1"}}},
	})
	s, err := New(path, nil)
	require.NoError(t, err)

	ids, err := s.IssuesImplementingSpec(context.Background(), "spec-1")
	require.NoError(t, err)
	require.Equal(t, []string{"issue-1", "issue-3"}, ids)
}

func TestStoreRootIssueClosureWalksBothDirections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	// root blocks child; grandparent depends-on root.
	writeIssues(t, path, []issueStub{
		{ID: "root", Relationships: []relStub{{Kind: "blocks", Target: "child"}}},
		{ID: "child"},
		{ID: "grandparent", Relationships: []relStub{{Kind: "depends-on", Target: "root"}}},
		{ID: "unrelated"},
	})
	s, err := New(path, nil)
	require.NoError(t, err)

	ids, err := s.RootIssueClosure(context.Background(), "root")
	require.NoError(t, err)
	require.Equal(t, []string{"child", "grandparent", "root"}, ids)
}

func TestStoreRootIssueClosureUnknownRootErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeIssues(t, path, []issueStub{{ID: "a"}})
	s, err := New(path, nil)
	require.NoError(t, err)

	_, err = s.RootIssueClosure(context.Background(), "missing")
	require.Error(t, err)
}

func TestStoreRelationsFiltersToGivenSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeIssues(t, path, []issueStub{
		{ID: "a", Relationships: []relStub{{Kind: "blocks", Target: "b"}, {Kind: "blocks", Target: "outside"}}},
		{ID: "b", Relationships: []relStub{{Kind: "depends-on", Target: "a"}}},
	})
	s, err := New(path, nil)
	require.NoError(t, err)

	rels, err := s.Relations(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, rels, 2)
}

package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/internal/coreerrors"
	"github.com/flowforge/orchestrator/internal/depgraph"
)

type fakeResolver struct {
	issues    map[string][]string // specID/rootID -> issue ids
	relations []depgraph.Relation
	closed    map[string]bool
}

func (f *fakeResolver) IssuesImplementingSpec(ctx context.Context, specID string) ([]string, error) {
	return f.issues[specID], nil
}

func (f *fakeResolver) RootIssueClosure(ctx context.Context, rootID string) ([]string, error) {
	return f.issues[rootID], nil
}

func (f *fakeResolver) Relations(ctx context.Context, issueIDs []string) ([]depgraph.Relation, error) {
	return f.relations, nil
}

func (f *fakeResolver) IsClosed(ctx context.Context, issueID string) (bool, error) {
	return f.closed[issueID], nil
}

func TestBuildStepsFromIssuesSource(t *testing.T) {
	resolver := &fakeResolver{
		relations: []depgraph.Relation{{From: "a", To: "b", Kind: depgraph.RelationBlocks}},
		closed:    map[string]bool{},
	}

	steps, err := buildSteps(context.Background(), Source{Kind: SourceIssues, IssueIDs: []string{"b", "a"}}, resolver)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	byID := map[string]Step{}
	for _, s := range steps {
		byID[s.ID] = s
	}
	assert.Equal(t, StepReady, byID["a"].Status)
	assert.Equal(t, StepPending, byID["b"].Status)
	assert.Equal(t, []string{"a"}, byID["b"].Dependencies)
}

func TestBuildStepsClosedIssueBornCompletedUnblocksDependents(t *testing.T) {
	resolver := &fakeResolver{
		relations: []depgraph.Relation{{From: "a", To: "b", Kind: depgraph.RelationBlocks}},
		closed:    map[string]bool{"a": true},
	}

	steps, err := buildSteps(context.Background(), Source{Kind: SourceIssues, IssueIDs: []string{"a", "b"}}, resolver)
	require.NoError(t, err)

	byID := map[string]Step{}
	for _, s := range steps {
		byID[s.ID] = s
	}
	assert.Equal(t, StepCompleted, byID["a"].Status)
	assert.Equal(t, StepReady, byID["b"].Status)
}

func TestBuildStepsGoalSourceIsEmpty(t *testing.T) {
	steps, err := buildSteps(context.Background(), Source{Kind: SourceGoal, GoalText: "ship it"}, &fakeResolver{})
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestBuildStepsDependsOnReversed(t *testing.T) {
	resolver := &fakeResolver{
		relations: []depgraph.Relation{{From: "b", To: "a", Kind: depgraph.RelationDependsOn}},
	}
	steps, err := buildSteps(context.Background(), Source{Kind: SourceIssues, IssueIDs: []string{"a", "b"}}, resolver)
	require.NoError(t, err)

	byID := map[string]Step{}
	for _, s := range steps {
		byID[s.ID] = s
	}
	assert.Equal(t, []string{"a"}, byID["b"].Dependencies)
}

func TestBuildStepsRejectsCyclicSource(t *testing.T) {
	resolver := &fakeResolver{
		relations: []depgraph.Relation{
			{From: "a", To: "b", Kind: depgraph.RelationBlocks},
			{From: "b", To: "a", Kind: depgraph.RelationBlocks},
		},
	}

	_, err := buildSteps(context.Background(), Source{Kind: SourceIssues, IssueIDs: []string{"a", "b"}}, resolver)
	require.Error(t, err)

	var srcErr *coreerrors.InvalidSourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Contains(t, srcErr.Reason, "cycle")
}

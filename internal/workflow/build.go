package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/flowforge/orchestrator/internal/coreerrors"
	"github.com/flowforge/orchestrator/internal/depgraph"
)

// IssueResolver answers the questions the Workflow Engine needs of the
// (out-of-scope, opaque) entity store when creating a workflow from a
// Source: which issues a source denotes, their blocks/depends-on
// relationships, and whether an issue is already closed.
type IssueResolver interface {
	// IssuesImplementingSpec returns every issue id whose `implements`
	// relationship targets specID.
	IssuesImplementingSpec(ctx context.Context, specID string) ([]string, error)
	// RootIssueClosure returns rootID plus transitively all `blocks`
	// predecessors and all `depends-on` successors.
	RootIssueClosure(ctx context.Context, rootID string) ([]string, error)
	// Relations returns every blocks/depends-on relation among issueIDs.
	Relations(ctx context.Context, issueIDs []string) ([]depgraph.Relation, error)
	// IsClosed reports whether issueID is already closed.
	IsClosed(ctx context.Context, issueID string) (bool, error)
}

// resolveIssueIDs resolves a workflow source to its concrete issue set.
func resolveIssueIDs(ctx context.Context, src Source, resolver IssueResolver) ([]string, error) {
	switch src.Kind {
	case SourceSpec:
		return resolver.IssuesImplementingSpec(ctx, src.SpecID)
	case SourceIssues:
		ids := append([]string(nil), src.IssueIDs...)
		sort.Strings(ids)
		return ids, nil
	case SourceRootIssue:
		return resolver.RootIssueClosure(ctx, src.RootIssueID)
	case SourceGoal:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown workflow source kind %q", src.Kind)
	}
}

// buildSteps resolves source to an issue set, runs the Dependency Analyzer,
// and transforms the resulting DAG into Steps whose Dependencies are the
// step ids (here, issue ids) of their in-neighbors.
// Issues already closed are born StepCompleted; readiness is then computed
// to a fixed point so steps unblocked by already-closed dependencies start
// ready rather than pending.
func buildSteps(ctx context.Context, src Source, resolver IssueResolver) ([]Step, error) {
	issueIDs, err := resolveIssueIDs(ctx, src, resolver)
	if err != nil {
		return nil, fmt.Errorf("resolving workflow source: %w", err)
	}
	if len(issueIDs) == 0 {
		return nil, nil
	}

	relations, err := resolver.Relations(ctx, issueIDs)
	if err != nil {
		return nil, fmt.Errorf("loading issue relations: %w", err)
	}

	result := depgraph.Analyze(issueIDs, relations)
	if result.Cycles != nil {
		// A cyclic source can never schedule: every step in the cycle waits
		// on another, so reject creation outright.
		return nil, &coreerrors.InvalidSourceError{
			Reason: fmt.Sprintf("issue dependency cycle: %s", strings.Join(result.Cycles[0], " -> ")),
		}
	}

	dependencies := make(map[string][]string, len(issueIDs))
	for _, e := range result.Edges {
		dependencies[e.To] = append(dependencies[e.To], e.From)
	}
	for _, deps := range dependencies {
		sort.Strings(deps)
	}

	steps := make([]Step, len(issueIDs))
	for i, id := range issueIDs {
		closed, err := resolver.IsClosed(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checking issue %s closed state: %w", id, err)
		}

		status := StepPending
		if closed {
			status = StepCompleted
		} else if len(dependencies[id]) == 0 {
			status = StepReady
		}

		steps[i] = Step{
			ID:           id,
			IssueID:      id,
			Index:        i,
			Dependencies: dependencies[id],
			Status:       status,
		}
	}

	recomputeReadiness(steps)
	return steps, nil
}

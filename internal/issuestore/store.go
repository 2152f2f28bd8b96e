// Package issuestore implements the
// issue entity store as a concrete, file-backed component: issues are
// entities in a JSONL file,
// parsed with internal/merge's Entity machinery. It implements
// workflow.IssueResolver directly, and watches its file for external
// changes (e.g. a concurrent git checkout landing a three-way merge)
// via fsnotify, reloading its own index and handing the refreshed issue
// set to a callback.
package issuestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/flowforge/orchestrator/internal/depgraph"
	"github.com/flowforge/orchestrator/internal/merge"
)

// relationKind/targetKey are the field names a relationship entry in an
// issue's relationships[] array is expected to carry.
const (
	relationKindField   = "kind"
	relationTargetField = "target"
	statusField         = "status"
)

const (
	relationBlocks     = "blocks"
	relationDependsOn  = "depends-on"
	relationImplements = "implements"
)

var closedStatuses = map[string]bool{"closed": true, "done": true, "completed": true}

// Store holds the in-memory issue index loaded from a JSONL file.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	issues map[string]merge.Entity
}

// New loads path (if it exists — a missing file starts empty) into an
// in-memory issue index.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger, issues: make(map[string]merge.Entity)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file from disk, replacing the in-memory
// index wholesale. Safe to call concurrently with resolver reads.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.issues = make(map[string]merge.Entity)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("issuestore: reading %s: %w", s.path, err)
	}

	entities := merge.ParseJSONL(data, s.logger)
	issues := make(map[string]merge.Entity, len(entities))
	for _, e := range entities {
		if id, _ := e["id"].(string); id != "" {
			issues[id] = e
		}
	}

	s.mu.Lock()
	s.issues = issues
	s.mu.Unlock()
	return nil
}

// Get returns the issue entity for id, if loaded.
func (s *Store) Get(id string) (merge.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.issues[id]
	return e, ok
}

// All returns every loaded issue; Watch passes it to its callback after
// each reload.
func (s *Store) All() []merge.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]merge.Entity, 0, len(s.issues))
	for _, e := range s.issues {
		out = append(out, e)
	}
	return out
}

func relationshipsOf(e merge.Entity) []map[string]any {
	raw, _ := e["relationships"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func relField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// IssuesImplementingSpec implements workflow.IssueResolver.
func (s *Store) IssuesImplementingSpec(ctx context.Context, specID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, issue := range s.issues {
		for _, rel := range relationshipsOf(issue) {
			if relField(rel, relationKindField) == relationImplements && relField(rel, relationTargetField) == specID {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RootIssueClosure implements workflow.IssueResolver: rootID plus every
// transitive blocks-predecessor and depends-on-successor.
func (s *Store) RootIssueClosure(ctx context.Context, rootID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.issues[rootID]; !ok {
		return nil, fmt.Errorf("issuestore: root issue %q not found", rootID)
	}

	visited := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		issue, ok := s.issues[id]
		if !ok {
			continue
		}
		for _, rel := range relationshipsOf(issue) {
			kind := relField(rel, relationKindField)
			target := relField(rel, relationTargetField)
			if target == "" || (kind != relationBlocks && kind != relationDependsOn) {
				continue
			}
			if !visited[target] {
				visited[target] = true
				queue = append(queue, target)
			}
		}
		// Also walk predecessors: any issue elsewhere in the store that
		// names id as a blocks/depends-on target is part of the closure.
		for otherID, other := range s.issues {
			if visited[otherID] {
				continue
			}
			for _, rel := range relationshipsOf(other) {
				kind := relField(rel, relationKindField)
				target := relField(rel, relationTargetField)
				if target == id && (kind == relationBlocks || kind == relationDependsOn) {
					visited[otherID] = true
					queue = append(queue, otherID)
					break
				}
			}
		}
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Relations implements workflow.IssueResolver: every blocks/depends-on
// relation with both endpoints inside issueIDs.
func (s *Store) Relations(ctx context.Context, issueIDs []string) ([]depgraph.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inSet := make(map[string]bool, len(issueIDs))
	for _, id := range issueIDs {
		inSet[id] = true
	}

	var relations []depgraph.Relation
	for id := range inSet {
		issue, ok := s.issues[id]
		if !ok {
			continue
		}
		for _, rel := range relationshipsOf(issue) {
			kind := relField(rel, relationKindField)
			target := relField(rel, relationTargetField)
			if target == "" || !inSet[target] {
				continue
			}
			switch kind {
			case relationBlocks:
				relations = append(relations, depgraph.Relation{From: id, To: target, Kind: depgraph.RelationBlocks})
			case relationDependsOn:
				relations = append(relations, depgraph.Relation{From: id, To: target, Kind: depgraph.RelationDependsOn})
			}
		}
	}
	return relations, nil
}

// IsClosed implements workflow.IssueResolver.
func (s *Store) IsClosed(ctx context.Context, issueID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	issue, ok := s.issues[issueID]
	if !ok {
		return false, fmt.Errorf("issuestore: issue %q not found", issueID)
	}
	status, _ := issue[statusField].(string)
	return closedStatuses[status], nil
}

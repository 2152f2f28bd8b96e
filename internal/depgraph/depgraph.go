// Package depgraph implements the dependency analyzer: builds a DAG from
// blocks/depends-on relationships, topologically sorts it with Kahn's
// algorithm, detects cycles via DFS, and levels nodes into parallel
// groups. Analysis is pure and synchronous, with no executor coupling.
package depgraph

import "sort"

// RelationKind is the source relationship a caller observed between two
// issues.
type RelationKind string

const (
	// RelationBlocks runs from blocker to blocked.
	RelationBlocks RelationKind = "blocks"
	// RelationDependsOn runs from dependent to blocker; the analyzer
	// reverses it into a blocker->blocked edge before building the graph.
	RelationDependsOn RelationKind = "depends-on"
)

// Relation is one observed edge between two issue ids, in its original
// (un-reversed) direction.
type Relation struct {
	From string
	To   string
	Kind RelationKind
}

// Edge is a normalized blocker->blocked edge in the built graph.
type Edge struct {
	From string
	To   string
}

// Result is the output of Analyze.
type Result struct {
	IssueIDs        []string
	Edges           []Edge
	TopologicalOrder []string
	Cycles          [][]string // nil if the graph is acyclic
	ParallelGroups  [][]string
}

// Analyze builds the DAG restricted to issueIDs, suppressing duplicate
// edges and dropping edges to/from ids outside the input set, then computes
// a topological order (Kahn's algorithm), cycle detection (DFS) if the sort
// could not emit every node, and parallel-group levelling.
func Analyze(issueIDs []string, relations []Relation) Result {
	inSet := make(map[string]struct{}, len(issueIDs))
	for _, id := range issueIDs {
		inSet[id] = struct{}{}
	}

	seen := make(map[Edge]struct{})
	var edges []Edge
	for _, r := range relations {
		from, to := r.From, r.To
		if r.Kind == RelationDependsOn {
			from, to = to, from
		}
		if _, ok := inSet[from]; !ok {
			continue
		}
		if _, ok := inSet[to]; !ok {
			continue
		}
		e := Edge{From: from, To: to}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		edges = append(edges, e)
	}

	adjacency := make(map[string][]string, len(issueIDs))
	inDegree := make(map[string]int, len(issueIDs))
	for _, id := range issueIDs {
		inDegree[id] = 0
	}
	for _, e := range edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
		inDegree[e.To]++
	}
	for _, neighbors := range adjacency {
		sort.Strings(neighbors)
	}

	order, levels := kahn(issueIDs, adjacency, inDegree)

	var cycles [][]string
	if len(order) < len(issueIDs) {
		emitted := make(map[string]struct{}, len(order))
		for _, id := range order {
			emitted[id] = struct{}{}
		}
		remaining := make([]string, 0, len(issueIDs)-len(order))
		for _, id := range issueIDs {
			if _, ok := emitted[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		cycles = findCycles(remaining, adjacency)
	}

	groups := parallelGroups(order, levels)

	return Result{
		IssueIDs:        issueIDs,
		Edges:           edges,
		TopologicalOrder: order,
		Cycles:          cycles,
		ParallelGroups:  groups,
	}
}

// kahn runs Kahn's algorithm: seed the queue with all zero-in-degree
// nodes (in input order for determinism), pop and emit, decrement
// neighbors, enqueue any that newly reach zero. Also tracks each emitted
// node's level = 1 + max(level of in-neighbors), needed for parallel-group
// assignment.
func kahn(issueIDs []string, adjacency map[string][]string, inDegree map[string]int) ([]string, map[string]int) {
	degree := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		degree[k] = v
	}

	var queue []string
	for _, id := range issueIDs {
		if degree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(issueIDs))
	levels := make(map[string]int, len(issueIDs))
	for _, id := range queue {
		levels[id] = 1
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range adjacency[id] {
			if levels[id]+1 > levels[next] {
				levels[next] = levels[id] + 1
			}
			degree[next]--
			if degree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	return order, levels
}

// findCycles locates cycles among the nodes Kahn's algorithm could not
// emit, via DFS restricted to those nodes. Each discovered cycle is
// returned as a path ending in the repeated node.
func findCycles(remaining []string, adjacency map[string][]string) [][]string {
	remainSet := make(map[string]struct{}, len(remaining))
	for _, id := range remaining {
		remainSet[id] = struct{}{}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(remaining))
	var cycles [][]string

	var path []string
	onPath := make(map[string]int) // node -> index in path

	var dfs func(node string)
	dfs = func(node string) {
		state[node] = visiting
		path = append(path, node)
		onPath[node] = len(path) - 1

		for _, next := range adjacency[node] {
			if _, ok := remainSet[next]; !ok {
				continue
			}
			switch state[next] {
			case unvisited:
				dfs(next)
			case visiting:
				start := onPath[next]
				cycle := append([]string{}, path[start:]...)
				cycle = append(cycle, next)
				cycles = append(cycles, cycle)
			}
		}

		path = path[:len(path)-1]
		delete(onPath, node)
		state[node] = visited
	}

	for _, id := range remaining {
		if state[id] == unvisited {
			dfs(id)
		}
	}

	return cycles
}

// parallelGroups assigns each topologically-ordered node to its level,
// returning groups in ascending level order; within a group, nodes retain
// topological-order relative ordering.
func parallelGroups(order []string, levels map[string]int) [][]string {
	if len(order) == 0 {
		return nil
	}
	maxLevel := 0
	for _, id := range order {
		if levels[id] > maxLevel {
			maxLevel = levels[id]
		}
	}
	groups := make([][]string, maxLevel)
	for _, id := range order {
		l := levels[id] - 1
		groups[l] = append(groups[l], id)
	}
	return groups
}

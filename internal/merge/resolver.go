package merge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// indexReader is the subset of GitRepo the Resolver reads conflict-marker
// base/ours/theirs content through, so tests can substitute a fake.
type indexReader interface {
	ReadStage(ctx context.Context, stage int, path string) (data []byte, ok bool, err error)
}

// Resolver is the manual conflict resolver:
// it reads a file left with `<<<<<<<`/`=======`/`>>>>>>>` markers in
// place, prefers a true three-way merge sourced from the git index's
// unmerged stages, and falls back to a two-way "latest-updated-at wins"
// merge of the conflict markers themselves when the index is unavailable.
type Resolver struct {
	repo   indexReader // nil disables the index-backed path
	logger *slog.Logger
}

// NewResolver creates a Resolver. repo may be nil, in which case every
// file is resolved via the marker fallback.
func NewResolver(repo indexReader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repo: repo, logger: logger}
}

// ResolveFile resolves the conflict markers in path in place, returning any
// conflict records the merge produced.
func (r *Resolver) ResolveFile(ctx context.Context, path string) ([]ConflictRecord, error) {
	if r.repo != nil {
		if conflicts, ok, err := r.resolveFromIndex(ctx, path); err != nil {
			return nil, err
		} else if ok {
			return conflicts, nil
		}
	}
	return r.resolveFromMarkers(path)
}

// resolveFromIndex attempts the true three-way merge using git's unmerged
// index stages 1 (base), 2 (ours), 3 (theirs). ok is false when stage 2 or
// 3 isn't available, signalling the caller should fall back.
func (r *Resolver) resolveFromIndex(ctx context.Context, path string) ([]ConflictRecord, bool, error) {
	baseData, baseOK, err := r.repo.ReadStage(ctx, 1, path)
	if err != nil {
		return nil, false, fmt.Errorf("reading base index stage: %w", err)
	}
	oursData, oursOK, err := r.repo.ReadStage(ctx, 2, path)
	if err != nil {
		return nil, false, fmt.Errorf("reading ours index stage: %w", err)
	}
	theirsData, theirsOK, err := r.repo.ReadStage(ctx, 3, path)
	if err != nil {
		return nil, false, fmt.Errorf("reading theirs index stage: %w", err)
	}
	if !oursOK || !theirsOK {
		return nil, false, nil
	}

	var base []Entity
	if baseOK {
		base = ParseJSONL(baseData, r.logger)
	}
	ours := ParseJSONL(oursData, r.logger)
	theirs := ParseJSONL(theirsData, r.logger)

	merged, conflicts := MergeEntities(base, ours, theirs)
	out, err := WriteJSONL(merged)
	if err != nil {
		return nil, false, fmt.Errorf("serializing merged entities: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, false, fmt.Errorf("writing resolved file: %w", err)
	}
	return conflicts, true, nil
}

// resolveFromMarkers performs a two-way "latest-updated-at wins" merge
// directly on the file's conflict-marker hunks, used when the git index
// isn't available.
// Clean (non-conflicted) lines are preserved as raw strings and, when
// already in sort order alongside the resolved hunks, merged via a linear
// merge-of-sorted-runs instead of a full re-parse and sort.
func (r *Resolver) resolveFromMarkers(path string) ([]ConflictRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading conflicted file: %w", err)
	}

	segments := splitSegments(data, r.logger)

	var conflicts []ConflictRecord
	var cleanLines [][]byte
	var resolvedEntities []Entity
	allCleanSorted := true

	for _, seg := range segments {
		if seg.hunk != nil {
			ours := ParseJSONL(joinLines(trimmedNonEmpty(seg.hunk.ours)), r.logger)
			theirs := ParseJSONL(joinLines(trimmedNonEmpty(seg.hunk.theirs)), r.logger)
			var base []Entity
			if len(seg.hunk.base) > 0 {
				base = ParseJSONL(joinLines(trimmedNonEmpty(seg.hunk.base)), r.logger)
			}
			merged, hunkConflicts := MergeEntities(base, ours, theirs)
			resolvedEntities = append(resolvedEntities, merged...)
			conflicts = append(conflicts, hunkConflicts...)
			continue
		}

		lines := trimmedNonEmpty(seg.clean)
		cleanLines = append(cleanLines, lines...)
		if allCleanSorted && !cleanLinesSorted(lines) {
			allCleanSorted = false
		}
	}

	out, err := r.assemble(cleanLines, resolvedEntities, allCleanSorted)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("writing resolved file: %w", err)
	}
	return conflicts, nil
}

// assemble produces the final sorted byte output. When the clean lines are
// already sorted, it merges them with the (individually sorted) resolved
// entities in linear time; otherwise it falls back to a full parse+sort of
// everything.
func (r *Resolver) assemble(cleanLines [][]byte, resolved []Entity, cleanSorted bool) ([]byte, error) {
	sortEntities(resolved)

	if !cleanSorted {
		all := append([]Entity{}, resolved...)
		all = append(all, ParseJSONL(joinLines(cleanLines), r.logger)...)
		return WriteJSONL(all)
	}

	// Linear merge-of-sorted-runs: clean lines are raw bytes (never
	// parsed beyond the sort key), resolved entities are freshly merged.
	var out [][]byte
	ci, ei := 0, 0
	for ci < len(cleanLines) && ei < len(resolved) {
		data, err := marshalEntity(resolved[ei])
		if err != nil {
			return nil, err
		}
		if cleanLineLess(cleanLines[ci], data) {
			out = append(out, cleanLines[ci])
			ci++
		} else {
			out = append(out, data)
			ei++
		}
	}
	for ; ci < len(cleanLines); ci++ {
		out = append(out, cleanLines[ci])
	}
	for ; ei < len(resolved); ei++ {
		data, err := marshalEntity(resolved[ei])
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}

	result := joinLines(out)
	if len(result) > 0 {
		result = append(result, '\n')
	}
	return result, nil
}

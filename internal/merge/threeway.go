package merge

import (
	"fmt"
	"reflect"
	"sort"
)

// ConflictRecord documents a non-destructive resolution the merge made that
// a caller may want to surface.
type ConflictRecord struct {
	Type        string   `json:"type"`
	UUID        string   `json:"uuid"`
	OriginalIDs []string `json:"originalIds"`
	ResolvedIDs []string `json:"resolvedIds"`
	Action      string   `json:"action"`
}

// MergeEntities performs the per-uuid, per-field three-way merge and then
// resolves human-id collisions across the result. It returns the merged
// entities (unsorted) and any conflict records produced.
func MergeEntities(base, ours, theirs []Entity) ([]Entity, []ConflictRecord) {
	baseByUUID := indexByUUID(base)
	oursByUUID := indexByUUID(ours)
	theirsByUUID := indexByUUID(theirs)

	uuids := make(map[string]struct{})
	for u := range baseByUUID {
		uuids[u] = struct{}{}
	}
	for u := range oursByUUID {
		uuids[u] = struct{}{}
	}
	for u := range theirsByUUID {
		uuids[u] = struct{}{}
	}

	ordered := make([]string, 0, len(uuids))
	for u := range uuids {
		ordered = append(ordered, u)
	}
	sort.Strings(ordered) // deterministic iteration order for id-collision renaming below

	var merged []Entity
	for _, u := range ordered {
		b, inBase := baseByUUID[u]
		o, inOurs := oursByUUID[u]
		t, inTheirs := theirsByUUID[u]

		switch {
		case inBase && (!inOurs || !inTheirs):
			// Present in base but missing from at least one side: tombstone.
			continue

		case !inBase && inOurs && inTheirs:
			// Both sides independently added the same uuid: field-merge
			// against an empty base.
			merged = append(merged, mergeFields(Entity{}, o, t))

		case inBase && inOurs && inTheirs:
			merged = append(merged, mergeFields(b, o, t))

		case !inBase && inOurs && !inTheirs:
			merged = append(merged, o)

		case !inBase && !inOurs && inTheirs:
			merged = append(merged, t)
		}
	}

	merged, conflicts := resolveIDCollisions(merged)
	return merged, conflicts
}

// mergeFields merges a single entity field by field: if only one side
// changed a field relative to base, take the change; if both changed, take
// the side with the larger updated_at (ties favor ours). updated_at itself
// is always the max of the two sides.
func mergeFields(base, ours, theirs Entity) Entity {
	keys := make(map[string]struct{})
	for k := range base {
		keys[k] = struct{}{}
	}
	for k := range ours {
		keys[k] = struct{}{}
	}
	for k := range theirs {
		keys[k] = struct{}{}
	}

	oursWins := !theirs.updatedAt().After(ours.updatedAt()) // ties favor ours

	merged := make(Entity, len(keys))
	for k := range keys {
		if k == fieldUpdatedAt {
			continue
		}
		oursChanged := !reflect.DeepEqual(base[k], ours[k])
		theirsChanged := !reflect.DeepEqual(base[k], theirs[k])

		switch {
		case !oursChanged && !theirsChanged:
			merged[k] = ours[k]
		case oursChanged && !theirsChanged:
			merged[k] = ours[k]
		case !oursChanged && theirsChanged:
			merged[k] = theirs[k]
		default: // both changed
			if oursWins {
				merged[k] = ours[k]
			} else {
				merged[k] = theirs[k]
			}
		}
	}

	latest := ours.updatedAt()
	if theirs.updatedAt().After(latest) {
		latest = theirs.updatedAt()
	}
	if !latest.IsZero() {
		merged[fieldUpdatedAt] = latest.Format(rfc3339Nano)
	}
	return merged
}

const rfc3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

// resolveIDCollisions renames entities whose human id collides with
// another entity's (different uuid, same id), in arrival order, appending
// ".1", ".2", and so on.
func resolveIDCollisions(entities []Entity) ([]Entity, []ConflictRecord) {
	byID := make(map[string][]int) // id -> indices into entities, in arrival order
	for i, e := range entities {
		id := e.id()
		if id == "" {
			continue
		}
		byID[id] = append(byID[id], i)
	}

	var conflicts []ConflictRecord
	for id, indices := range byID {
		if len(indices) < 2 {
			continue
		}
		var originalIDs, resolvedIDs []string
		for n, idx := range indices {
			originalIDs = append(originalIDs, id)
			if n == 0 {
				resolvedIDs = append(resolvedIDs, id)
				continue
			}
			newID := fmt.Sprintf("%s.%d", id, n)
			entities[idx][fieldID] = newID
			resolvedIDs = append(resolvedIDs, newID)
		}
		for n, idx := range indices {
			if n == 0 {
				continue
			}
			conflicts = append(conflicts, ConflictRecord{
				Type:        "different-uuids",
				UUID:        entities[idx].uuid(),
				OriginalIDs: originalIDs,
				ResolvedIDs: resolvedIDs,
				Action:      "renamed",
			})
		}
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].UUID < conflicts[j].UUID })
	return entities, conflicts
}

// Package merge implements the JSONL three-way merge engine: a git merge
// driver and manual resolver for newline-delimited JSON entity files. Git
// plumbing is exec-wrapped with retries on transient lock errors.
package merge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Entity is one JSONL line: a JSON object preserving every field the
// caller's schema doesn't know about, plus the handful of well-known keys
// the merge algorithm reasons about.
type Entity map[string]any

const (
	fieldUUID      = "uuid"
	fieldID        = "id"
	fieldUpdatedAt = "updated_at"
	fieldCreatedAt = "created_at"
)

func (e Entity) str(field string) string {
	v, _ := e[field].(string)
	return v
}

func (e Entity) uuid() string { return e.str(fieldUUID) }
func (e Entity) id() string   { return e.str(fieldID) }

// timestampLayouts are the accepted timestamp shapes: RFC3339 and the
// space-separated variant, each with or without fractional seconds and
// zone. Values matching none of them parse as the zero time, which sorts
// as oldest.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (e Entity) updatedAt() time.Time {
	return parseTimestamp(e.str(fieldUpdatedAt))
}

func (e Entity) createdAt() time.Time {
	return parseTimestamp(e.str(fieldCreatedAt))
}

// ParseJSONL parses a newline-delimited sequence of JSON entities.
// Unparseable lines are logged and skipped with a warning, never fatal.
func ParseJSONL(data []byte, logger *slog.Logger) []Entity {
	if logger == nil {
		logger = slog.Default()
	}
	var entities []Entity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entity
		if err := json.Unmarshal(line, &e); err != nil {
			logger.Warn("merge: skipping unparseable JSONL line", "line", lineNum, "error", err)
			continue
		}
		entities = append(entities, e)
	}
	return entities
}

// WriteJSONL serializes entities sorted by (created_at ascending, id
// ascending).
func WriteJSONL(entities []Entity) ([]byte, error) {
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sortEntities(sorted)

	var buf bytes.Buffer
	for _, e := range sorted {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshaling merged entity %q: %w", e.uuid(), err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func sortEntities(entities []Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		ci, cj := entities[i].createdAt(), entities[j].createdAt()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return entities[i].id() < entities[j].id()
	})
}

func marshalEntity(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling merged entity %q: %w", e.uuid(), err)
	}
	return data, nil
}

func indexByUUID(entities []Entity) map[string]Entity {
	idx := make(map[string]Entity, len(entities))
	for _, e := range entities {
		if u := e.uuid(); u != "" {
			idx[u] = e
		}
	}
	return idx
}

package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONLSkipsUnparseableLines(t *testing.T) {
	data := []byte("{\"uuid\":\"a\"}\nnot json\n{\"uuid\":\"b\"}\n\n")
	entities := ParseJSONL(data, nil)
	require.Len(t, entities, 2)
	assert.Equal(t, "a", entities[0].uuid())
	assert.Equal(t, "b", entities[1].uuid())
}

func TestWriteJSONLSortsByCreatedAtThenID(t *testing.T) {
	entities := []Entity{
		{"uuid": "1", "id": "b", "created_at": "2024-01-01T00:00:00Z"},
		{"uuid": "2", "id": "a", "created_at": "2024-01-01T00:00:00Z"},
		{"uuid": "3", "id": "z", "created_at": "2023-01-01T00:00:00Z"},
	}
	out, err := WriteJSONL(entities)
	require.NoError(t, err)

	got := ParseJSONL(out, nil)
	require.Len(t, got, 3)
	assert.Equal(t, "3", got[0].uuid()) // earliest created_at
	assert.Equal(t, "2", got[1].uuid()) // same created_at, smaller id
	assert.Equal(t, "1", got[2].uuid())
}

func TestParseTimestampAcceptsBothShapes(t *testing.T) {
	want := time.Date(2025, 1, 1, 12, 30, 0, 0, time.UTC)

	for _, s := range []string{
		"2025-01-01T12:30:00Z",
		"2025-01-01 12:30:00+00:00",
		"2025-01-01 12:30:00",
		"2025-01-01T12:30:00",
	} {
		got := parseTimestamp(s)
		assert.True(t, got.Equal(want), "parsing %q: got %v", s, got)
	}

	// Invalid or missing values sort as oldest.
	assert.True(t, parseTimestamp("").IsZero())
	assert.True(t, parseTimestamp("yesterday-ish").IsZero())
}

func TestWriteJSONLSortsSpaceSeparatedCreatedAt(t *testing.T) {
	entities := []Entity{
		{"uuid": "1", "id": "a", "created_at": "2025-06-01 00:00:00"},
		{"uuid": "2", "id": "b", "created_at": "2025-01-01T00:00:00Z"},
	}
	out, err := WriteJSONL(entities)
	require.NoError(t, err)

	got := ParseJSONL(out, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].uuid())
	assert.Equal(t, "1", got[1].uuid())
}

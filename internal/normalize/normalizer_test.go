package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicatesExactRepeat(t *testing.T) {
	n := New()

	_, updates, ok := n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "hello there, this is a reasonably long message"})
	require.True(t, ok)
	require.Len(t, updates, 1)

	_, _, ok = n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "hello there, this is a reasonably long message"})
	assert.False(t, ok)
}

func TestCollapsesSmallStreamingAdditions(t *testing.T) {
	n := New()

	_, _, ok := n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "hello"})
	require.True(t, ok)

	// Addition of a few characters, well under the 50-char threshold for
	// short prior content: should be collapsed.
	_, _, ok = n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "hello wor"})
	assert.False(t, ok)
}

func TestEmitsWhenAdditionExceedsThreshold(t *testing.T) {
	n := New()

	_, _, ok := n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "hello"})
	require.True(t, ok)

	addition := ""
	for i := 0; i < 60; i++ {
		addition += "x"
	}
	entry, updates, ok := n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "hello" + addition})
	require.True(t, ok)
	require.Len(t, updates, 1)
	assert.Equal(t, "hello"+addition, entry.Text)
}

func TestCumulativeMessageSharesMessageID(t *testing.T) {
	n := New()

	padding := ""
	for i := 0; i < 60; i++ {
		padding += "a"
	}

	e1, _, ok := n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "intro " + padding})
	require.True(t, ok)

	morePadding := ""
	for i := 0; i < 60; i++ {
		morePadding += "b"
	}
	e2, _, ok := n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "intro " + padding + morePadding})
	require.True(t, ok)

	assert.Equal(t, e1.MessageID, e2.MessageID)
}

func TestDivergentContentStartsFreshMessageID(t *testing.T) {
	n := New()

	padding := ""
	for i := 0; i < 60; i++ {
		padding += "a"
	}
	e1, _, ok := n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "first message " + padding})
	require.True(t, ok)

	divergentPadding := ""
	for i := 0; i < 60; i++ {
		divergentPadding += "z"
	}
	e2, _, ok := n.Process(RawEntry{Index: 0, Kind: EntryAssistantMessage, Text: "totally different content " + divergentPadding})
	require.True(t, ok)

	assert.NotEqual(t, e1.MessageID, e2.MessageID)
}

func TestSystemMessageIsPrefixed(t *testing.T) {
	n := New()
	_, updates, ok := n.Process(RawEntry{Index: 0, Kind: EntrySystemMessage, Text: "compacting context"})
	require.True(t, ok)
	require.Len(t, updates, 1)
	assert.Equal(t, "[System] compacting context", updates[0].Text)
	assert.Equal(t, UpdateAgentMessageComplete, updates[0].Kind)
}

func TestThinkingMapsToThoughtComplete(t *testing.T) {
	n := New()
	_, updates, ok := n.Process(RawEntry{Index: 0, Kind: EntryThinking, Text: "considering approach"})
	require.True(t, ok)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateAgentThoughtComplete, updates[0].Kind)
}

func TestToolCallOnlyEmitsOnTerminalStatus(t *testing.T) {
	n := New()

	_, updates, ok := n.Process(RawEntry{Index: 1, Kind: EntryToolUse, Tool: Tool{Name: "file.write", Action: `{"path":"a.go"}`, Status: ToolWorking}})
	require.True(t, ok)
	assert.Empty(t, updates)

	_, updates, ok = n.Process(RawEntry{Index: 1, Kind: EntryToolUse, Tool: Tool{Name: "file.write", Action: `{"path":"a.go"}`, Status: ToolSuccess, Result: "ok"}})
	require.True(t, ok)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateToolCallComplete, updates[0].Kind)
	assert.Equal(t, CallCompleted, updates[0].Status)
}

func TestToolCallSharesIDAcrossRepeatedCalls(t *testing.T) {
	n := New()
	_, _, _ = n.Process(RawEntry{Index: 1, Kind: EntryToolUse, Tool: Tool{Name: "file.write", Action: `{"path":"a.go"}`, Status: ToolWorking}})
	_, updates1, _ := n.Process(RawEntry{Index: 1, Kind: EntryToolUse, Tool: Tool{Name: "file.write", Action: `{"path":"a.go"}`, Status: ToolSuccess, Result: "ok"}})

	_, _, _ = n.Process(RawEntry{Index: 2, Kind: EntryToolUse, Tool: Tool{Name: "file.write", Action: `{"path":"a.go"}`, Status: ToolWorking}})
	_, updates2, _ := n.Process(RawEntry{Index: 2, Kind: EntryToolUse, Tool: Tool{Name: "file.write", Action: `{"path":"a.go"}`, Status: ToolSuccess, Result: "ok again"}})

	require.Len(t, updates1, 1)
	require.Len(t, updates2, 1)
	assert.Equal(t, updates1[0].ToolCallID, updates2[0].ToolCallID)
}

func TestRepeatedTerminalToolEntryEmitsOnce(t *testing.T) {
	n := New()
	tool := Tool{Name: "shell.run", Action: `{"cmd":"make"}`, Status: ToolSuccess, Result: "done"}

	_, updates, ok := n.Process(RawEntry{Index: 3, Kind: EntryToolUse, Tool: tool})
	require.True(t, ok)
	require.Len(t, updates, 1)

	// A cumulative-replace stream replays the same terminal entry; it must
	// not produce a second tool_call_complete for the same call.
	_, updates, ok = n.Process(RawEntry{Index: 3, Kind: EntryToolUse, Tool: tool})
	require.True(t, ok)
	assert.Empty(t, updates)
}

func TestDifferentArgsGetDifferentToolCallID(t *testing.T) {
	n := New()
	_, u1, _ := n.Process(RawEntry{Index: 1, Kind: EntryToolUse, Tool: Tool{Name: "file.write", Action: `{"path":"a.go"}`, Status: ToolSuccess}})
	_, u2, _ := n.Process(RawEntry{Index: 2, Kind: EntryToolUse, Tool: Tool{Name: "file.write", Action: `{"path":"b.go"}`, Status: ToolSuccess}})
	require.Len(t, u1, 1)
	require.Len(t, u2, 1)
	assert.NotEqual(t, u1[0].ToolCallID, u2[0].ToolCallID)
}

func TestErrorMapsToFailedToolCallComplete(t *testing.T) {
	n := New()
	_, updates, ok := n.Process(RawEntry{Index: 0, Kind: EntryError, ErrMsg: "boom"})
	require.True(t, ok)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateToolCallComplete, updates[0].Kind)
	assert.Equal(t, CallFailed, updates[0].Status)
}

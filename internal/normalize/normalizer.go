package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// collapseThresholdShort is the minimum addition size (in bytes) required to
// emit an update when the prior content was short; collapseThresholdLong
// applies once the prior content has reached 200 bytes.
const (
	collapseThresholdShort = 50
	collapseThresholdLong  = 100
	collapseLongPivot      = 200
)

type messageKey struct {
	Index int
	Kind  EntryKind
}

type messageState struct {
	lastHash    string
	lastContent string
	messageID   string
}

// Normalizer holds the per-stream state needed to deduplicate and coalesce
// a single process's output into Normalized Entries and Session Updates. It
// is single-producer: callers must serialize calls to Process (the Task
// Executor owns the one goroutine reading a given process's chunks).
type Normalizer struct {
	mu sync.Mutex

	messages      map[messageKey]*messageState
	toolIDs       map[string]string // (toolName, argsKey) -> stable toolCallId
	toolEmissions map[string]string // (toolName, argsKey) -> hash of last terminal emission
}

// New creates an empty Normalizer for one execution's output stream.
func New() *Normalizer {
	return &Normalizer{
		messages:      make(map[messageKey]*messageState),
		toolIDs:       make(map[string]string),
		toolEmissions: make(map[string]string),
	}
}

// Process normalizes one raw entry, returning the Normalized Entry (if the
// update was not suppressed by dedup/collapse) and the Session Update(s) it
// maps to. Returns ok=false when the entry was fully suppressed.
func (n *Normalizer) Process(raw RawEntry) (Entry, []Update, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch raw.Kind {
	case EntryAssistantMessage, EntryThinking, EntrySystemMessage, EntryUserMessage:
		return n.processStreaming(raw)
	case EntryToolUse:
		return n.processTool(raw)
	case EntryError:
		return n.processError(raw)
	default:
		return Entry{}, nil, false
	}
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// processStreaming handles dedup, prefix collapse, and update mapping for
// the four plain-text streaming kinds.
func (n *Normalizer) processStreaming(raw RawEntry) (Entry, []Update, bool) {
	key := messageKey{Index: raw.Index, Kind: raw.Kind}
	st, exists := n.messages[key]
	if !exists {
		st = &messageState{messageID: uuid.NewString()}
		n.messages[key] = st
	}

	hash := contentHash(raw.Text)
	if exists && hash == st.lastHash {
		// (1) Deduplicate by (index, kind): exact repeat, skip.
		return Entry{}, nil, false
	}

	extendsPrior := exists && strings.HasPrefix(raw.Text, st.lastContent)
	if extendsPrior {
		addition := len(raw.Text) - len(st.lastContent)
		threshold := collapseThresholdShort
		if len(st.lastContent) >= collapseLongPivot {
			threshold = collapseThresholdLong
		}
		if addition < threshold {
			// (2) Collapse streaming prefixes smaller than the threshold.
			return Entry{}, nil, false
		}
	} else if exists {
		// (3) Content diverged from the prior value for this key: start a
		// fresh logical message rather than updating in place.
		st.messageID = uuid.NewString()
	}

	st.lastHash = hash
	st.lastContent = raw.Text

	entry := Entry{
		Index:     raw.Index,
		Kind:      raw.Kind,
		MessageID: st.messageID,
		Text:      raw.Text,
		Timestamp: raw.Timestamp,
	}

	update := mapStreamingUpdate(entry)
	return entry, []Update{update}, true
}

// mapStreamingUpdate applies the (5) mapping rules for the streaming kinds.
func mapStreamingUpdate(entry Entry) Update {
	switch entry.Kind {
	case EntryThinking:
		return Update{Kind: UpdateAgentThoughtComplete, MessageID: entry.MessageID, Text: entry.Text, Timestamp: entry.Timestamp}
	case EntryUserMessage:
		return Update{Kind: UpdateUserMessageComplete, MessageID: entry.MessageID, Text: entry.Text, Timestamp: entry.Timestamp}
	case EntrySystemMessage:
		return Update{Kind: UpdateAgentMessageComplete, MessageID: entry.MessageID, Text: "[System] " + entry.Text, Timestamp: entry.Timestamp}
	default: // EntryAssistantMessage
		return Update{Kind: UpdateAgentMessageComplete, MessageID: entry.MessageID, Text: entry.Text, Timestamp: entry.Timestamp}
	}
}

// toolKey builds the stable coalescing key for a tool call: (toolName,
// stringified-args).
func toolKey(t Tool) string {
	return t.Name + "\x00" + t.Action
}

// processTool coalesces tool calls under a stable toolCallId, emitting an
// update only for terminal statuses.
func (n *Normalizer) processTool(raw RawEntry) (Entry, []Update, bool) {
	key := toolKey(raw.Tool)
	id, ok := n.toolIDs[key]
	if !ok {
		id = uuid.NewString()
		n.toolIDs[key] = id
	}

	entry := Entry{
		Index:     raw.Index,
		Kind:      EntryToolUse,
		MessageID: id,
		Tool:      raw.Tool,
		Timestamp: raw.Timestamp,
	}

	if raw.Tool.Status != ToolSuccess && raw.Tool.Status != ToolFailed {
		// Non-terminal: tracked for coalescing, but nothing is emitted yet.
		return entry, nil, true
	}

	// A cumulative-replace stream repeats terminal entries verbatim; the
	// same (key, status, result) never produces a second update.
	emission := contentHash(string(raw.Tool.Status) + "\x00" + raw.Tool.Result)
	if n.toolEmissions[key] == emission {
		return entry, nil, true
	}
	n.toolEmissions[key] = emission

	update := Update{
		Kind:       UpdateToolCallComplete,
		ToolCallID: id,
		Status:     callStatus(raw.Tool.Status),
		Text:       raw.Tool.Result,
		Timestamp:  raw.Timestamp,
	}
	return entry, []Update{update}, true
}

// processError maps an error entry to a synthetic failed
// tool_call_complete.
func (n *Normalizer) processError(raw RawEntry) (Entry, []Update, bool) {
	id := fmt.Sprintf("error-%d-%s", raw.Index, contentHash(raw.ErrMsg))
	entry := Entry{
		Index:     raw.Index,
		Kind:      EntryError,
		MessageID: id,
		ErrCode:   raw.ErrCode,
		ErrMsg:    raw.ErrMsg,
		ErrStack:  raw.ErrStack,
		Timestamp: raw.Timestamp,
	}
	update := Update{
		Kind:       UpdateToolCallComplete,
		ToolCallID: id,
		Status:     CallFailed,
		Text:       raw.ErrMsg,
		Timestamp:  raw.Timestamp,
	}
	return entry, []Update{update}, true
}

// Package normalize implements the output normalizer: it consumes an
// async sequence of stdout/stderr chunks and produces normalized entries,
// then maps those onto session updates for subscribers. The input is a
// streaming cumulative-replace protocol, so repeated entries for the same
// logical message must be deduplicated and coalesced.
package normalize

import "time"

// EntryKind tags a Normalized Entry's payload.
type EntryKind string

const (
	EntryAssistantMessage EntryKind = "assistant_message"
	EntryThinking         EntryKind = "thinking"
	EntryToolUse          EntryKind = "tool_use"
	EntryError            EntryKind = "error"
	EntrySystemMessage    EntryKind = "system_message"
	EntryUserMessage      EntryKind = "user_message"
)

// ToolStatus is the lifecycle status of a tool_use entry.
type ToolStatus string

const (
	ToolWorking    ToolStatus = "working"
	ToolSuccess    ToolStatus = "success"
	ToolFailed     ToolStatus = "failed"
	ToolIncomplete ToolStatus = "incomplete"
)

// Tool carries the payload of a tool_use entry.
type Tool struct {
	Name   string
	Action string
	Status ToolStatus
	Result string
}

// RawEntry is one line/event read from a process's stdout/stderr before
// normalization: the agent's wire representation. Index identifies the
// logical message slot the agent assigns (for cumulative-replace protocols,
// repeated entries share an index).
type RawEntry struct {
	Index     int
	Kind      EntryKind
	Text      string // assistant_message / thinking / system_message / user_message content
	Tool      Tool   // tool_use payload
	ErrCode   string
	ErrMsg    string
	ErrStack  string
	Timestamp time.Time
}

// Entry is a Normalized Entry: the deduplicated, collapsed output
// of the normalizer, still tagged by Kind but carrying a stable MessageID
// for entries that can be updated in place.
type Entry struct {
	Index     int
	Kind      EntryKind
	MessageID string
	Text      string
	Tool      Tool
	ErrCode   string
	ErrMsg    string
	ErrStack  string
	Timestamp time.Time
}

// CallStatus is the tool-call status vocabulary session-update subscribers
// see: working, completed, failed, incomplete. It is distinct from
// ToolStatus, the wire vocabulary agents emit ("success" maps to
// "completed").
type CallStatus string

const (
	CallWorking    CallStatus = "working"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallIncomplete CallStatus = "incomplete"
)

// callStatus maps a tool_use entry's lifecycle status onto the session
// update vocabulary.
func callStatus(s ToolStatus) CallStatus {
	switch s {
	case ToolSuccess:
		return CallCompleted
	case ToolFailed:
		return CallFailed
	case ToolIncomplete:
		return CallIncomplete
	default:
		return CallWorking
	}
}

// UpdateKind tags a Session Update.
type UpdateKind string

const (
	UpdateAgentMessageComplete UpdateKind = "agent_message_complete"
	UpdateAgentThoughtComplete UpdateKind = "agent_thought_complete"
	UpdateToolCallComplete     UpdateKind = "tool_call_complete"
	UpdateUserMessageComplete  UpdateKind = "user_message_complete"
)

// Update is a Session Update fed to broadcaster subscribers.
type Update struct {
	Kind       UpdateKind
	MessageID  string
	ToolCallID string
	Text       string
	Status     CallStatus
	Timestamp  time.Time
}

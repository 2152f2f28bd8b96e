package normalize

import (
	"bytes"
	"encoding/json"
	"time"
)

// wireEntry is the per-line JSON shape read off a managed process's
// stdout: one minified JSON object per line, decoded into this package's
// tagged-union RawEntry kinds.
type wireEntry struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Text  string `json:"text"`
	Tool  struct {
		Name   string `json:"name"`
		Action string `json:"action"`
		Status string `json:"status"`
		Result string `json:"result"`
	} `json:"tool"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Stack   string `json:"stack"`
	} `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Decoder buffers raw stdout bytes, which may split a JSON line across
// multiple process.Chunk reads, into complete lines and decodes each into a
// RawEntry ready for (*Normalizer).Process. One Decoder is scoped to one
// execution's stdout stream.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder creates an empty line-buffering Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes and returns every RawEntry decoded from the
// complete lines now available. A line that isn't valid JSON, or whose
// "type" doesn't match a known EntryKind, is dropped rather than failing
// the stream.
func (d *Decoder) Feed(data []byte) []RawEntry {
	d.buf.Write(data)

	var entries []RawEntry
	for {
		b := d.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), b[:i]...)
		d.buf.Next(i + 1)

		if entry, ok := decodeLine(line); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

func decodeLine(line []byte) (RawEntry, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return RawEntry{}, false
	}

	var w wireEntry
	if err := json.Unmarshal(line, &w); err != nil {
		return RawEntry{}, false
	}

	entry := RawEntry{Index: w.Index, Timestamp: w.Timestamp}
	switch EntryKind(w.Type) {
	case EntryAssistantMessage, EntryThinking, EntrySystemMessage, EntryUserMessage:
		entry.Kind = EntryKind(w.Type)
		entry.Text = w.Text
	case EntryToolUse:
		entry.Kind = EntryToolUse
		entry.Tool = Tool{
			Name:   w.Tool.Name,
			Action: w.Tool.Action,
			Status: ToolStatus(w.Tool.Status),
			Result: w.Tool.Result,
		}
	case EntryError:
		entry.Kind = EntryError
		entry.ErrCode = w.Error.Code
		entry.ErrMsg = w.Error.Message
		entry.ErrStack = w.Error.Stack
	default:
		return RawEntry{}, false
	}
	return entry, true
}

package crdt

import "encoding/json"

// Message types for the WebSocket protocol.
const (
	msgSyncInit   = "sync-init"
	msgSyncUpdate = "sync-update"
)

// ByteArray marshals as a JSON array of numbers rather than the base64
// string encoding.MarshalJSON would otherwise give a []byte — the wire
// protocol requires "the byte payload encoded as a numeric byte
// array", matching what a browser client does with a Uint8Array.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	if ints == nil {
		ints = []int{}
	}
	return json.Marshal(ints)
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// wireMessage is the envelope exchanged over the WebSocket connection.
type wireMessage struct {
	Type string    `json:"type"`
	Data ByteArray `json:"data"`
}

func encodeSyncInit(s Snapshot) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Type: msgSyncInit, Data: ByteArray(payload)})
}

func encodeSyncUpdate(op Op) ([]byte, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Type: msgSyncUpdate, Data: ByteArray(payload)})
}

// decodeIncoming parses a frame received from a client. Only sync-update
// frames are meaningful inbound; any other frame type, including a
// sync-init sent by a client, yields isUpdate=false with no error and is
// ignored (clients never author the initial state).
func decodeIncoming(raw []byte) (op Op, isUpdate bool, err error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Op{}, false, err
	}
	if msg.Type != msgSyncUpdate {
		return Op{}, false, nil
	}
	if err := json.Unmarshal(msg.Data, &op); err != nil {
		return Op{}, false, err
	}
	return op, true, nil
}

package distributed

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Events of the assignment protocol. Workers pull: they announce themselves
// with register, ask for work with ready and report each file with result.
// The coordinator answers with assign and can ask workers to migrate to the
// next client generation or to shut down.
const (
	EventRegister = "register"
	EventReady    = "ready"
	EventAssign   = "assign"
	EventResult   = "result"
	EventMigrate  = "migrate"
	EventShutdown = "shutdown"
)

// Message is the single payload shape of every event. Unused fields are
// omitted on the wire.
type Message struct {
	WorkerID string `json:"worker_id,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Input    string `json:"input,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
	// Generation is the client generation a migrating worker should join.
	Generation int `json:"generation,omitempty"`
	// Seq numbers the events a sender emits on one connection, from 1.
	Seq uint64 `json:"seq,omitempty"`
}

// Encode renders m as the JSON string sent over the wire.
func (m Message) Encode() string {
	data, _ := json.Marshal(m)
	return string(data)
}

var errEmptyPayload = errors.New("event without payload")

// DecodeMessage parses the first event argument. Payloads are JSON strings,
// but raw bytes are accepted as well.
func DecodeMessage(args ...any) (Message, error) {
	var m Message
	if len(args) == 0 {
		return m, errEmptyPayload
	}
	var raw []byte
	switch v := args[0].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		// Some transports hand over already-decoded objects.
		data, err := json.Marshal(v)
		if err != nil {
			return m, fmt.Errorf("unsupported payload %T: %w", v, err)
		}
		raw = data
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

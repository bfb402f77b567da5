package audit

import (
	"encoding/json"
	"time"
)

// Event types recorded by the key lifecycle and the crypto paths. The
// strings are part of the on-disk trail contract; renaming one orphans
// every previously written line of that type.
const (
	EventKeyInternalGenerated   = "KEY_INTERNAL_GENERATED"
	EventKeyExportableGenerated = "KEY_EXPORTABLE_GENERATED"
	EventExternalKeyImported    = "EXTERNAL_KEY_IMPORTED"
	EventExternalKeyCleared     = "EXTERNAL_KEY_CLEARED"
	EventEncryptionSuccess      = "ENCRYPTION_SUCCESS"
	EventEncryptionFailure      = "ENCRYPTION_FAILURE"
	EventDecryptionSuccess      = "DECRYPTION_SUCCESS"
	EventDecryptionFailure      = "DECRYPTION_FAILURE"
)

// Event is one entry of the audit trail.
type Event struct {
	Timestamp time.Time
	Type      string
	Message   string
}

// eventWire is the JSON line layout. The timestamp travels as integer
// nanoseconds since the Unix epoch so ordering survives re-parsing at
// full precision.
type eventWire struct {
	TimestampNanos int64  `json:"timestamp"`
	EventType      string `json:"eventType"`
	Message        string `json:"message"`
}

// MarshalJSON encodes the event as a single trail line object.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{
		TimestampNanos: e.Timestamp.UnixNano(),
		EventType:      e.Type,
		Message:        e.Message,
	})
}

// UnmarshalJSON decodes a trail line object.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Timestamp = time.Unix(0, w.TimestampNanos)
	e.Type = w.EventType
	e.Message = w.Message
	return nil
}

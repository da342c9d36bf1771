package event

import (
	"encoding/json"
	"errors"
)

var ErrEmptyEnvelope = errors.New("EMPTY_ENVELOPE")

// Envelope 是传输层上流动的唯一记录：Change 与 Presence 二选一
// Node 标识发出该事件的进程，用于跨进程时跳过自己的簿记
type Envelope struct {
	Node     string         `json:"node"`
	RoomID   string         `json:"roomId"`
	Change   *ChangeEvent   `json:"change,omitempty"`
	Presence *PresenceEvent `json:"presence,omitempty"`
}

func (e Envelope) Validate() error {
	if e.Change == nil && e.Presence == nil {
		return ErrEmptyEnvelope
	}
	if e.Change != nil && e.Presence != nil {
		return errors.New("ENVELOPE_HAS_BOTH_CHANGE_AND_PRESENCE")
	}
	if e.Presence != nil && !e.Presence.Kind.Valid() {
		return errors.New("UNKNOWN_PRESENCE_KIND")
	}
	return nil
}

// Encode / Decode 用于跨进程传输
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

package relay

import (
	"encoding/json"

	"github.com/go-errors/errors"

	"github.com/askexperts/market/event"
)

// Wire messages are JSON arrays whose first element is a message label,
// the same encoding idiom the teacher's lnwire package uses for its
// binary messages (fixed tag, then a type-specific payload) adapted to
// the JSON substrate real relay deployments speak.
const (
	labelEvent = "EVENT"
	labelReq   = "REQ"
	labelClose = "CLOSE"
	labelEOSE  = "EOSE"
	labelOK    = "OK"
	labelNotice = "NOTICE"
)

type eventMsg struct {
	SubID string       `json:"sub_id,omitempty"`
	Event *event.Event `json:"event"`
}

type reqMsg struct {
	SubID   string   `json:"sub_id"`
	Filters []Filter `json:"filters"`
}

type closeMsg struct {
	SubID string `json:"sub_id"`
}

type eoseMsg struct {
	SubID string `json:"sub_id"`
}

type okMsg struct {
	EventID string `json:"event_id"`
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// encodeFrame wraps a label and payload into the ["LABEL", payload] array
// form sent on the wire.
func encodeFrame(label string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return json.Marshal([]json.RawMessage{
		mustMarshal(label),
		raw,
	})
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// decodeFrame splits a raw wire frame into its label and the remaining
// raw payload.
func decodeFrame(raw []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, errors.Wrap(err, 0)
	}
	if len(parts) < 1 {
		return "", nil, errors.New("relay: empty frame")
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return "", nil, errors.Wrap(err, 0)
	}
	if len(parts) < 2 {
		return label, nil, nil
	}
	return label, parts[1], nil
}

package smartclient_test

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

func decodeTestFrame(raw []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, err
	}
	var label string
	if len(parts) > 0 {
		if err := json.Unmarshal(parts[0], &label); err != nil {
			return "", nil, err
		}
	}
	if len(parts) < 2 {
		return label, nil, nil
	}
	return label, parts[1], nil
}

func jsonUnmarshal(payload json.RawMessage, v interface{}) error {
	if payload == nil {
		return nil
	}
	return json.Unmarshal(payload, v)
}

func writeTestFrame(ws *websocket.Conn, label string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	labelRaw, _ := json.Marshal(label)
	frame, err := json.Marshal([]json.RawMessage{labelRaw, raw})
	if err != nil {
		return
	}
	ws.WriteMessage(websocket.TextMessage, frame)
}

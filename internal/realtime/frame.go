// Package realtime fans incident room messages out to websocket clients.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Frame event names.
const (
	EventJoinRoom  = "join-room"
	EventChat      = "chat"
	EventSystem    = "system"
	EventSLABreach = "sla-breach"
	EventError     = "error"
)

// Frame is the envelope of every websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type JoinRoom struct {
	IncidentID string `json:"incidentId"`
}

type Chat struct {
	IncidentID string `json:"incidentId"`
	Content    string `json:"content"`
}

type System struct {
	Message string `json:"message"`
}

type Breach struct {
	IncidentID string `json:"incidentId"`
	Kind       string `json:"kind"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// EncodeFrame marshals data under the given event name.
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// DecodeFrame parses an envelope; Data is left raw.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event")
	}
	return f, nil
}

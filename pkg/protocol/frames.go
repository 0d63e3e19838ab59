package protocol

import "time"

// EventFrame is the single frame shape pushed over the WebSocket. The
// stream is one-way: clients issue commands over REST and listen here.
type EventFrame struct {
	Type    string      `json:"type"` // always "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Ts      time.Time   `json:"ts"`
}

// NewEvent wraps a bus event for the wire.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: name, Payload: payload, Ts: time.Now().UTC()}
}

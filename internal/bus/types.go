// Package bus provides the in-process event bus connecting the
// orchestrator, agent runtimes, WebSocket clients, and notification sinks.
package bus

// Event represents a server-side event to broadcast to subscribers.
type Event struct {
	Name    string      `json:"name"` // event name (see pkg/protocol)
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server, session manager, and agent runtimes to
// decouple from the concrete Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

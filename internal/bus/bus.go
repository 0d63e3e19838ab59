package bus

import "sync"

// Bus is a fan-out event bus. Broadcast never blocks the publisher:
// handlers run on the caller's goroutine and must be fast; slow consumers
// (WebSocket clients) buffer internally.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous
// handler with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscribed handler.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	snapshot := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(event)
	}
}

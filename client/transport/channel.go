package transport

import (
	"encoding/json"
	"sync"
)

// channel is the listener table of one underlying connection. Like
// most socket libraries it accumulates listeners; the client keeps at
// most one per event by always calling off before on.
type channel struct {
	mu        sync.Mutex
	listeners map[string][]func(json.RawMessage)
}

func newChannel() *channel {
	return &channel{listeners: make(map[string][]func(json.RawMessage))}
}

func (ch *channel) on(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	ch.listeners[event] = append(ch.listeners[event], fn)
	ch.mu.Unlock()
}

func (ch *channel) off(event string) {
	ch.mu.Lock()
	delete(ch.listeners, event)
	ch.mu.Unlock()
}

func (ch *channel) count(event string) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.listeners[event])
}

func (ch *channel) emit(event string, data json.RawMessage) bool {
	ch.mu.Lock()
	fns := append(([]func(json.RawMessage))(nil), ch.listeners[event]...)
	ch.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
	return len(fns) > 0
}

package orchestrator

import (
	"sync"

	"taskforge/internal/logging"
	"taskforge/internal/pipeline"
)

// Emitter fans events out to subscribers. Delivery is non-blocking:
// a subscriber that cannot keep up loses events rather than stalling a
// pipeline.
type Emitter struct {
	mu   sync.Mutex
	subs []chan pipeline.Event
}

// Subscribe returns a buffered channel of events. The channel is closed
// on shutdown.
func (e *Emitter) Subscribe() <-chan pipeline.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan pipeline.Event, 64)
	e.subs = append(e.subs, ch)
	return ch
}

// Emit delivers an event to every subscriber without blocking.
func (e *Emitter) Emit(ev pipeline.Event) {
	e.mu.Lock()
	subs := e.subs
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			logging.Get(logging.CategoryOrchestrator).Debug("dropped event %s for slow subscriber", ev.Type)
		}
	}
}

// Close closes all subscriber channels.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}

package observer

import (
	"sync"
	"time"
)

// Sink consumes Events emitted on a Bus.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Event)

// Handle implements Sink.
func (f SinkFunc) Handle(e Event) { f(e) }

// Bus fans out Events to every registered Sink synchronously, on the
// emitting goroutine. Emit is therefore cheap and non-blocking only if
// sinks themselves are; the reference sinks in this package (LogrusSink,
// PrometheusSink) never block or suspend, so they are always safe to call
// from inside a held lock's critical section -- though call sites in this
// module emit only after releasing locks, as a matter of style.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers sink to receive all future Events.
func (b *Bus) Subscribe(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Emit builds and dispatches an Event of the given kind with fields.
func (b *Bus) Emit(kind Kind, fields map[string]any) {
	b.dispatch(Event{Kind: kind, At: time.Now(), Fields: fields})
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Handle(e)
	}
}

package events

import (
	"context"
	"sync"
	"time"
)

// Bus is an in-process Emitter that fans events out to subscribers.
// It is the default when no NATS URL is configured.
type Bus struct {
	mu       sync.RWMutex
	handlers []func(Event)
	closed   bool
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
// Handlers run synchronously on the emitting goroutine.
func (b *Bus) Subscribe(handler func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Emit delivers the event to every subscriber.
func (b *Bus) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Handlers run outside the lock so one may Subscribe without
	// deadlocking the delivery.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEmitterClosed
	}
	handlers := make([]func(Event), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
	return nil
}

// Close stops delivery. Subsequent Emit calls fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ Emitter = (*Bus)(nil)

package events

import (
	"context"
	"log"
	"sync"
)

// MemoryBus is an in-process event bus for development and tests. It
// delivers synchronously, so a Publish returns after every matching
// handler has run.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers []memorySubscription
	closed      bool
}

type memorySubscription struct {
	pattern string
	handler Handler
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers the event to every subscription whose pattern matches.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]memorySubscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !matchesPattern(event.Type, sub.pattern) {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			log.Printf("Handler error for event %s: %v", event.ID, err)
		}
	}
	return nil
}

// Subscribe registers a handler for events matching the pattern.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, memorySubscription{pattern: pattern, handler: handler})
	return nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = nil
	b.closed = true
}

// Health always succeeds for the in-process bus.
func (b *MemoryBus) Health() error {
	return nil
}

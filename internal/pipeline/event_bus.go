package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for tracker events.
// Handlers are called synchronously in publish order and must not block;
// slow sinks buffer on their side.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	kinds   map[EventKind]bool // Nil means receive all kinds
	handler EventHandler
}

func (s *eventSubscription) accepts(kind EventKind) bool {
	return s.kinds == nil || s.kinds[kind]
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Subscribe registers a handler for all events.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler EventHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeKinds registers a handler for the given event kinds only
func (b *EventBus) SubscribeKinds(handler EventHandler, kinds ...EventKind) func() {
	filter := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		filter[k] = true
	}
	return b.add(&eventSubscription{handler: handler, kinds: filter})
}

// Publish delivers a batch of events to all subscribers
func (b *EventBus) Publish(events []Event) {
	if len(events) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		batch := events
		if sub.kinds != nil {
			batch = make([]Event, 0, len(events))
			for _, e := range events {
				if sub.accepts(e.Kind) {
					batch = append(batch, e)
				}
			}
		}
		if len(batch) > 0 {
			sub.handler.OnEvents(batch)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.subscribers)
}

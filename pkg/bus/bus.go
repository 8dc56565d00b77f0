// Package bus is the in-process fan-out for observability events. The
// durable queue lives in the JSON state files; the bus only mirrors what
// happens so live viewers (dashboard websocket, status TUI) can follow along
// without polling. Delivery is best-effort: slow subscribers drop events.
package bus

import "sync"

type subscriber struct {
	name string
	ch   chan Event
}

type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool

	closeOnce sync.Once
}

func New() *EventBus {
	return &EventBus{}
}

// Subscribe creates a named tap receiving copies of every published event.
// The channel is buffered; a full buffer drops, never blocks the publisher.
func (b *EventBus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{name: name, ch: make(chan Event, 64)}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish fans the event out to every subscriber.
func (b *EventBus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default: // drop if slow
		}
	}
}

// Emit is shorthand for publishing a typed event.
func (b *EventBus) Emit(eventType, source string, data interface{}) {
	b.Publish(Event{Type: eventType, Source: source, Data: data})
}

// Close shuts every subscriber channel. Publish after Close is a no-op.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for _, sub := range b.subs {
			close(sub.ch)
		}
		b.subs = nil
	})
}

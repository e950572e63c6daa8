// Package events provides sinks for engine events: an in-memory ring for
// tests and local consumers, a fanout combinator, and a NATS JSON
// publisher for off-engine auditing.
package events

import (
	"sync"

	"github.com/luxfi/perps/pkg/perps"
)

// Memory is a bounded in-memory event ring. The oldest events are dropped
// once the capacity is reached.
type Memory struct {
	mu     sync.Mutex
	events []perps.Event
	cap    int
}

// NewMemory creates a ring holding at most capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{cap: capacity}
}

// Publish appends an event, evicting the oldest past capacity.
func (m *Memory) Publish(ev perps.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if len(m.events) > m.cap {
		m.events = m.events[len(m.events)-m.cap:]
	}
}

// Events returns a copy of the buffered events.
func (m *Memory) Events() []perps.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]perps.Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns the buffered events with the given type, in order.
func (m *Memory) ByType(eventType string) []perps.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []perps.Event
	for _, ev := range m.events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Fanout publishes every event to all wrapped sinks in order.
type Fanout []perps.Sink

// Publish forwards the event to each sink.
func (f Fanout) Publish(ev perps.Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}

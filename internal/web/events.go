package web

import (
	"sync"

	"agrichat-dispatch/internal/events"
)

// EventLog 保留最近N条事件的环形缓冲，实现events.Sink
type EventLog struct {
	mu       sync.RWMutex
	capacity int
	buffer   []events.Event
	next     int
	full     bool
}

// NewEventLog creates a ring buffer holding the latest capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &EventLog{
		capacity: capacity,
		buffer:   make([]events.Event, capacity),
	}
}

// Consume implements events.Sink.
func (el *EventLog) Consume(event events.Event) {
	el.mu.Lock()
	el.buffer[el.next] = event
	el.next = (el.next + 1) % el.capacity
	if el.next == 0 {
		el.full = true
	}
	el.mu.Unlock()
}

// Recent returns buffered events, newest first.
func (el *EventLog) Recent() []events.Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	size := el.next
	if el.full {
		size = el.capacity
	}

	out := make([]events.Event, 0, size)
	for i := 1; i <= size; i++ {
		idx := (el.next - i + el.capacity) % el.capacity
		out = append(out, el.buffer[idx])
	}
	return out
}

package events

import (
	"context"
	"sync"
)

// Bus keeps a bounded history of recent events and broadcasts new ones to
// in-process subscribers
type Bus struct {
	buffer      []Event
	maxSize     int
	subscribers map[chan Event]struct{}
	mu          sync.RWMutex
}

// NewBus creates a bus retaining the last maxSize events
func NewBus(maxSize int) *Bus {
	return &Bus{
		buffer:      make([]Event, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Publish records the event and broadcasts it
func (b *Bus) Publish(_ context.Context, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buffer) >= b.maxSize {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, evt)

	for ch := range b.subscribers {
		// Non-blocking send so a slow subscriber cannot stall a sweep
		select {
		case ch <- evt:
		default:
		}
	}

	return nil
}

// Recent returns a copy of the retained history, oldest first
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	history := make([]Event, len(b.buffer))
	copy(history, b.buffer)
	return history
}

// Subscribe returns a channel of new events and a cleanup function
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.subscribers[ch] = struct{}{}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers, ch)
			close(ch)
		})
	}

	return ch, cleanup
}

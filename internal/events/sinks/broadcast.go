package sinks

import (
	"context"
	"sync"

	"github.com/jstrand/listcrawld/internal/events"
)

// Broadcast fans events out to subscribers (the SSE handler, or a desktop
// shell). Slow subscribers lose events rather than stalling the hub.
type Broadcast struct {
	mu     sync.Mutex
	subs   map[int]chan events.Event
	nextID int
	buffer int
	closed bool
}

// NewBroadcast creates a Broadcast sink; buffer sizes each subscriber
// channel.
func NewBroadcast(buffer int) *Broadcast {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcast{
		subs:   make(map[int]chan events.Event),
		buffer: buffer,
	}
}

// Subscribe registers a new consumer. The cancel function must be called to
// release the subscription.
func (b *Broadcast) Subscribe() (<-chan events.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan events.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Consume delivers the batch to every subscriber, dropping events for
// subscribers whose buffer is full.
func (b *Broadcast) Consume(_ context.Context, batch []events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for _, sub := range b.subs {
			select {
			case sub <- evt:
			default:
			}
		}
	}
	return nil
}

// Close drops all subscribers.
func (b *Broadcast) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
	return nil
}

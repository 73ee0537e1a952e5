// Package bus provides the channel kinds used for cross-actor communication:
// bounded control channels for command fan-in and one-shot data channels for
// result return. Event broadcast lives in the events package.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned when sending to or receiving from a closed channel.
var ErrClosed = errors.New("bus: channel closed")

// Control is a bounded command channel. A full channel applies backpressure:
// Send blocks until capacity frees or the context ends. It never drops.
type Control[T any] struct {
	ch     chan T
	mu     sync.RWMutex
	closed bool
}

// NewControl constructs a control channel with the provided capacity.
func NewControl[T any](capacity int) *Control[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Control[T]{ch: make(chan T, capacity)}
}

// Send pushes a message or returns when the context ends. Sending after
// Close returns ErrClosed instead of panicking.
func (c *Control[T]) Send(ctx context.Context, msg T) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("control send canceled: %w", ctx.Err())
	case c.ch <- msg:
		return nil
	}
}

// Receive pops the next message, respecting context cancellation.
func (c *Control[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("control receive canceled: %w", ctx.Err())
	case msg, ok := <-c.ch:
		if !ok {
			return zero, ErrClosed
		}
		return msg, nil
	}
}

// Chan exposes the receive side for use in select loops.
func (c *Control[T]) Chan() <-chan T {
	return c.ch
}

// Close closes the underlying channel for shutdown. Safe to call twice.
// Close waits for in-flight Sends to return before closing the channel.
func (c *Control[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	close(c.ch)
	c.closed = true
}

// Data is a one-shot result channel: resolved at most once, awaited by a
// single consumer.
type Data[T any] struct {
	ch   chan T
	once sync.Once
}

// NewData constructs an unresolved data channel.
func NewData[T any]() *Data[T] {
	return &Data[T]{ch: make(chan T, 1)}
}

// Resolve delivers the result. Calls after the first are ignored.
func (d *Data[T]) Resolve(v T) {
	d.once.Do(func() {
		d.ch <- v
		close(d.ch)
	})
}

// Await blocks for the result or the context ending.
func (d *Data[T]) Await(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("data await canceled: %w", ctx.Err())
	case v, ok := <-d.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	}
}

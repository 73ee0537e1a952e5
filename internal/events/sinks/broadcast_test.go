package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jstrand/listcrawld/internal/events"
)

func TestBroadcastDeliversToSubscribers(t *testing.T) {
	t.Parallel()
	b := NewBroadcast(4)
	ch, cancel := b.Subscribe()
	defer cancel()

	evt := events.New(events.TypeSessionStarted, "s1", time.Now().UTC())
	require.NoError(t, b.Consume(context.Background(), []events.Event{evt}))

	select {
	case got := <-ch:
		require.Equal(t, events.TypeSessionStarted, got.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroadcastDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := NewBroadcast(1)
	ch, cancel := b.Subscribe()
	defer cancel()

	evt := events.New(events.TypeSessionStarted, "s1", time.Now().UTC())
	require.NoError(t, b.Consume(context.Background(), []events.Event{evt, evt, evt}))
	require.Len(t, ch, 1)
}

func TestBroadcastUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := NewBroadcast(1)
	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	require.False(t, ok)
}

func TestBroadcastCloseDropsAll(t *testing.T) {
	t.Parallel()
	b := NewBroadcast(1)
	ch, _ := b.Subscribe()
	require.NoError(t, b.Close(context.Background()))

	_, ok := <-ch
	require.False(t, ok)

	// Subscribing after close yields a closed channel.
	late, _ := b.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}

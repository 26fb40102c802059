package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.relaykit.dev/messaging"
	"go.relaykit.dev/store"
)

func TestQueueStore_PriorityAndFIFO(t *testing.T) {
	clk := fakeClock()
	s := NewQueueStore(nil, clk)
	ctx := context.Background()

	lowFirst, err := s.Enqueue(ctx, messaging.NewEvent("low-first", nil, clk.Now()), store.QueueOptions{Priority: 1})
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	lowSecond, err := s.Enqueue(ctx, messaging.NewEvent("low-second", nil, clk.Now()), store.QueueOptions{Priority: 1})
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	high, err := s.Enqueue(ctx, messaging.NewEvent("high", nil, clk.Now()), store.QueueOptions{Priority: 9})
	require.NoError(t, err)

	// Higher priority number wins, then FIFO.
	got, err := s.Dequeue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, high.ID, got.ID)

	got, err = s.Dequeue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, lowFirst.ID, got.ID)

	got, err = s.Dequeue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, lowSecond.ID, got.ID)
}

func TestQueueStore_VisibilityTimeout(t *testing.T) {
	clk := fakeClock()
	s := NewQueueStore(&QueueConfig{VisibilityTimeout: 30 * time.Second, MaxDequeueCount: 5}, clk)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, messaging.NewEvent("work", nil, clk.Now()), store.QueueOptions{})
	require.NoError(t, err)

	got, err := s.Dequeue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, got.DequeueCount)

	// Hidden while claimed.
	_, err = s.Dequeue(ctx, clk.Now())
	assert.ErrorIs(t, err, messaging.ErrNotFound)

	// Visible again after the timeout elapses without an ack.
	clk.Advance(30 * time.Second)
	got, err = s.Dequeue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, 2, got.DequeueCount)
}

func TestQueueStore_DelayedEnqueue(t *testing.T) {
	clk := fakeClock()
	s := NewQueueStore(nil, clk)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, messaging.NewEvent("later", nil, clk.Now()), store.QueueOptions{Delay: time.Minute})
	require.NoError(t, err)

	_, err = s.Dequeue(ctx, clk.Now())
	assert.ErrorIs(t, err, messaging.ErrNotFound)

	clk.Advance(time.Minute)
	_, err = s.Dequeue(ctx, clk.Now())
	assert.NoError(t, err)
}

func TestQueueStore_MaxDequeueCount(t *testing.T) {
	clk := fakeClock()
	s := NewQueueStore(&QueueConfig{VisibilityTimeout: time.Second, MaxDequeueCount: 2}, clk)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, messaging.NewEvent("poison", nil, clk.Now()), store.QueueOptions{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = s.Dequeue(ctx, clk.Now())
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	// Exhausted entries stop dequeuing but stay stored.
	_, err = s.Dequeue(ctx, clk.Now())
	assert.ErrorIs(t, err, messaging.ErrNotFound)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Requeue resets the count and makes it dequeueable again.
	require.NoError(t, s.Reject(ctx, entry.ID, true))
	got, err := s.Dequeue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, got.DequeueCount)
}

func TestQueueStore_AckAndReject(t *testing.T) {
	clk := fakeClock()
	s := NewQueueStore(nil, clk)
	ctx := context.Background()

	keep, err := s.Enqueue(ctx, messaging.NewEvent("keep", nil, clk.Now()), store.QueueOptions{})
	require.NoError(t, err)
	drop, err := s.Enqueue(ctx, messaging.NewEvent("drop", nil, clk.Now()), store.QueueOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Ack(ctx, keep.ID))
	require.NoError(t, s.Reject(ctx, drop.ID, false))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	assert.ErrorIs(t, s.Ack(ctx, keep.ID), messaging.ErrNotFound)
}

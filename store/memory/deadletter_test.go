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

func park(t *testing.T, s *DeadLetterStore, name string, failedAt time.Time) *store.DeadLetterEntry {
	t.Helper()
	entry := &store.DeadLetterEntry{
		Message:   messaging.NewEvent(name, nil, failedAt),
		Source:    "pipeline",
		Reason:    "handler failed",
		ErrorKind: messaging.ErrKindHandler,
		FailedAt:  failedAt,
	}
	require.NoError(t, s.Add(context.Background(), entry))
	return entry
}

func TestDeadLetterStore_AddAssignsID(t *testing.T) {
	s := NewDeadLetterStore()
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	entry := park(t, s, "OrderPlaced", at)
	listed, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.NotEmpty(t, listed[0].ID)
	assert.Equal(t, entry.Message.ID, listed[0].Message.ID)

	assert.Error(t, s.Add(ctx, nil))
}

func TestDeadLetterStore_ListOrdersByFailureTime(t *testing.T) {
	s := NewDeadLetterStore()
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	park(t, s, "Second", at.Add(time.Minute))
	park(t, s, "First", at)
	park(t, s, "Third", at.Add(2*time.Minute))

	listed, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "First", listed[0].Message.Name)
	assert.Equal(t, "Second", listed[1].Message.Name)
}

func TestDeadLetterStore_PurgeAndCount(t *testing.T) {
	s := NewDeadLetterStore()
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	park(t, s, "OrderPlaced", at)
	park(t, s, "OrderShipped", at)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	purged, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequeue_MovesEntryBackToOutbox(t *testing.T) {
	clk := fakeClock()
	dlq := NewDeadLetterStore()
	outbox := NewOutboxStore(clk)
	ctx := context.Background()

	parked := park(t, dlq, "OrderPlaced", clk.Now())
	listed, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	id := listed[0].ID

	entry, err := store.Requeue(ctx, dlq, outbox, id, store.OutboxOptions{Priority: 1})
	require.NoError(t, err)
	assert.Equal(t, store.OutboxPending, entry.Status)
	assert.Zero(t, entry.RetryCount)
	assert.Equal(t, parked.Message.ID, entry.Message.ID)

	// Gone from the dead-letter store, dispatchable from the outbox.
	_, err = dlq.Get(ctx, id)
	assert.ErrorIs(t, err, messaging.ErrNotFound)
	due, err := outbox.FetchAndLockDue(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, parked.Message.ID, due[0].Message.ID)
}

func TestRequeue_MissingEntry(t *testing.T) {
	clk := fakeClock()
	_, err := store.Requeue(context.Background(), NewDeadLetterStore(), NewOutboxStore(clk), "missing", store.OutboxOptions{})
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.relaykit.dev/messaging"
)

func newInstance(correlationID string, at time.Time) *Instance {
	return &Instance{
		CorrelationID: correlationID,
		SagaType:      "OrderFulfillment",
		StateName:     InitialState,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func TestMemoryRepository_AddAndFind(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	inst := newInstance("order-1", now)
	inst.Set("total", 42)
	require.NoError(t, repo.Add(ctx, inst))

	assert.ErrorIs(t, repo.Add(ctx, newInstance("order-1", now)), messaging.ErrDuplicate)

	got, err := repo.Find(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
	assert.Equal(t, map[string]any{"total": 42}, got.Data)

	// Find hands out copies, not the stored instance.
	got.StateName = "Mutated"
	again, err := repo.Find(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, InitialState, again.StateName)

	_, err = repo.Find(ctx, "missing")
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestMemoryRepository_UpdateCAS(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Add(ctx, newInstance("order-1", now)))

	first, err := repo.Find(ctx, "order-1")
	require.NoError(t, err)
	second, err := repo.Find(ctx, "order-1")
	require.NoError(t, err)

	first.StateName = "AwaitingPayment"
	require.NoError(t, repo.Update(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	// The second reader observed version 0 and must lose the race.
	second.StateName = "SomewhereElse"
	assert.ErrorIs(t, repo.Update(ctx, second), messaging.ErrConcurrencyConflict)

	got, err := repo.Find(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "AwaitingPayment", got.StateName)
	assert.Equal(t, int64(1), got.Version)

	assert.ErrorIs(t, repo.Update(ctx, newInstance("missing", now)), messaging.ErrNotFound)
}

func TestMemoryRepository_FindByState(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	active := newInstance("order-1", now)
	active.StateName = "AwaitingPayment"
	require.NoError(t, repo.Add(ctx, active))

	done := newInstance("order-2", now)
	done.StateName = "AwaitingPayment"
	done.IsCompleted = true
	require.NoError(t, repo.Add(ctx, done))

	otherType := newInstance("ship-1", now)
	otherType.SagaType = "Shipping"
	otherType.StateName = "AwaitingPayment"
	require.NoError(t, repo.Add(ctx, otherType))

	got, err := repo.FindByState(ctx, "OrderFulfillment", "AwaitingPayment")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "order-1", got[0].CorrelationID)
}

func TestMemoryRepository_FindStaleIsStrict(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	atCutoff := newInstance("at-cutoff", cutoff)
	require.NoError(t, repo.Add(ctx, atCutoff))

	older := newInstance("older", cutoff.Add(-time.Millisecond))
	require.NoError(t, repo.Add(ctx, older))

	completed := newInstance("completed", cutoff.Add(-time.Hour))
	completed.IsCompleted = true
	require.NoError(t, repo.Add(ctx, completed))

	stale, err := repo.FindStale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "older", stale[0].CorrelationID)
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Add(ctx, newInstance("order-1", now)))

	require.NoError(t, repo.Delete(ctx, "order-1"))
	_, err := repo.Find(ctx, "order-1")
	assert.ErrorIs(t, err, messaging.ErrNotFound)

	// Deleting a missing id is not an error.
	assert.NoError(t, repo.Delete(ctx, "order-1"))
}

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/resilience"
	"go.relaykit.dev/store"
	"go.relaykit.dev/store/memory"
	"go.relaykit.dev/transport"
)

func testConfig() DispatcherConfig {
	return DispatcherConfig{
		Enabled:    true,
		BatchSize:  100,
		Workers:    1,
		MaxRetries: 3,
		Backoff: &resilience.ExponentialBackoff{
			Base:       time.Second,
			Multiplier: 2,
			MaxRetries: 3,
		},
		StuckTimeout: 5 * time.Minute,
		RetentionAge: 24 * time.Hour,
	}
}

func TestDispatcher_PublishesByPriorityWithRetry(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	outboxStore := memory.NewOutboxStore(clk)
	publisher := transport.NewInMemory()
	d := NewDispatcher(outboxStore, publisher, clk, testConfig())
	ctx := context.Background()

	urgent := messaging.NewEvent("OrderPlaced", map[string]any{"orderId": "o-1"}, clk.Now())
	routine := messaging.NewEvent("ReportRequested", nil, clk.Now())

	_, err := outboxStore.Add(ctx, routine, store.OutboxOptions{Priority: 5, Destination: "orders"})
	require.NoError(t, err)
	urgentEntry, err := outboxStore.Add(ctx, urgent, store.OutboxOptions{Priority: 0, Destination: "orders"})
	require.NoError(t, err)

	// First attempt at the urgent message fails transiently.
	failures := 0
	publisher.FailWith(func(destination string, msg *messaging.Envelope) error {
		if msg.ID == urgent.ID && failures == 0 {
			failures++
			return messaging.NewError(messaging.ErrKindTransient, messaging.CodeStoreUnavailable, "broker unavailable", nil)
		}
		return nil
	})

	d.Drain(ctx)

	delivered := publisher.Published("orders")
	require.Len(t, delivered, 1)
	assert.Equal(t, routine.ID, delivered[0].ID)
	assert.Equal(t, Stats{Published: 1, Retried: 1}, d.Stats())

	got, err := outboxStore.Get(ctx, urgentEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)

	// Not due until the backoff elapses.
	d.Drain(ctx)
	assert.Len(t, publisher.Published("orders"), 1)

	clk.Advance(time.Second)
	d.Drain(ctx)

	delivered = publisher.Published("orders")
	require.Len(t, delivered, 2)
	assert.Equal(t, urgent.ID, delivered[1].ID)
	assert.Equal(t, Stats{Published: 2, Retried: 1}, d.Stats())

	got, err = outboxStore.Get(ctx, urgentEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxProcessed, got.Status)
}

func TestDispatcher_ExhaustedRetriesPark(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	outboxStore := memory.NewOutboxStore(clk)
	publisher := transport.NewInMemory()
	cfg := testConfig()
	cfg.MaxRetries = 2
	d := NewDispatcher(outboxStore, publisher, clk, cfg)
	ctx := context.Background()

	publisher.FailWith(func(string, *messaging.Envelope) error {
		return messaging.NewError(messaging.ErrKindTransient, messaging.CodeStoreUnavailable, "broker unavailable", nil)
	})

	msg := messaging.NewEvent("OrderPlaced", nil, clk.Now())
	entry, err := outboxStore.Add(ctx, msg, store.OutboxOptions{Destination: "orders"})
	require.NoError(t, err)

	d.Drain(ctx)
	clk.Advance(time.Minute)
	d.Drain(ctx)

	assert.Equal(t, Stats{Retried: 1, Failed: 1}, d.Stats())

	got, err := outboxStore.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, got.Status)
	assert.Contains(t, got.LastError, "broker unavailable")
}

func TestDispatcher_NonRetryableFailsImmediately(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	outboxStore := memory.NewOutboxStore(clk)
	publisher := transport.NewInMemory()
	d := NewDispatcher(outboxStore, publisher, clk, testConfig())
	ctx := context.Background()

	publisher.FailWith(func(string, *messaging.Envelope) error {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig, "destination misconfigured", nil)
	})

	msg := messaging.NewEvent("OrderPlaced", nil, clk.Now())
	entry, err := outboxStore.Add(ctx, msg, store.OutboxOptions{Destination: "orders"})
	require.NoError(t, err)

	d.Drain(ctx)

	assert.Equal(t, Stats{Failed: 1}, d.Stats())
	got, err := outboxStore.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, got.Status)
}

func TestDispatcher_PerEntryRetryLimit(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	outboxStore := memory.NewOutboxStore(clk)
	publisher := transport.NewInMemory()
	d := NewDispatcher(outboxStore, publisher, clk, testConfig())
	ctx := context.Background()

	publisher.FailWith(func(string, *messaging.Envelope) error {
		return messaging.NewError(messaging.ErrKindTransient, messaging.CodeStoreUnavailable, "broker unavailable", nil)
	})

	// The entry's own limit of 1 overrides the dispatcher default of 3.
	msg := messaging.NewEvent("OrderPlaced", nil, clk.Now())
	entry, err := outboxStore.Add(ctx, msg, store.OutboxOptions{Destination: "orders", MaxRetries: 1})
	require.NoError(t, err)

	d.Drain(ctx)

	got, err := outboxStore.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, got.Status)
}

func TestDispatcher_RecoversStuckClaims(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	outboxStore := memory.NewOutboxStore(clk)
	publisher := transport.NewInMemory()
	d := NewDispatcher(outboxStore, publisher, clk, testConfig())
	ctx := context.Background()

	publisher.FailWith(func(string, *messaging.Envelope) error {
		return context.Canceled
	})

	msg := messaging.NewEvent("OrderPlaced", nil, clk.Now())
	entry, err := outboxStore.Add(ctx, msg, store.OutboxOptions{Destination: "orders"})
	require.NoError(t, err)

	// A cancelled publish leaves the claim in PROCESSING.
	d.Drain(ctx)
	got, err := outboxStore.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, store.OutboxProcessing, got.Status)

	// Recovery returns it to PENDING once the claim goes stale.
	clk.Advance(6 * time.Minute)
	d.Recover(ctx)

	got, err = outboxStore.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxPending, got.Status)
	assert.Equal(t, int64(1), d.Stats().Recovered)

	// The recovered entry publishes on the next drain.
	publisher.FailWith(nil)
	d.Drain(ctx)
	assert.Len(t, publisher.Published("orders"), 1)
}

func TestDispatcher_CleanupPurgesProcessed(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	outboxStore := memory.NewOutboxStore(clk)
	publisher := transport.NewInMemory()
	d := NewDispatcher(outboxStore, publisher, clk, testConfig())
	ctx := context.Background()

	msg := messaging.NewEvent("OrderPlaced", nil, clk.Now())
	entry, err := outboxStore.Add(ctx, msg, store.OutboxOptions{Destination: "orders"})
	require.NoError(t, err)

	d.Drain(ctx)

	clk.Advance(25 * time.Hour)
	d.Cleanup(ctx)

	_, err = outboxStore.Get(ctx, entry.ID)
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

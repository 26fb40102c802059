package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
)

func breakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold:  3,
		MinimumThroughput: 3,
		SamplingWindow:    time.Minute,
		BreakDuration:     100 * time.Millisecond,
		HalfOpenProbes:    1,
		HalfOpenSuccesses: 3,
		MaxFingerprints:   16,
	}
}

func TestBreaker_OpensAndHeals(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := NewBreaker(breakerConfig(), clk)
	scope := "command:ChargeCard"
	boom := errors.New("gateway unavailable")
	fp := FingerprintOf(boom)

	// Three identical failures trip the cell.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow(scope))
		b.RecordFailure(scope, boom)
	}
	require.Equal(t, StateOpen, b.StateOf(fp))

	// The next call fails fast without reaching the handler.
	err := b.Allow(scope)
	require.Error(t, err)
	assert.Equal(t, messaging.ErrKindCircuitOpen, messaging.KindOf(err))
	assert.True(t, errors.Is(err, messaging.ErrCircuitOpen))

	// Still open at exactly the break duration.
	clk.Advance(100 * time.Millisecond)
	require.Error(t, b.Allow(scope))

	// Strictly past it, one probe is admitted.
	clk.Advance(time.Millisecond)
	require.NoError(t, b.Allow(scope))
	assert.Equal(t, StateHalfOpen, b.StateOf(fp))
	b.RecordSuccess(scope)

	// Two more probe successes close the cell.
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow(scope))
		b.RecordSuccess(scope)
	}
	require.Equal(t, StateClosed, b.StateOf(fp))

	// Closing reset the counts: two fresh failures stay below threshold.
	b.RecordFailure(scope, boom)
	b.RecordFailure(scope, boom)
	assert.Equal(t, StateClosed, b.StateOf(fp))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := NewBreaker(breakerConfig(), clk)
	scope := "command:ChargeCard"
	boom := errors.New("gateway unavailable")
	fp := FingerprintOf(boom)

	for i := 0; i < 3; i++ {
		b.RecordFailure(scope, boom)
	}
	require.Equal(t, StateOpen, b.StateOf(fp))

	clk.Advance(101 * time.Millisecond)
	require.NoError(t, b.Allow(scope))
	b.RecordFailure(scope, boom)

	assert.Equal(t, StateOpen, b.StateOf(fp))
	assert.Error(t, b.Allow(scope))
}

func TestBreaker_HalfOpenProbeLimit(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := NewBreaker(breakerConfig(), clk)
	scope := "command:ChargeCard"
	boom := errors.New("gateway unavailable")

	for i := 0; i < 3; i++ {
		b.RecordFailure(scope, boom)
	}
	clk.Advance(101 * time.Millisecond)

	// One concurrent probe allowed; the second caller fails fast.
	require.NoError(t, b.Allow(scope))
	err := b.Allow(scope)
	require.Error(t, err)
	assert.Equal(t, messaging.ErrKindCircuitOpen, messaging.KindOf(err))
}

func TestBreaker_MinimumThroughput(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := breakerConfig()
	cfg.FailureThreshold = 3
	cfg.MinimumThroughput = 5
	b := NewBreaker(cfg, clk)
	scope := "command:ChargeCard"
	boom := errors.New("gateway unavailable")
	fp := FingerprintOf(boom)

	for i := 0; i < 4; i++ {
		b.RecordFailure(scope, boom)
	}
	assert.Equal(t, StateClosed, b.StateOf(fp))

	b.RecordFailure(scope, boom)
	assert.Equal(t, StateOpen, b.StateOf(fp))
}

func TestBreaker_FailureRateThreshold(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := breakerConfig()
	cfg.FailureThreshold = 100
	cfg.FailureRateThreshold = 0.5
	cfg.MinimumThroughput = 4
	b := NewBreaker(cfg, clk)
	scope := "command:ChargeCard"
	boom := errors.New("gateway unavailable")
	fp := FingerprintOf(boom)

	b.RecordFailure(scope, boom)
	b.RecordSuccess(scope)
	b.RecordSuccess(scope)
	assert.Equal(t, StateClosed, b.StateOf(fp))

	// 2 failures out of 4 calls in the window hits the 0.5 rate.
	b.RecordFailure(scope, boom)
	assert.Equal(t, StateOpen, b.StateOf(fp))
}

func TestBreaker_SamplingWindowPrunes(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := breakerConfig()
	cfg.SamplingWindow = 10 * time.Second
	b := NewBreaker(cfg, clk)
	scope := "command:ChargeCard"
	boom := errors.New("gateway unavailable")
	fp := FingerprintOf(boom)

	b.RecordFailure(scope, boom)
	b.RecordFailure(scope, boom)
	clk.Advance(11 * time.Second)

	// The old failures aged out of the window.
	b.RecordFailure(scope, boom)
	assert.Equal(t, StateClosed, b.StateOf(fp))
}

func TestBreaker_DistinctFingerprintsIsolate(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := NewBreaker(breakerConfig(), clk)
	scope := "command:ChargeCard"
	gateway := errors.New("gateway unavailable")
	declined := errors.New("card declined")

	for i := 0; i < 3; i++ {
		b.RecordFailure(scope, gateway)
	}
	b.RecordFailure(scope, declined)

	assert.Equal(t, StateOpen, b.StateOf(FingerprintOf(gateway)))
	assert.Equal(t, StateClosed, b.StateOf(FingerprintOf(declined)))
	assert.Equal(t, []Fingerprint{FingerprintOf(gateway)}, b.OpenCells())
}

func TestBreaker_EvictsLeastRecentlyUsed(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := breakerConfig()
	cfg.FailureThreshold = 1
	cfg.MinimumThroughput = 1
	cfg.MaxFingerprints = 2
	b := NewBreaker(cfg, clk)
	scope := "command:ChargeCard"

	first := errors.New("error one")
	b.RecordFailure(scope, first)
	require.Equal(t, StateOpen, b.StateOf(FingerprintOf(first)))

	b.RecordFailure(scope, errors.New("error two"))
	b.RecordFailure(scope, errors.New("error three"))

	// The oldest cell was evicted; its fingerprint reads as closed again.
	assert.Equal(t, StateClosed, b.StateOf(FingerprintOf(first)))
	assert.NotContains(t, b.OpenCells(), FingerprintOf(first))
}

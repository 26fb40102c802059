package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/resilience"
	"go.relaykit.dev/store/memory"
	"go.relaykit.dev/telemetry"
)

func testStart() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newContext(clk clock.Clock) *messaging.ProcessingContext {
	return messaging.NewProcessingContext("test", "command:PlaceOrder", messaging.KindCommand, clk.Now())
}

func TestBuild_HappyPath(t *testing.T) {
	clk := clock.NewFake(testStart())
	recorder := telemetry.NewRecorder()

	invoked := 0
	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		invoked++
		return "order-accepted", nil
	}), &Config{Sink: recorder, Clock: clk})

	msg := messaging.NewCommand("PlaceOrder", map[string]any{"orderId": "o-1"}, clk.Now())
	res := p.Process(context.Background(), msg, newContext(clk))

	require.True(t, res.IsSuccess())
	assert.Equal(t, "order-accepted", res.Value)
	assert.Equal(t, 1, invoked)

	events := recorder.Named("command.process")
	require.Len(t, events, 1)
	assert.Equal(t, "success", events[0].Tags["outcome"])
	assert.Equal(t, "PlaceOrder", events[0].Tags["name"])
	assert.Equal(t, string(messaging.KindCommand), events[0].Tags["kind"])
}

func TestBuild_RetriesThenSucceeds(t *testing.T) {
	clk := clock.NewFake(testStart())
	clk.AutoAdvance()

	invoked := 0
	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		invoked++
		if invoked < 3 {
			return nil, errors.New("transient hiccup")
		}
		return "done", nil
	}), &Config{
		Clock:       clk,
		RetryPolicy: resilience.ExponentialBackoff{Base: time.Millisecond, Multiplier: 2, MaxRetries: 3},
	})

	msg := messaging.NewCommand("PlaceOrder", nil, clk.Now())
	pctx := newContext(clk)
	res := p.Process(context.Background(), msg, pctx)

	require.True(t, res.IsSuccess())
	assert.Equal(t, 3, invoked)

	attempts, ok := pctx.Get(MetaAttempts)
	require.True(t, ok)
	assert.Equal(t, 3, attempts)

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, clk.Sleeps())
}

func TestBuild_RetriesExhausted(t *testing.T) {
	clk := clock.NewFake(testStart())
	clk.AutoAdvance()
	deadLetters := memory.NewDeadLetterStore()

	invoked := 0
	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		invoked++
		return nil, errors.New("still broken")
	}), &Config{
		Clock:       clk,
		RetryPolicy: resilience.FixedDelay{Delay: time.Millisecond, MaxRetries: 3},
		DeadLetters: deadLetters,
	})

	msg := messaging.NewCommand("PlaceOrder", nil, clk.Now())
	res := p.Process(context.Background(), msg, newContext(clk))

	require.True(t, res.IsFailure())
	assert.Equal(t, messaging.ErrKindHandler, res.ErrorKind)
	assert.Equal(t, 3, invoked)

	// The exhausted failure was parked once, not once per attempt.
	n, err := deadLetters.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBuild_CircuitOpensAndHeals(t *testing.T) {
	clk := clock.NewFake(testStart())
	breaker := resilience.NewBreaker(&resilience.BreakerConfig{
		FailureThreshold:  3,
		MinimumThroughput: 3,
		SamplingWindow:    time.Minute,
		BreakDuration:     100 * time.Millisecond,
		HalfOpenProbes:    1,
		HalfOpenSuccesses: 3,
	}, clk)

	invoked := 0
	fail := true
	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		invoked++
		if fail {
			return nil, errors.New("downstream unavailable")
		}
		return "ok", nil
	}), &Config{Clock: clk, Breaker: breaker})

	process := func() messaging.Result {
		msg := messaging.NewCommand("PlaceOrder", nil, clk.Now())
		return p.Process(context.Background(), msg, newContext(clk))
	}

	// Three identical failures open the circuit.
	for i := 0; i < 3; i++ {
		res := process()
		require.True(t, res.IsFailure())
		assert.Equal(t, messaging.ErrKindHandler, res.ErrorKind)
	}
	require.Equal(t, 3, invoked)

	// The fourth call fails fast; the handler is not reached.
	res := process()
	require.True(t, res.IsFailure())
	assert.Equal(t, messaging.ErrKindCircuitOpen, res.ErrorKind)
	assert.Equal(t, 3, invoked)

	// Still open at exactly the break duration.
	clk.Advance(100 * time.Millisecond)
	res = process()
	assert.Equal(t, messaging.ErrKindCircuitOpen, res.ErrorKind)
	assert.Equal(t, 3, invoked)

	// Strictly past it, probes flow through and heal the circuit.
	fail = false
	clk.Advance(time.Millisecond)
	for i := 0; i < 3; i++ {
		require.True(t, process().IsSuccess())
	}
	assert.Equal(t, 6, invoked)

	// Closed again; calls reach the handler normally.
	require.True(t, process().IsSuccess())
	assert.Equal(t, 7, invoked)
}

func TestBuild_RejectsInvalidMessage(t *testing.T) {
	clk := clock.NewFake(testStart())
	deadLetters := memory.NewDeadLetterStore()

	invoked := 0
	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		invoked++
		return nil, nil
	}), &Config{Clock: clk, DeadLetters: deadLetters})

	msg := messaging.NewCommand("", nil, clk.Now())
	res := p.Process(context.Background(), msg, newContext(clk))

	require.True(t, res.IsFailure())
	assert.Equal(t, messaging.ErrKindValidation, res.ErrorKind)
	assert.Equal(t, 0, invoked)

	// Validation failures are rejected, not parked.
	n, err := deadLetters.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBuild_PanicBecomesDeadLetter(t *testing.T) {
	clk := clock.NewFake(testStart())
	deadLetters := memory.NewDeadLetterStore()

	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		panic("nil map write")
	}), &Config{Clock: clk, DeadLetters: deadLetters})

	msg := messaging.NewCommand("PlaceOrder", nil, clk.Now())
	res := p.Process(context.Background(), msg, newContext(clk))

	require.True(t, res.IsFailure())
	assert.Equal(t, messaging.ErrKindHandler, res.ErrorKind)

	parked, err := deadLetters.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, messaging.ErrKindHandler, parked.ErrorKind)
}

func TestBuild_CancellationIsDistinct(t *testing.T) {
	clk := clock.NewFake(testStart())
	recorder := telemetry.NewRecorder()

	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		return nil, nil
	}), &Config{Sink: recorder, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := messaging.NewCommand("PlaceOrder", nil, clk.Now())
	res := p.Process(ctx, msg, newContext(clk))

	require.True(t, res.IsCancelled())
	assert.False(t, res.IsFailure())

	events := recorder.Named("command.process")
	require.Len(t, events, 1)
	assert.Equal(t, "cancelled", events[0].Tags["outcome"])
}

func TestBuild_CancellationInterruptsRetryDelay(t *testing.T) {
	clk := clock.NewFake(testStart())

	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		return nil, errors.New("transient hiccup")
	}), &Config{
		Clock:       clk,
		RetryPolicy: resilience.FixedDelay{Delay: time.Second, MaxRetries: 5},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan messaging.Result, 1)
	go func() {
		msg := messaging.NewCommand("PlaceOrder", nil, clk.Now())
		done <- p.Process(ctx, msg, newContext(clk))
	}()

	// Let the first attempt fail and the retry delay start, then cancel.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.True(t, res.IsCancelled())
	case <-time.After(time.Second):
		t.Fatal("cancellation did not interrupt the retry delay")
	}
}

func TestCorrelation_RootMessageCorrelatesToItself(t *testing.T) {
	clk := clock.NewFake(testStart())

	var seen *messaging.Envelope
	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		seen = msg
		return nil, nil
	}), &Config{Clock: clk})

	msg := messaging.NewCommand("PlaceOrder", nil, clk.Now())
	pctx := newContext(clk)
	res := p.Process(context.Background(), msg, pctx)

	require.True(t, res.IsSuccess())
	require.NotNil(t, seen)
	assert.Equal(t, msg.ID, seen.CorrelationID)
	assert.Equal(t, msg.ID, seen.CausationID)

	cid, ok := pctx.Get("correlationId")
	require.True(t, ok)
	assert.Equal(t, msg.ID, cid)
}

func TestCorrelation_PreservesExistingIDs(t *testing.T) {
	clk := clock.NewFake(testStart())

	p := Build(Core(func(ctx context.Context, msg *messaging.Envelope) (any, error) {
		return nil, nil
	}), &Config{Clock: clk})

	msg := messaging.NewCommand("PlaceOrder", nil, clk.Now()).
		WithCorrelation("corr-1", "cause-1")
	require.True(t, p.Process(context.Background(), msg, newContext(clk)).IsSuccess())

	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.Equal(t, "cause-1", msg.CausationID)
}

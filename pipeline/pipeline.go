// Package pipeline implements the ordered decorator chain every message is
// processed through. The canonical outermost-to-innermost order is metrics,
// logging, correlation, validation, error handling, retry, circuit breaker,
// core handler. Decorators never swallow cancellation, never mutate the
// message body, and never let anything but cancellation escape untyped.
package pipeline

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/resilience"
	"go.relaykit.dev/store"
	"go.relaykit.dev/telemetry"
)

// Processor handles one message and reports a uniform result.
type Processor interface {
	Process(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result

func (f ProcessorFunc) Process(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result {
	return f(ctx, msg, pctx)
}

// Stage wraps an inner processor with one cross-cutting concern.
type Stage func(next Processor) Processor

// Chain composes stages around a core processor. Stages are listed outermost
// first, matching the canonical order.
func Chain(core Processor, stages ...Stage) Processor {
	p := core
	for i := len(stages) - 1; i >= 0; i-- {
		p = stages[i](p)
	}
	return p
}

// Config carries the collaborators of the canonical chain. Nil fields
// disable the corresponding stage (metrics fall back to a noop sink, retry
// to NoRetry).
type Config struct {
	Sink        telemetry.Sink
	Logger      *zerolog.Logger
	Clock       clock.Clock
	RetryPolicy resilience.RetryPolicy
	Breaker     *resilience.Breaker
	DeadLetters store.DeadLetterStore
}

// DefaultConfig returns a chain configuration with a noop sink, the system
// clock and no retries.
func DefaultConfig() *Config {
	return &Config{
		Sink:        telemetry.Noop{},
		Clock:       clock.System(),
		RetryPolicy: resilience.NoRetry{},
	}
}

// Build assembles the canonical chain around core.
func Build(core Processor, cfg *Config) Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.Noop{}
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = resilience.NoRetry{}
	}
	logger := cfg.Logger
	if logger == nil {
		l := log.Logger
		logger = &l
	}

	stages := []Stage{
		Metrics(cfg.Sink, cfg.Clock),
		Logging(*logger),
		Correlation(),
		Validation(),
		ErrorHandling(cfg.DeadLetters, cfg.Clock),
		Retry(cfg.RetryPolicy, cfg.Clock),
	}
	if cfg.Breaker != nil {
		stages = append(stages, CircuitBreaker(cfg.Breaker))
	}
	return Chain(core, stages...)
}

// Core adapts a handler invocation to the innermost Processor. Handler
// errors become failure results; cancellation stays a distinct variant.
func Core(invoke func(ctx context.Context, msg *messaging.Envelope) (any, error)) Processor {
	return ProcessorFunc(func(ctx context.Context, msg *messaging.Envelope, _ *messaging.ProcessingContext) messaging.Result {
		if err := ctx.Err(); err != nil {
			return messaging.Cancelled(err)
		}
		value, err := invoke(ctx, msg)
		if err != nil {
			return messaging.FailureFromError(err)
		}
		return messaging.Success(value)
	})
}

// resultError reconstructs an error carrying the result's kind, for policy
// and breaker decisions.
func resultError(res messaging.Result) error {
	if res.Err != nil {
		if messaging.KindOf(res.Err) == res.ErrorKind {
			return res.Err
		}
		return messaging.NewError(res.ErrorKind, "", res.Message, res.Err)
	}
	return messaging.NewError(res.ErrorKind, "", res.Message, nil)
}

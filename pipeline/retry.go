package pipeline

import (
	"context"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/resilience"
)

// Retry re-invokes the inner stages per the policy. Delays are awaited
// cooperatively; cancellation interrupts a pending delay and surfaces as the
// Cancelled variant. The attempt count lands in ctx metadata.
func Retry(policy resilience.RetryPolicy, clk clock.Clock) Stage {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result {
			attempt := 0
			for {
				res := next.Process(ctx, msg, pctx)
				attempt++

				if !res.IsFailure() {
					pctx.Set(MetaAttempts, attempt)
					return res
				}
				if !policy.ShouldRetry(resultError(res), attempt) {
					pctx.Set(MetaAttempts, attempt)
					return res
				}
				if delay := policy.NextDelay(attempt); delay > 0 {
					if err := clk.Sleep(ctx, delay); err != nil {
						pctx.Set(MetaAttempts, attempt)
						return messaging.Cancelled(err)
					}
				}
			}
		})
	}
}

// CircuitBreaker fails fast when a fingerprint associated with this handler
// is open, and feeds call outcomes back into the breaker. It sits between
// retry and the core so the breaker guards every attempt.
func CircuitBreaker(breaker *resilience.Breaker) Stage {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result {
			scope := pctx.HandlerRef
			if scope == "" {
				scope = msg.Name
			}

			if err := breaker.Allow(scope); err != nil {
				return messaging.Failure(messaging.ErrKindCircuitOpen, "", err)
			}

			res := next.Process(ctx, msg, pctx)
			switch res.Status {
			case messaging.StatusSuccess:
				breaker.RecordSuccess(scope)
			case messaging.StatusFailure:
				switch res.ErrorKind {
				case messaging.ErrKindHandler, messaging.ErrKindTransient:
					breaker.RecordFailure(scope, resultError(res))
				}
			}
			return res
		})
	}
}

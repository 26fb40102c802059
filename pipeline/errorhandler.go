package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/store"
)

// ErrorHandling converts anything that escapes the inner stages into a
// typed failure and routes fatal failures to the dead-letter store. It sits
// above retry, so everything it sees has already exhausted its retries.
func ErrorHandling(deadLetters store.DeadLetterStore, clk clock.Clock) Stage {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) (res messaging.Result) {
			defer func() {
				if r := recover(); r != nil {
					err, ok := r.(error)
					if !ok {
						err = fmt.Errorf("handler panic: %v", r)
					}
					res = messaging.Failure(messaging.ErrKindHandler, "", err)
					routeFatal(ctx, deadLetters, clk, msg, pctx, res)
				}
			}()

			res = next.Process(ctx, msg, pctx)
			if res.IsFailure() {
				routeFatal(ctx, deadLetters, clk, msg, pctx, res)
			}
			return res
		})
	}
}

// routeFatal parks non-recoverable failures. Circuit-open and concurrency
// failures are transient from the caller's point of view and are not parked.
func routeFatal(ctx context.Context, deadLetters store.DeadLetterStore, clk clock.Clock, msg *messaging.Envelope, pctx *messaging.ProcessingContext, res messaging.Result) {
	if deadLetters == nil {
		return
	}
	switch res.ErrorKind {
	case messaging.ErrKindHandler, messaging.ErrKindTransient, messaging.ErrKindConversion:
	default:
		return
	}

	entry := &store.DeadLetterEntry{
		ID:        msg.ID,
		Message:   msg,
		Source:    pctx.Component,
		Reason:    res.Message,
		ErrorKind: res.ErrorKind,
		FailedAt:  clk.Now(),
	}
	if err := deadLetters.Add(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("messageId", msg.ID).
			Msg("Failed to park message in dead-letter store")
	}
}

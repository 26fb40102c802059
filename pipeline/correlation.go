package pipeline

import (
	"context"

	"go.relaykit.dev/messaging"
)

// Correlation ensures correlation and causation ids are set and propagated
// into the processing context. A root message correlates to itself.
func Correlation() Stage {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result {
			if msg.CorrelationID == "" {
				msg.CorrelationID = msg.ID
			}
			if msg.CausationID == "" {
				msg.CausationID = msg.ID
			}
			pctx.Set("correlationId", msg.CorrelationID)
			pctx.Set("causationId", msg.CausationID)
			return next.Process(ctx, msg, pctx)
		})
	}
}

// Validation rejects structurally invalid messages before any side effects.
func Validation() Stage {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result {
			if err := msg.Validate(); err != nil {
				return messaging.Failure(messaging.ErrKindValidation, "", err)
			}
			return next.Process(ctx, msg, pctx)
		})
	}
}

package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"go.relaykit.dev/messaging"
)

// Logging emits structured entry/exit events with correlation and causation
// ids. It sits inside metrics so self-reported latency covers it.
func Logging(logger zerolog.Logger) Stage {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result {
			logger.Debug().
				Str("messageId", msg.ID).
				Str("kind", string(msg.Kind)).
				Str("name", msg.Name).
				Str("correlationId", msg.CorrelationID).
				Str("causationId", msg.CausationID).
				Str("handler", pctx.HandlerRef).
				Msg("Processing message")

			res := next.Process(ctx, msg, pctx)

			switch res.Status {
			case messaging.StatusSuccess:
				logger.Debug().
					Str("messageId", msg.ID).
					Str("name", msg.Name).
					Msg("Message processed")
			case messaging.StatusCancelled:
				logger.Debug().
					Str("messageId", msg.ID).
					Str("name", msg.Name).
					Msg("Message processing cancelled")
			default:
				logger.Warn().
					Str("messageId", msg.ID).
					Str("name", msg.Name).
					Str("errorKind", string(res.ErrorKind)).
					Str("error", res.Message).
					Msg("Message processing failed")
			}
			return res
		})
	}
}

package pipeline

import (
	"context"
	"strings"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/telemetry"
)

// Metadata keys written by the chain.
const (
	MetaDuration = "pipeline.duration"
	MetaAttempts = "retry.attempts"
)

// Metrics is the outermost stage: it records count, duration and outcome for
// the whole logical operation, retries included.
func Metrics(sink telemetry.Sink, clk clock.Clock) Stage {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result {
			start := clk.Now()
			res := next.Process(ctx, msg, pctx)
			elapsed := clk.Now().Sub(start)

			pctx.Set(MetaDuration, elapsed)

			outcome := "success"
			switch res.Status {
			case messaging.StatusFailure:
				outcome = "failure"
			case messaging.StatusCancelled:
				outcome = "cancelled"
			}

			sink.Record(telemetry.Event{
				Name: strings.ToLower(string(msg.Kind)) + ".process",
				Tags: map[string]string{
					"kind":    string(msg.Kind),
					"name":    msg.Name,
					"outcome": outcome,
				},
				Duration: elapsed,
				Err:      res.Err,
			})

			if attempts, ok := pctx.Get(MetaAttempts); ok {
				if n, ok := attempts.(int); ok {
					telemetry.PipelineRetryAttempts.
						WithLabelValues(string(msg.Kind), msg.Name).
						Observe(float64(n))
				}
			}
			return res
		})
	}
}

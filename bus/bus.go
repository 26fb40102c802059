package bus

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/pipeline"
	"go.relaykit.dev/telemetry"
)

// Config holds the bus collaborators. Pipeline is shared by every dispatch
// so decorators apply uniformly per handler invocation.
type Config struct {
	Pipeline *pipeline.Config
	Clock    clock.Clock

	// MaxFanout caps concurrent handler invocations per published event.
	// Zero means unbounded.
	MaxFanout int
}

// FanoutResult aggregates one event publication. Handler failures are
// independent: one failing subscriber never stops the others.
type FanoutResult struct {
	Registered int                `json:"registered"`
	Published  int                `json:"published"`
	Failed     int                `json:"failed"`
	Results    []messaging.Result `json:"-"`
}

// Bus routes commands and queries to their single handler and fans events
// out to all subscribers, each invocation running through the pipeline.
type Bus struct {
	registry *Registry
	config   Config
	clk      clock.Clock
	proc     pipeline.Processor
}

// New creates a bus over the registry.
func New(registry *Registry, config Config) *Bus {
	if config.Pipeline == nil {
		config.Pipeline = pipeline.DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	b := &Bus{registry: registry, config: config, clk: config.Clock}
	b.proc = pipeline.Build(b.core(), config.Pipeline)
	return b
}

// core resolves the concrete handler at the innermost stage, after the
// breaker has already keyed its scope off the processing context.
func (b *Bus) core() pipeline.Processor {
	return pipeline.ProcessorFunc(func(ctx context.Context, msg *messaging.Envelope, pctx *messaging.ProcessingContext) messaging.Result {
		if err := ctx.Err(); err != nil {
			return messaging.Cancelled(err)
		}

		switch msg.Kind {
		case messaging.KindCommand:
			h, ok := b.registry.CommandHandler(msg.Name)
			if !ok {
				return noHandler(msg)
			}
			return invoke(ctx, h, msg)
		case messaging.KindQuery:
			h, ok := b.registry.QueryHandler(msg.Name)
			if !ok {
				return noHandler(msg)
			}
			return invoke(ctx, h, msg)
		case messaging.KindEvent:
			fn, ok := pctx.Get(metaEventHandler)
			if !ok {
				return noHandler(msg)
			}
			handler := fn.(EventHandler)
			if err := handler(ctx, msg); err != nil {
				if messaging.IsCancellation(err) {
					return messaging.Cancelled(err)
				}
				return messaging.FailureFromError(err)
			}
			return messaging.Success(nil)
		default:
			return messaging.Failure(messaging.ErrKindValidation, "", messaging.NewError(
				messaging.ErrKindValidation, messaging.CodeInvalidMessage,
				"unknown message kind "+string(msg.Kind), nil))
		}
	})
}

// metaEventHandler carries the resolved subscriber through the processing
// context during fan-out.
const metaEventHandler = "bus.eventHandler"

func invoke(ctx context.Context, h Handler, msg *messaging.Envelope) messaging.Result {
	value, err := h(ctx, msg)
	if err != nil {
		if messaging.IsCancellation(err) {
			return messaging.Cancelled(err)
		}
		return messaging.FailureFromError(err)
	}
	return messaging.Success(value)
}

func noHandler(msg *messaging.Envelope) messaging.Result {
	return messaging.Failure(messaging.ErrKindConfiguration, "", messaging.NewError(
		messaging.ErrKindConfiguration, messaging.CodeNoHandler,
		fmt.Sprintf("no handler registered for %s %s", msg.Kind, msg.Name),
		messaging.ErrNoHandler).WithHint("register a handler before dispatching"))
}

// Send dispatches a command to its single handler.
func (b *Bus) Send(ctx context.Context, msg *messaging.Envelope) messaging.Result {
	msg.Kind = messaging.KindCommand
	ref := "command:" + msg.Name
	pctx := messaging.NewProcessingContext("bus", ref, messaging.KindCommand, b.clk.Now())
	return b.proc.Process(ctx, msg, pctx)
}

// Ask dispatches a query to its single handler and returns its value in the
// result.
func (b *Bus) Ask(ctx context.Context, msg *messaging.Envelope) messaging.Result {
	msg.Kind = messaging.KindQuery
	ref := "query:" + msg.Name
	pctx := messaging.NewProcessingContext("bus", ref, messaging.KindQuery, b.clk.Now())
	return b.proc.Process(ctx, msg, pctx)
}

// Publish fans an event out to every subscriber through the pipeline.
// Handler order is the registration order, but completion order is
// unspecified: subscribers run concurrently.
func (b *Bus) Publish(ctx context.Context, msg *messaging.Envelope) FanoutResult {
	msg.Kind = messaging.KindEvent
	regs := b.registry.EventHandlers(msg.Name)
	out := FanoutResult{Registered: len(regs)}
	if len(regs) == 0 {
		return out
	}

	p := pool.NewWithResults[messaging.Result]()
	if b.config.MaxFanout > 0 {
		p = p.WithMaxGoroutines(b.config.MaxFanout)
	}
	for _, reg := range regs {
		reg := reg
		p.Go(func() messaging.Result {
			pctx := messaging.NewProcessingContext("bus", reg.Ref, messaging.KindEvent, b.clk.Now())
			pctx.Set(metaEventHandler, reg.Fn)
			return b.proc.Process(ctx, msg, pctx)
		})
	}
	out.Results = p.Wait()

	for _, res := range out.Results {
		if res.IsFailure() {
			out.Failed++
		} else {
			out.Published++
		}
	}
	telemetry.BusFanout.WithLabelValues(msg.Name, "published").Add(float64(out.Published))
	telemetry.BusFanout.WithLabelValues(msg.Name, "failed").Add(float64(out.Failed))
	return out
}

package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/telemetry"
)

// Config carries the orchestrator's ambient dependencies.
type Config struct {
	Clock  clock.Clock
	Sink   telemetry.Sink
	Logger *zerolog.Logger
}

// DefaultConfig uses the system clock, no telemetry and the global logger.
func DefaultConfig() Config {
	return Config{
		Clock: clock.System(),
		Sink:  telemetry.Noop{},
	}
}

// Orchestrator routes events to saga definitions and drives persisted
// transitions with optimistic concurrency. Compensation stacks live in
// process memory for the lifetime of their instance.
type Orchestrator struct {
	repo   Repository
	clk    clock.Clock
	sink   telemetry.Sink
	logger zerolog.Logger

	mu      sync.RWMutex
	defs    map[string]*Definition
	byEvent map[string][]*Definition
	stacks  map[string]*CompensationStack
}

// NewOrchestrator creates an orchestrator over the given repository.
func NewOrchestrator(repo Repository, cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.Noop{}
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Orchestrator{
		repo:    repo,
		clk:     cfg.Clock,
		sink:    cfg.Sink,
		logger:  logger,
		defs:    make(map[string]*Definition),
		byEvent: make(map[string][]*Definition),
		stacks:  make(map[string]*CompensationStack),
	}
}

// Register adds a saga definition. Registering the same saga type twice is
// a configuration error.
func (o *Orchestrator) Register(def *Definition) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.defs[def.sagaType]; ok {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			fmt.Sprintf("saga type %s already registered", def.sagaType), nil)
	}
	o.defs[def.sagaType] = def
	for _, e := range def.events() {
		o.byEvent[e] = append(o.byEvent[e], def)
	}
	return nil
}

// Definitions returns the registered definitions.
func (o *Orchestrator) Definitions() []*Definition {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*Definition, 0, len(o.defs))
	for _, d := range o.defs {
		out = append(out, d)
	}
	return out
}

// Process routes the event to every definition that reacts to it. Events no
// definition handles are ignored. The first failure wins; a concurrency
// conflict is surfaced for the caller to retry.
func (o *Orchestrator) Process(ctx context.Context, event *messaging.Envelope) messaging.Result {
	o.mu.RLock()
	defs := o.byEvent[event.Name]
	o.mu.RUnlock()

	if len(defs) == 0 {
		o.logger.Debug().Str("event", event.Name).Msg("No saga reacts to event, ignoring")
		return messaging.Success(nil)
	}

	for _, def := range defs {
		if res := o.processDefinition(ctx, def, event); !res.IsSuccess() {
			return res
		}
	}
	return messaging.Success(nil)
}

func (o *Orchestrator) processDefinition(ctx context.Context, def *Definition, event *messaging.Envelope) messaging.Result {
	cid := event.CorrelationID
	if cid == "" {
		if def.requireCorrel {
			return messaging.Failure(messaging.ErrKindValidation, "",
				messaging.NewError(messaging.ErrKindValidation, messaging.CodeCorrelationLost,
					fmt.Sprintf("event %s carries no correlation id", event.Name), messaging.ErrCorrelationMissing))
		}
		cid = event.ID
	}

	inst, err := o.repo.Find(ctx, cid)
	if err != nil {
		if !errors.Is(err, messaging.ErrNotFound) {
			return messaging.FailureFromError(err)
		}
		t, ok := def.initial[event.Name]
		if !ok {
			o.logger.Debug().
				Str("sagaType", def.sagaType).
				Str("event", event.Name).
				Str("correlationId", cid).
				Msg("Event for unknown saga instance, ignoring")
			return messaging.Success(nil)
		}
		now := o.clk.Now()
		inst = &Instance{
			CorrelationID: cid,
			SagaType:      def.sagaType,
			StateName:     InitialState,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return o.transition(ctx, def, inst, event, t, true)
	}

	if inst.SagaType != def.sagaType {
		return messaging.Success(nil)
	}
	if inst.IsCompleted {
		// A replayed event on a finished saga also releases any stack a
		// restart or timeout left behind.
		o.dropStack(cid)
		o.logger.Debug().
			Str("sagaType", def.sagaType).
			Str("correlationId", cid).
			Str("event", event.Name).
			Msg("Event for completed saga, ignoring")
		return messaging.Success(nil)
	}

	t, ok := def.during[inst.StateName][event.Name]
	if !ok {
		o.logger.Debug().
			Str("sagaType", def.sagaType).
			Str("state", inst.StateName).
			Str("event", event.Name).
			Msg("Event not accepted in current state, ignoring")
		return messaging.Success(nil)
	}
	return o.transition(ctx, def, inst, event, t, false)
}

// transition runs the action against a private copy of the instance and
// persists the outcome: new instances are inserted after the action
// succeeds, existing ones are updated with a version compare-and-swap.
// A failed action or a failed persist discards the transition entirely,
// compensations it registered included.
func (o *Orchestrator) transition(ctx context.Context, def *Definition, inst *Instance, event *messaging.Envelope, t Transition, create bool) messaging.Result {
	from := inst.StateName
	stack := o.stackFor(inst.CorrelationID)
	depth := stack.Len()

	tctx := &TransitionContext{
		Instance:     inst,
		Event:        event,
		Compensation: stack,
	}
	if t.Action != nil {
		if err := t.Action(ctx, tctx); err != nil {
			o.discardRegistrations(inst.CorrelationID, stack, depth)
			o.logger.Warn().Err(err).
				Str("sagaType", def.sagaType).
				Str("state", from).
				Str("event", event.Name).
				Msg("Saga action failed, transition discarded")
			return messaging.FailureFromError(err)
		}
	}

	if t.NextState != "" {
		inst.StateName = t.NextState
	}
	if def.isFinal(inst.StateName) {
		inst.IsCompleted = true
	}
	inst.UpdatedAt = o.clk.Now()

	var err error
	if create {
		// Version counts committed transitions; the insert carries the
		// first one. A duplicate id means a concurrent delivery created
		// the instance between our lookup and now.
		inst.Version = 1
		if err = o.repo.Add(ctx, inst); errors.Is(err, messaging.ErrDuplicate) {
			err = messaging.ErrConcurrencyConflict
		}
	} else {
		err = o.repo.Update(ctx, inst)
	}
	if err != nil {
		o.discardRegistrations(inst.CorrelationID, stack, depth)
		if errors.Is(err, messaging.ErrConcurrencyConflict) {
			telemetry.SagaTransitions.WithLabelValues(def.sagaType, "conflict").Inc()
			o.logger.Debug().
				Str("sagaType", def.sagaType).
				Str("correlationId", inst.CorrelationID).
				Msg("Saga version conflict, caller should retry")
			return messaging.Failure(messaging.ErrKindConcurrency, "", err)
		}
		return messaging.FailureFromError(err)
	}

	o.sink.Record(telemetry.Event{
		Name: "saga.transition",
		Tags: map[string]string{
			"sagaType": def.sagaType,
			"from":     from,
			"to":       inst.StateName,
			"event":    event.Name,
		},
	})
	telemetry.SagaTransitions.WithLabelValues(def.sagaType, "applied").Inc()
	o.logger.Info().
		Str("sagaType", def.sagaType).
		Str("correlationId", inst.CorrelationID).
		Str("from", from).
		Str("to", inst.StateName).
		Int64("version", inst.Version).
		Msg("Saga transition committed")

	if _, fire := def.compensateOn[inst.StateName]; fire {
		if err := stack.Compensate(ctx); err != nil {
			o.logger.Error().Err(err).
				Str("sagaType", def.sagaType).
				Str("correlationId", inst.CorrelationID).
				Msg("Compensation completed with failures")
		}
	}
	if inst.IsCompleted {
		o.dropStack(inst.CorrelationID)
	}
	return messaging.Success(inst.clone())
}

// stackFor returns the compensation stack for a correlation id, creating it
// on first use.
func (o *Orchestrator) stackFor(correlationID string) *CompensationStack {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.stacks[correlationID]
	if !ok {
		s = NewCompensationStack()
		o.stacks[correlationID] = s
	}
	return s
}

func (o *Orchestrator) dropStack(correlationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.stacks, correlationID)
}

// discardRegistrations unwinds what a discarded transition registered: the
// stack shrinks back to its pre-action depth, and a stack the transition
// itself created is removed outright.
func (o *Orchestrator) discardRegistrations(correlationID string, stack *CompensationStack, depth int) {
	stack.truncate(depth)
	if depth > 0 || stack.Len() > 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stacks[correlationID] == stack {
		delete(o.stacks, correlationID)
	}
}

package saga

import (
	"context"
	"time"

	"go.relaykit.dev/messaging"
)

// InitialState is the state every new instance starts in.
const InitialState = "Initial"

// TimeoutEvent is the synthetic event name the timeout watcher routes into
// the orchestrator for stale instances.
const TimeoutEvent = "TimeoutElapsed"

// TransitionContext is handed to actions. The instance is a private copy;
// mutations are persisted only when the transition commits.
type TransitionContext struct {
	Instance     *Instance
	Event        *messaging.Envelope
	Compensation *CompensationStack
}

// Action runs the side effects of one transition.
type Action func(ctx context.Context, tctx *TransitionContext) error

// Transition binds an action to a target state. An empty NextState keeps the
// instance in its current state.
type Transition struct {
	Action    Action
	NextState string
}

// Definition is the static state machine for one saga type: which event
// creates an instance, which events each state accepts, and which states are
// terminal.
type Definition struct {
	sagaType      string
	initial       map[string]Transition
	during        map[string]map[string]Transition
	finalStates   map[string]struct{}
	compensateOn  map[string]struct{}
	timeout       time.Duration
	timeoutEvent  string
	requireCorrel bool
}

// NewDefinition creates an empty definition for the given saga type.
// Correlation ids are required by default.
func NewDefinition(sagaType string) *Definition {
	return &Definition{
		sagaType:      sagaType,
		initial:       make(map[string]Transition),
		during:        make(map[string]map[string]Transition),
		finalStates:   make(map[string]struct{}),
		compensateOn:  make(map[string]struct{}),
		timeoutEvent:  TimeoutEvent,
		requireCorrel: true,
	}
}

// Initially declares an event that creates a new instance and applies the
// transition from the initial state.
func (d *Definition) Initially(event string, t Transition) *Definition {
	d.initial[event] = t
	return d
}

// During declares an event accepted while the instance is in the given state.
func (d *Definition) During(state, event string, t Transition) *Definition {
	m, ok := d.during[state]
	if !ok {
		m = make(map[string]Transition)
		d.during[state] = m
	}
	m[event] = t
	return d
}

// Final marks states as terminal. Entering one completes the instance.
func (d *Definition) Final(states ...string) *Definition {
	for _, s := range states {
		d.finalStates[s] = struct{}{}
	}
	return d
}

// CompensateOn marks states whose entry fires the instance's compensation
// stack, most recent registration first.
func (d *Definition) CompensateOn(states ...string) *Definition {
	for _, s := range states {
		d.compensateOn[s] = struct{}{}
	}
	return d
}

// Timeout sets the staleness window for this saga type. Zero disables
// timeout detection for the type.
func (d *Definition) Timeout(dur time.Duration) *Definition {
	d.timeout = dur
	return d
}

// OnTimeout overrides the synthetic event name used when the watcher detects
// a stale instance.
func (d *Definition) OnTimeout(event string) *Definition {
	d.timeoutEvent = event
	return d
}

// AllowMissingCorrelation lets events without a correlation id through; by
// default they are rejected before any lookup.
func (d *Definition) AllowMissingCorrelation() *Definition {
	d.requireCorrel = false
	return d
}

// SagaType returns the saga type this definition describes.
func (d *Definition) SagaType() string {
	return d.sagaType
}

// isFinal reports whether the state is terminal.
func (d *Definition) isFinal(state string) bool {
	_, ok := d.finalStates[state]
	return ok
}

// handles reports whether the definition reacts to the event name in any
// state, including creation.
func (d *Definition) handles(event string) bool {
	if _, ok := d.initial[event]; ok {
		return true
	}
	for _, m := range d.during {
		if _, ok := m[event]; ok {
			return true
		}
	}
	return false
}

// events returns every event name the definition reacts to.
func (d *Definition) events() []string {
	seen := make(map[string]struct{})
	for e := range d.initial {
		seen[e] = struct{}{}
	}
	for _, m := range d.during {
		for e := range m {
			seen[e] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	return out
}

// Package bus dispatches commands and queries to their single handler and
// fans events out to every subscriber, all through the processing pipeline.
package bus

import (
	"context"
	"fmt"
	"sync"

	"go.relaykit.dev/messaging"
)

// Handler processes one message and may return a value.
type Handler func(ctx context.Context, msg *messaging.Envelope) (any, error)

// EventHandler processes one event; events return no value.
type EventHandler func(ctx context.Context, msg *messaging.Envelope) error

// EventRegistration is one subscriber of an event name. Ref keys breaker
// scopes and log lines.
type EventRegistration struct {
	Ref string
	Fn  EventHandler
}

// Registry maps message names to handlers. Registration is write-rare;
// lookup is on the hot path and O(1) by name. Commands and queries take
// exactly one handler; events take any number, kept in registration order.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Handler
	queries  map[string]Handler
	events   map[string][]EventRegistration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Handler),
		queries:  make(map[string]Handler),
		events:   make(map[string][]EventRegistration),
	}
}

// RegisterCommand binds the single handler for a command name.
func (r *Registry) RegisterCommand(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.commands[name]; ok {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			fmt.Sprintf("command %s already has a handler", name), nil)
	}
	r.commands[name] = h
	return nil
}

// RegisterQuery binds the single handler for a query name.
func (r *Registry) RegisterQuery(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queries[name]; ok {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			fmt.Sprintf("query %s already has a handler", name), nil)
	}
	r.queries[name] = h
	return nil
}

// RegisterEvent adds a subscriber for an event name. The handler name keys
// breaker scopes and logs; it must be unique per event.
func (r *Registry) RegisterEvent(name, handlerName string, h EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := fmt.Sprintf("event:%s:%s", name, handlerName)
	for _, reg := range r.events[name] {
		if reg.Ref == ref {
			return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
				fmt.Sprintf("event %s already has handler %s", name, handlerName), nil)
		}
	}
	r.events[name] = append(r.events[name], EventRegistration{Ref: ref, Fn: h})
	return nil
}

// CommandHandler resolves the handler for a command name.
func (r *Registry) CommandHandler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.commands[name]
	return h, ok
}

// QueryHandler resolves the handler for a query name.
func (r *Registry) QueryHandler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.queries[name]
	return h, ok
}

// EventHandlers returns the subscribers for an event name, in registration
// order.
func (r *Registry) EventHandlers(name string) []EventRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EventRegistration, len(r.events[name]))
	copy(out, r.events[name])
	return out
}

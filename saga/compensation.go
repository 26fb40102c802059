package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// CompensationStack accumulates undo actions registered by successful
// transition steps. Compensate runs them LIFO, exactly once; every action is
// attempted even when earlier ones fail.
type CompensationStack struct {
	mu          sync.Mutex
	entries     []compensationEntry
	compensated bool
}

type compensationEntry struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCompensationStack returns an empty stack.
func NewCompensationStack() *CompensationStack {
	return &CompensationStack{}
}

// Register pushes an undo action. Registrations after Compensate has run are
// dropped; the transaction they would undo is already unwound.
func (s *CompensationStack) Register(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compensated {
		log.Warn().Str("compensation", name).Msg("Compensation registered after stack already ran, dropping")
		return
	}
	s.entries = append(s.entries, compensationEntry{name: name, fn: fn})
}

// Len returns the number of pending undo actions.
func (s *CompensationStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// truncate drops entries registered past depth. Used to unwind
// registrations made by a transition that did not commit.
func (s *CompensationStack) truncate(depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if depth >= 0 && depth < len(s.entries) {
		s.entries = s.entries[:depth]
	}
}

// Compensated reports whether the stack has already run.
func (s *CompensationStack) Compensated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compensated
}

// Compensate runs all registered actions in reverse registration order.
// Failures are collected and joined; a second call is a no-op.
func (s *CompensationStack) Compensate(ctx context.Context) error {
	s.mu.Lock()
	if s.compensated {
		s.mu.Unlock()
		return nil
	}
	s.compensated = true
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.fn(ctx); err != nil {
			log.Error().Err(err).Str("compensation", e.name).Msg("Compensation action failed")
			errs = append(errs, fmt.Errorf("compensation %s: %w", e.name, err))
			continue
		}
		log.Debug().Str("compensation", e.name).Msg("Compensation action completed")
	}
	return errors.Join(errs...)
}

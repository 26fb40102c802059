// Package telemetry defines the abstract sink RelayKit emits structured
// events through, plus prometheus-backed and test implementations.
package telemetry

import (
	"sync"
	"time"
)

// Event is one structured telemetry event.
type Event struct {
	Name     string
	Tags     map[string]string
	Duration time.Duration
	Err      error
}

// Sink receives telemetry events. Implementations must be safe for
// concurrent use and must not block the caller.
type Sink interface {
	Record(ev Event)
}

// Noop discards all events.
type Noop struct{}

func (Noop) Record(Event) {}

// Recorder captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

package transport

import (
	"context"
	"sync"

	"go.relaykit.dev/messaging"
)

// InMemory is a Publisher that records messages per destination. Tests and
// single-process deployments use it; a failure hook injects publish errors.
type InMemory struct {
	mu       sync.Mutex
	messages map[string][]*messaging.Envelope
	failFn   func(destination string, msg *messaging.Envelope) error
}

// NewInMemory creates an empty in-memory publisher.
func NewInMemory() *InMemory {
	return &InMemory{messages: make(map[string][]*messaging.Envelope)}
}

// FailWith installs a hook consulted before every publish; a non-nil return
// becomes the publish error. Pass nil to clear.
func (p *InMemory) FailWith(fn func(destination string, msg *messaging.Envelope) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFn = fn
}

func (p *InMemory) Publish(ctx context.Context, destination string, msg *messaging.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failFn != nil {
		if err := p.failFn(destination, msg); err != nil {
			return err
		}
	}
	p.messages[destination] = append(p.messages[destination], msg)
	return nil
}

// Published returns the messages delivered to a destination, in order.
func (p *InMemory) Published(destination string) []*messaging.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*messaging.Envelope, len(p.messages[destination]))
	copy(out, p.messages[destination])
	return out
}

// Reset drops all recorded messages.
func (p *InMemory) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = make(map[string][]*messaging.Envelope)
}

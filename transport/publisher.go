// Package transport defines the outbound publish boundary and its adapters.
// The outbox dispatcher and the event bus publish through a Publisher; the
// adapters decide the wire.
package transport

import (
	"context"

	"go.relaykit.dev/messaging"
)

// Publisher delivers a message to a named destination. The meaning of the
// destination is adapter-specific: a URL, a subject, a queue URL.
type Publisher interface {
	Publish(ctx context.Context, destination string, msg *messaging.Envelope) error
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, destination string, msg *messaging.Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, destination string, msg *messaging.Envelope) error {
	return f(ctx, destination, msg)
}

// Package messaging defines the message model shared by every RelayKit
// component: the envelope, the three message kinds, per-invocation processing
// context and the uniform processing result.
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the dispatch semantics of a message.
type Kind string

const (
	// KindCommand targets exactly one handler and may return a result.
	KindCommand Kind = "COMMAND"
	// KindQuery targets exactly one handler and must return a result.
	KindQuery Kind = "QUERY"
	// KindEvent fans out to zero or more handlers and returns nothing.
	KindEvent Kind = "EVENT"
)

// Envelope is the structured carrier of a message. ID is the stable identity,
// CorrelationID groups related messages and CausationID points at the direct
// parent. The body is owned by the caller; the pipeline never mutates it.
type Envelope struct {
	ID            string         `json:"id" bson:"_id"`
	Kind          Kind           `json:"kind" bson:"kind"`
	Name          string         `json:"name" bson:"name"`
	Timestamp     time.Time      `json:"timestamp" bson:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty" bson:"correlationId,omitempty"`
	CausationID   string         `json:"causationId,omitempty" bson:"causationId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Body          any            `json:"body,omitempty" bson:"body,omitempty"`
}

// NewEnvelope creates an envelope with a fresh UUID and the given wall time.
// Name is the message type name used for handler and converter lookup.
func NewEnvelope(kind Kind, name string, body any, now time.Time) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      name,
		Timestamp: now,
		Body:      body,
	}
}

// NewCommand creates a command envelope.
func NewCommand(name string, body any, now time.Time) *Envelope {
	return NewEnvelope(KindCommand, name, body, now)
}

// NewQuery creates a query envelope.
func NewQuery(name string, body any, now time.Time) *Envelope {
	return NewEnvelope(KindQuery, name, body, now)
}

// NewEvent creates an event envelope.
func NewEvent(name string, body any, now time.Time) *Envelope {
	return NewEnvelope(KindEvent, name, body, now)
}

// WithCorrelation sets correlation and causation ids and returns the envelope.
func (e *Envelope) WithCorrelation(correlationID, causationID string) *Envelope {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// SetMeta sets a metadata key, allocating the map on first use.
func (e *Envelope) SetMeta(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
}

// Meta returns a metadata value and whether it was present.
func (e *Envelope) Meta(key string) (any, bool) {
	v, ok := e.Metadata[key]
	return v, ok
}

// Validate reports structural problems with the envelope. A valid envelope
// has an id, a name, a known kind and a timestamp.
func (e *Envelope) Validate() error {
	if e == nil {
		return NewError(ErrKindValidation, CodeInvalidMessage, "envelope is nil", nil)
	}
	if e.ID == "" {
		return NewError(ErrKindValidation, CodeInvalidMessage, "envelope has no message id", nil)
	}
	if e.Name == "" {
		return NewError(ErrKindValidation, CodeInvalidMessage, "envelope has no message name", nil)
	}
	switch e.Kind {
	case KindCommand, KindQuery, KindEvent:
	default:
		return NewError(ErrKindValidation, CodeInvalidMessage, "envelope has unknown kind "+string(e.Kind), nil)
	}
	if e.Timestamp.IsZero() {
		return NewError(ErrKindValidation, CodeInvalidMessage, "envelope has zero timestamp", nil)
	}
	return nil
}

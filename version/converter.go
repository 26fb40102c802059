package version

import (
	"context"

	"go.relaykit.dev/messaging"
)

// MetaVersion is the envelope metadata key carrying the schema version.
const MetaVersion = "version"

// Converter migrates a message type between any two versions inside its
// supported range. Min must not exceed max; the registry enforces it.
type Converter interface {
	// MessageType names the message this converter migrates.
	MessageType() string
	// Range returns the inclusive version span the converter covers.
	Range() (min, max Version)
	// Convert migrates the message body from one version to another. Both
	// endpoints are inside Range. Implementations return the migrated
	// envelope; mutating in place and returning the input is allowed.
	Convert(ctx context.Context, msg *messaging.Envelope, from, to Version) (*messaging.Envelope, error)
}

// ConverterFunc adapts a function into a Converter over a fixed range.
type ConverterFunc struct {
	Type     string
	Min, Max Version
	Fn       func(ctx context.Context, msg *messaging.Envelope, from, to Version) (*messaging.Envelope, error)
}

func (c ConverterFunc) MessageType() string { return c.Type }
func (c ConverterFunc) Range() (min, max Version) { return c.Min, c.Max }
func (c ConverterFunc) Convert(ctx context.Context, msg *messaging.Envelope, from, to Version) (*messaging.Envelope, error) {
	return c.Fn(ctx, msg, from, to)
}

// Step is one hop of a conversion path.
type Step struct {
	From      Version
	To        Version
	Converter Converter
}

// Path is an ordered chain of steps; consecutive steps connect.
type Path []Step

// VersionOf reads the message's schema version from envelope metadata.
// Messages without one are treated as 1.0.0.
func VersionOf(msg *messaging.Envelope) (Version, error) {
	raw, ok := msg.Meta(MetaVersion)
	if !ok {
		return Version{Major: 1}, nil
	}
	switch v := raw.(type) {
	case string:
		return Parse(v)
	case Version:
		return v, nil
	default:
		return Version{}, messaging.NewError(messaging.ErrKindValidation, messaging.CodeInvalidMessage,
			"version metadata is neither string nor Version", nil)
	}
}

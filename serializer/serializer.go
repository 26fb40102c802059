// Package serializer converts envelopes to and from wire bytes.
package serializer

import (
	"encoding/json"

	"go.relaykit.dev/messaging"
)

// Serializer is the wire codec for envelopes.
type Serializer interface {
	Marshal(msg *messaging.Envelope) ([]byte, error)
	Unmarshal(data []byte) (*messaging.Envelope, error)
	// ContentType is the MIME type of the marshalled bytes.
	ContentType() string
	// ContentEncoding is the transfer encoding, empty when none.
	ContentEncoding() string
}

// JSON marshals envelopes as plain JSON.
type JSON struct{}

func (JSON) Marshal(msg *messaging.Envelope) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSON) Unmarshal(data []byte) (*messaging.Envelope, error) {
	var msg messaging.Envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (JSON) ContentType() string     { return "application/json" }
func (JSON) ContentEncoding() string { return "" }

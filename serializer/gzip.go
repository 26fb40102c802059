package serializer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"go.relaykit.dev/messaging"
)

// Level selects the compression effort.
type Level int

const (
	// LevelNone passes bytes through uncompressed.
	LevelNone Level = iota
	// LevelFastest favors speed over ratio.
	LevelFastest
	// LevelOptimal balances speed and ratio.
	LevelOptimal
	// LevelMaximum favors ratio over speed.
	LevelMaximum
)

func (l Level) gzipLevel() int {
	switch l {
	case LevelFastest:
		return gzip.BestSpeed
	case LevelMaximum:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

// Gzip wraps another serializer with gzip compression. LevelNone delegates
// straight through.
type Gzip struct {
	Inner Serializer
	Level Level
}

// NewGzip compresses JSON at the given level.
func NewGzip(level Level) Gzip {
	return Gzip{Inner: JSON{}, Level: level}
}

func (g Gzip) Marshal(msg *messaging.Envelope) ([]byte, error) {
	data, err := g.Inner.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if g.Level == LevelNone {
		return data, nil
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.Level.gzipLevel())
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (g Gzip) Unmarshal(data []byte) (*messaging.Envelope, error) {
	if g.Level == LevelNone {
		return g.Inner.Unmarshal(data)
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()

	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return g.Inner.Unmarshal(plain)
}

func (g Gzip) ContentType() string { return g.Inner.ContentType() }

func (g Gzip) ContentEncoding() string {
	if g.Level == LevelNone {
		return g.Inner.ContentEncoding()
	}
	return "gzip"
}

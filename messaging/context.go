package messaging

import (
	"sync"
	"time"
)

// ProcessingContext carries per-invocation state through the pipeline.
// Metadata additions are monotonic: a key can be set exactly once.
type ProcessingContext struct {
	Component   string
	HandlerRef  string
	HandlerKind Kind
	StartedAt   time.Time

	mu       sync.RWMutex
	metadata map[string]any
}

// NewProcessingContext creates a context for one message invocation.
func NewProcessingContext(component, handlerRef string, kind Kind, startedAt time.Time) *ProcessingContext {
	return &ProcessingContext{
		Component:   component,
		HandlerRef:  handlerRef,
		HandlerKind: kind,
		StartedAt:   startedAt,
		metadata:    make(map[string]any),
	}
}

// Set records a metadata value. Returns false if the key was already set;
// the existing value is kept.
func (c *ProcessingContext) Set(key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.metadata[key]; exists {
		return false
	}
	c.metadata[key] = value
	return true
}

// Get returns a metadata value and whether it was present.
func (c *ProcessingContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Snapshot returns a copy of the metadata map.
func (c *ProcessingContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

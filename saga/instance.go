// Package saga implements event-routed, persisted state machines with
// optimistic concurrency, LIFO compensation and timeout detection.
package saga

import (
	"time"
)

// Instance is one persisted saga, keyed by correlation id. Version
// increments by exactly one on every persisted transition; the repository
// enforces compare-and-swap on it.
type Instance struct {
	CorrelationID string         `json:"correlationId" bson:"_id"`
	SagaType      string         `json:"sagaType" bson:"sagaType"`
	StateName     string         `json:"stateName" bson:"stateName"`
	Version       int64          `json:"version" bson:"version"`
	CreatedAt     time.Time      `json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt" bson:"updatedAt"`
	IsCompleted   bool           `json:"isCompleted" bson:"isCompleted"`
	Data          map[string]any `json:"data,omitempty" bson:"data,omitempty"`
}

// Set stores a value in the saga's opaque data bag.
func (i *Instance) Set(key string, value any) {
	if i.Data == nil {
		i.Data = make(map[string]any)
	}
	i.Data[key] = value
}

// Get reads a value from the data bag.
func (i *Instance) Get(key string) (any, bool) {
	v, ok := i.Data[key]
	return v, ok
}

// clone returns a deep-enough copy for handing to actions and callers.
func (i *Instance) clone() *Instance {
	cp := *i
	if i.Data != nil {
		cp.Data = make(map[string]any, len(i.Data))
		for k, v := range i.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

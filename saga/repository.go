package saga

import (
	"context"
	"sync"
	"time"

	"go.relaykit.dev/messaging"
)

// Repository persists saga instances. Update performs a compare-and-swap on
// the instance version: it succeeds only when the stored version still equals
// the version the caller observed, and increments it by one.
type Repository interface {
	// Find returns the instance for a correlation id, or ErrNotFound.
	Find(ctx context.Context, correlationID string) (*Instance, error)

	// Add inserts a new instance. A correlation id collision returns
	// ErrDuplicate.
	Add(ctx context.Context, inst *Instance) error

	// Update persists the instance if the stored version matches
	// inst.Version, then increments inst.Version. A mismatch returns
	// ErrConcurrencyConflict and leaves the stored instance untouched.
	Update(ctx context.Context, inst *Instance) error

	// FindByState lists incomplete instances of a saga type in a state.
	FindByState(ctx context.Context, sagaType, state string) ([]*Instance, error)

	// FindStale lists incomplete instances last updated strictly before
	// the cutoff.
	FindStale(ctx context.Context, cutoff time.Time) ([]*Instance, error)

	// Delete removes an instance. Missing ids are not an error.
	Delete(ctx context.Context, correlationID string) error
}

// MemoryRepository is the in-process Repository, suitable for tests and
// single-node deployments.
type MemoryRepository struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{instances: make(map[string]*Instance)}
}

func (r *MemoryRepository) Find(ctx context.Context, correlationID string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[correlationID]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	return inst.clone(), nil
}

func (r *MemoryRepository) Add(ctx context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[inst.CorrelationID]; ok {
		return messaging.ErrDuplicate
	}
	r.instances[inst.CorrelationID] = inst.clone()
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.instances[inst.CorrelationID]
	if !ok {
		return messaging.ErrNotFound
	}
	if stored.Version != inst.Version {
		return messaging.ErrConcurrencyConflict
	}
	inst.Version++
	r.instances[inst.CorrelationID] = inst.clone()
	return nil
}

func (r *MemoryRepository) FindByState(ctx context.Context, sagaType, state string) ([]*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Instance
	for _, inst := range r.instances {
		if inst.IsCompleted || inst.SagaType != sagaType || inst.StateName != state {
			continue
		}
		out = append(out, inst.clone())
	}
	return out, nil
}

func (r *MemoryRepository) FindStale(ctx context.Context, cutoff time.Time) ([]*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Instance
	for _, inst := range r.instances {
		if inst.IsCompleted || !inst.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, inst.clone())
	}
	return out, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, correlationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.instances, correlationID)
	return nil
}

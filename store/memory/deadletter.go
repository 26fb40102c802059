package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"go.relaykit.dev/messaging"
	"go.relaykit.dev/store"
)

// DeadLetterStore is the in-memory dead-letter store.
type DeadLetterStore struct {
	mu      sync.Mutex
	entries map[string]*store.DeadLetterEntry
}

// NewDeadLetterStore creates an empty dead-letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{
		entries: make(map[string]*store.DeadLetterEntry),
	}
}

func (s *DeadLetterStore) Add(ctx context.Context, entry *store.DeadLetterEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil {
		return messaging.NewError(messaging.ErrKindValidation, messaging.CodeInvalidMessage, "cannot park nil entry", nil)
	}
	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.entries[cp.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*store.DeadLetterEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*store.DeadLetterEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]*store.DeadLetterEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		cp := *entry
		out = append(out, &cp)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return messaging.ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *DeadLetterStore) Purge(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.entries))
	s.entries = make(map[string]*store.DeadLetterEntry)
	return n, nil
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

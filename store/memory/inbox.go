package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/store"
)

// InboxStore is the in-memory inbox used for deduplication.
type InboxStore struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*store.InboxEntry
}

// NewInboxStore creates an empty inbox store.
func NewInboxStore(clk clock.Clock) *InboxStore {
	if clk == nil {
		clk = clock.System()
	}
	return &InboxStore{
		clock:   clk,
		entries: make(map[string]*store.InboxEntry),
	}
}

func (s *InboxStore) Insert(ctx context.Context, entry *store.InboxEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil || entry.ID == "" {
		return messaging.NewError(messaging.ErrKindValidation, messaging.CodeInvalidMessage, "inbox entry needs a message id", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return messaging.ErrDuplicate
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

// Reclaim replaces a finished or aged-out entry with a fresh PENDING one.
// Entries that still block redelivery are left untouched.
func (s *InboxStore) Reclaim(ctx context.Context, entry *store.InboxEntry, cutoff time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil || entry.ID == "" {
		return messaging.NewError(messaging.ErrKindValidation, messaging.CodeInvalidMessage, "inbox entry needs a message id", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[entry.ID]; ok && cur.Blocks(cutoff) {
		return messaging.ErrDuplicate
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

// RecordDuplicate stores the re-arrival under its own id so duplicate
// traffic shows up in Stats.
func (s *InboxStore) RecordDuplicate(ctx context.Context, msg *messaging.Envelope, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil || msg.ID == "" {
		return messaging.NewError(messaging.ErrKindValidation, messaging.CodeInvalidMessage, "duplicate record needs a message id", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.entries[id] = &store.InboxEntry{
		ID:         id,
		Message:    msg,
		Status:     store.InboxDuplicate,
		ReceivedAt: at,
	}
	return nil
}

func (s *InboxStore) Get(ctx context.Context, id string) (*store.InboxEntry, error) {
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

func (s *InboxStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return messaging.ErrNotFound
	}
	if entry.Status == store.InboxProcessed {
		return nil
	}
	entry.Status = store.InboxProcessed
	t := at
	entry.ProcessedAt = &t
	return nil
}

func (s *InboxStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return messaging.ErrNotFound
	}
	if entry.Status == store.InboxProcessed {
		return nil
	}
	entry.Status = store.InboxFailed
	entry.Error = errMsg
	return nil
}

func (s *InboxStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, entry := range s.entries {
		if entry.Status == store.InboxProcessed && entry.ReceivedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InboxStore) Stats(ctx context.Context) (store.InboxStats, error) {
	if err := ctx.Err(); err != nil {
		return store.InboxStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats store.InboxStats
	for _, entry := range s.entries {
		switch entry.Status {
		case store.InboxPending:
			stats.Pending++
		case store.InboxProcessing:
			stats.Processing++
		case store.InboxProcessed:
			stats.Processed++
		case store.InboxFailed:
			stats.Failed++
		case store.InboxDuplicate:
			stats.Duplicates++
		}
	}
	return stats, nil
}

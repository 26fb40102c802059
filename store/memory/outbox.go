package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/store"
)

// OutboxStore is the in-memory outbox. Fetch-and-lock is atomic under a
// single mutex so concurrent dispatchers never claim the same entry.
type OutboxStore struct {
	clock clock.Clock

	mu          sync.Mutex
	entries     map[string]*store.OutboxEntry
	processedAt map[string]time.Time // claim time of PROCESSING entries, for recovery
}

// NewOutboxStore creates an empty outbox store.
func NewOutboxStore(clk clock.Clock) *OutboxStore {
	if clk == nil {
		clk = clock.System()
	}
	return &OutboxStore{
		clock:       clk,
		entries:     make(map[string]*store.OutboxEntry),
		processedAt: make(map[string]time.Time),
	}
}

func (s *OutboxStore) Add(ctx context.Context, msg *messaging.Envelope, opts store.OutboxOptions) (*store.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, messaging.NewError(messaging.ErrKindValidation, messaging.CodeInvalidMessage, "cannot stage nil message", nil)
	}

	entry := &store.OutboxEntry{
		ID:        uuid.NewString(),
		Message:   msg,
		Options:   opts,
		Status:    store.OutboxPending,
		CreatedAt: s.clock.Now(),
	}

	s.mu.Lock()
	s.entries[entry.ID] = entry
	s.mu.Unlock()
	return copyOutboxEntry(entry), nil
}

func (s *OutboxStore) Get(ctx context.Context, id string) (*store.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	return copyOutboxEntry(entry), nil
}

func (s *OutboxStore) FetchAndLockDue(ctx context.Context, now time.Time, limit int) ([]*store.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*store.OutboxEntry, 0)
	for _, entry := range s.entries {
		if entry.Due(now) {
			due = append(due, entry)
		}
	}

	// Lower priority number wins; FIFO within a priority.
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Options.Priority != due[j].Options.Priority {
			return due[i].Options.Priority < due[j].Options.Priority
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*store.OutboxEntry, 0, len(due))
	for _, entry := range due {
		entry.Status = store.OutboxProcessing
		s.processedAt[entry.ID] = now
		out = append(out, copyOutboxEntry(entry))
	}
	return out, nil
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return messaging.ErrNotFound
	}
	if entry.Status == store.OutboxProcessed {
		return nil
	}
	entry.Status = store.OutboxProcessed
	t := at
	entry.ProcessedAt = &t
	entry.NextRetryAt = nil
	delete(s.processedAt, id)
	return nil
}

func (s *OutboxStore) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return messaging.ErrNotFound
	}
	if entry.Status == store.OutboxProcessed {
		return nil
	}
	entry.RetryCount++
	entry.Status = store.OutboxPending
	t := nextRetryAt
	entry.NextRetryAt = &t
	entry.LastError = lastError
	delete(s.processedAt, id)
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return messaging.ErrNotFound
	}
	if entry.Status == store.OutboxProcessed {
		return nil
	}
	entry.Status = store.OutboxFailed
	entry.LastError = lastError
	delete(s.processedAt, id)
	return nil
}

func (s *OutboxStore) RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered int64
	for id, entry := range s.entries {
		if entry.Status != store.OutboxProcessing {
			continue
		}
		claimed, ok := s.processedAt[id]
		if ok && claimed.Before(olderThan) {
			entry.Status = store.OutboxPending
			delete(s.processedAt, id)
			recovered++
		}
	}
	return recovered, nil
}

func (s *OutboxStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, entry := range s.entries {
		if entry.Status == store.OutboxProcessed &&
			entry.ProcessedAt != nil && entry.ProcessedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (s *OutboxStore) Stats(ctx context.Context) (store.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return store.OutboxStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats store.OutboxStats
	for _, entry := range s.entries {
		switch entry.Status {
		case store.OutboxPending:
			stats.Pending++
		case store.OutboxProcessing:
			stats.Processing++
		case store.OutboxProcessed:
			stats.Processed++
		case store.OutboxFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func copyOutboxEntry(e *store.OutboxEntry) *store.OutboxEntry {
	cp := *e
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		cp.NextRetryAt = &t
	}
	return &cp
}

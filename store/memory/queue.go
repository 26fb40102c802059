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

// QueueConfig configures the in-memory visibility queue.
type QueueConfig struct {
	// VisibilityTimeout is how long a dequeued entry stays hidden.
	VisibilityTimeout time.Duration

	// MaxDequeueCount is the limit beyond which an entry is no longer
	// dequeueable.
	MaxDequeueCount int
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		VisibilityTimeout: 30 * time.Second,
		MaxDequeueCount:   5,
	}
}

// QueueStore is the in-memory visibility-based priority queue.
type QueueStore struct {
	cfg   *QueueConfig
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*store.QueueEntry
}

// NewQueueStore creates an empty queue. A nil config uses defaults.
func NewQueueStore(cfg *QueueConfig, clk clock.Clock) *QueueStore {
	if cfg == nil {
		cfg = DefaultQueueConfig()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &QueueStore{
		cfg:     cfg,
		clock:   clk,
		entries: make(map[string]*store.QueueEntry),
	}
}

func (s *QueueStore) Enqueue(ctx context.Context, msg *messaging.Envelope, opts store.QueueOptions) (*store.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, messaging.NewError(messaging.ErrKindValidation, messaging.CodeInvalidMessage, "cannot enqueue nil message", nil)
	}

	now := s.clock.Now()
	entry := &store.QueueEntry{
		ID:         uuid.NewString(),
		Message:    msg,
		Options:    opts,
		EnqueuedAt: now,
		VisibleAt:  now.Add(opts.Delay),
	}

	s.mu.Lock()
	s.entries[entry.ID] = entry
	s.mu.Unlock()

	cp := *entry
	return &cp, nil
}

func (s *QueueStore) Dequeue(ctx context.Context, now time.Time) (*store.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*store.QueueEntry, 0)
	for _, entry := range s.entries {
		if !entry.VisibleAt.After(now) && entry.DequeueCount < s.cfg.MaxDequeueCount {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return nil, messaging.ErrNotFound
	}

	// Higher priority number dequeues first; FIFO within a priority.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Options.Priority != candidates[j].Options.Priority {
			return candidates[i].Options.Priority > candidates[j].Options.Priority
		}
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})

	entry := candidates[0]
	entry.DequeueCount++
	entry.VisibleAt = now.Add(s.cfg.VisibilityTimeout)

	cp := *entry
	return &cp, nil
}

func (s *QueueStore) Ack(ctx context.Context, id string) error {
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

func (s *QueueStore) Reject(ctx context.Context, id string, requeue bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return messaging.ErrNotFound
	}
	if !requeue {
		delete(s.entries, id)
		return nil
	}
	entry.VisibleAt = s.clock.Now()
	entry.DequeueCount = 0
	return nil
}

func (s *QueueStore) Len(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

// Package memory provides the in-memory reference implementations of the
// RelayKit store contracts. They are safe for concurrent use and intended
// for tests, development and single-process embedding.
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

type storedMessage struct {
	msg        *messaging.Envelope
	collection string
	storedAt   time.Time
	expiresAt  time.Time // zero means no TTL
}

// MessageStore is the in-memory message store. Transactions are serialized
// and snapshot-based: rollback restores the state captured at BeginTx.
type MessageStore struct {
	clock clock.Clock

	mu       sync.RWMutex
	messages map[string]*storedMessage

	txMu sync.Mutex
}

// NewMessageStore creates an empty message store.
func NewMessageStore(clk clock.Clock) *MessageStore {
	if clk == nil {
		clk = clock.System()
	}
	return &MessageStore{
		clock:    clk,
		messages: make(map[string]*storedMessage),
	}
}

func (s *MessageStore) Store(ctx context.Context, msg *messaging.Envelope, opts *store.StoreOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if msg == nil {
		return "", messaging.NewError(messaging.ErrKindValidation, messaging.CodeInvalidMessage, "cannot store nil message", nil)
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.clock.Now()
	sm := &storedMessage{msg: msg, storedAt: now}
	if opts != nil {
		sm.collection = opts.Collection
		if opts.TTL > 0 {
			sm.expiresAt = now.Add(opts.TTL)
		}
	}

	s.mu.Lock()
	s.messages[id] = sm
	s.mu.Unlock()
	return id, nil
}

func (s *MessageStore) Retrieve(ctx context.Context, id string) (*messaging.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.messages[id]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	if !sm.expiresAt.IsZero() && !sm.expiresAt.After(now) {
		delete(s.messages, id)
		return nil, messaging.ErrNotFound
	}
	return sm.msg, nil
}

func (s *MessageStore) Query(ctx context.Context, filter store.Filter) ([]*messaging.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock.Now()

	s.mu.RLock()
	matched := make([]*storedMessage, 0)
	for _, sm := range s.messages {
		if matchFilter(sm, filter, now) {
			matched = append(matched, sm)
		}
	}
	s.mu.RUnlock()

	sortMessages(matched, filter)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]*messaging.Envelope, len(matched))
	for i, sm := range matched {
		out[i] = sm.msg
	}
	return out, nil
}

func matchFilter(sm *storedMessage, f store.Filter, now time.Time) bool {
	if !sm.expiresAt.IsZero() && !sm.expiresAt.After(now) {
		return false
	}
	if f.Collection != "" && sm.collection != f.Collection {
		return false
	}
	if f.FromTS != nil && sm.msg.Timestamp.Before(*f.FromTS) {
		return false
	}
	if f.ToTS != nil && sm.msg.Timestamp.After(*f.ToTS) {
		return false
	}
	for k, want := range f.MetadataEquals {
		got, ok := sm.msg.Meta(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func sortMessages(list []*storedMessage, f store.Filter) {
	keyOf := func(sm *storedMessage) time.Time {
		if f.OrderBy == store.OrderByStoredAt {
			return sm.storedAt
		}
		return sm.msg.Timestamp
	}
	sort.SliceStable(list, func(i, j int) bool {
		if f.Descending {
			return keyOf(list[i]).After(keyOf(list[j]))
		}
		return keyOf(list[i]).Before(keyOf(list[j]))
	})
}

func (s *MessageStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return messaging.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *MessageStore) Update(ctx context.Context, id string, msg *messaging.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.messages[id]
	if !ok {
		return messaging.ErrNotFound
	}
	sm.msg = msg
	return nil
}

func (s *MessageStore) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Retrieve(ctx, id)
	if err == nil {
		return true, nil
	}
	if err == messaging.ErrNotFound {
		return false, nil
	}
	return false, err
}

func (s *MessageStore) Count(ctx context.Context, filter *store.Filter) (int64, error) {
	if filter == nil {
		filter = &store.Filter{}
	}
	msgs, err := s.Query(ctx, store.Filter{
		Collection:     filter.Collection,
		FromTS:         filter.FromTS,
		ToTS:           filter.ToTS,
		MetadataEquals: filter.MetadataEquals,
	})
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}

func (s *MessageStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*storedMessage)
	return nil
}

// BeginTx starts a snapshot transaction. Transactions are serialized; the
// snapshot is restored on rollback and discarded on commit.
func (s *MessageStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()

	s.mu.RLock()
	snapshot := make(map[string]*storedMessage, len(s.messages))
	for id, sm := range s.messages {
		cp := *sm
		snapshot[id] = &cp
	}
	s.mu.RUnlock()

	return &memoryTx{store: s, snapshot: snapshot}, nil
}

type memoryTx struct {
	store    *MessageStore
	snapshot map[string]*storedMessage
	done     bool
	mu       sync.Mutex
}

func (t *memoryTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return ctx.Err()
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true

	t.store.mu.Lock()
	t.store.messages = t.snapshot
	t.store.mu.Unlock()

	t.store.txMu.Unlock()
	return ctx.Err()
}

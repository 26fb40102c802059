// Package redisstore backs the inbox with Redis. Insert maps to SET NX, so
// the duplicate check and the record are one atomic round trip; key TTL
// doubles as retention.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.relaykit.dev/messaging"
	"go.relaykit.dev/store"
)

// InboxConfig controls keys and retention.
type InboxConfig struct {
	// KeyPrefix namespaces inbox keys.
	KeyPrefix string
	// TTL is how long entries live. Zero keeps them forever.
	TTL time.Duration
}

// DefaultInboxConfig keeps entries for a day.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		KeyPrefix: "relaykit:inbox:",
		TTL:       24 * time.Hour,
	}
}

// Inbox implements store.InboxStore over a redis client.
type Inbox struct {
	client *redis.Client
	config InboxConfig
}

// NewInbox creates the store over client.
func NewInbox(client *redis.Client, config InboxConfig) *Inbox {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultInboxConfig().KeyPrefix
	}
	return &Inbox{client: client, config: config}
}

func (i *Inbox) key(id string) string {
	return i.config.KeyPrefix + id
}

func (i *Inbox) Insert(ctx context.Context, entry *store.InboxEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ok, err := i.client.SetNX(ctx, i.key(entry.ID), payload, i.config.TTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return messaging.ErrDuplicate
	}
	return nil
}

// Reclaim replaces a finished or aged-out entry under an optimistic WATCH
// lock, so a concurrent delivery that re-inserts the key first wins.
func (i *Inbox) Reclaim(ctx context.Context, entry *store.InboxEntry, cutoff time.Time) error {
	key := i.key(entry.ID)
	err := i.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cur store.InboxEntry
			if jsonErr := json.Unmarshal(raw, &cur); jsonErr == nil && cur.Blocks(cutoff) {
				return messaging.ErrDuplicate
			}
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, i.config.TTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return messaging.ErrDuplicate
	}
	return err
}

// RecordDuplicate stores the re-arrival under its own key; key TTL bounds
// how long duplicate records are kept, same as every other entry.
func (i *Inbox) RecordDuplicate(ctx context.Context, msg *messaging.Envelope, at time.Time) error {
	entry := &store.InboxEntry{
		ID:         uuid.NewString(),
		Message:    msg,
		Status:     store.InboxDuplicate,
		ReceivedAt: at,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return i.client.Set(ctx, i.key(entry.ID), payload, i.config.TTL).Err()
}

func (i *Inbox) Get(ctx context.Context, id string) (*store.InboxEntry, error) {
	raw, err := i.client.Get(ctx, i.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, messaging.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry store.InboxEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (i *Inbox) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	entry, err := i.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status == store.InboxProcessed {
		return nil
	}
	entry.Status = store.InboxProcessed
	entry.ProcessedAt = &at
	return i.put(ctx, entry)
}

func (i *Inbox) MarkFailed(ctx context.Context, id string, errMsg string) error {
	entry, err := i.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status == store.InboxProcessed {
		return nil
	}
	entry.Status = store.InboxFailed
	entry.Error = errMsg
	return i.put(ctx, entry)
}

// put rewrites an entry, preserving its remaining TTL.
func (i *Inbox) put(ctx context.Context, entry *store.InboxEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return i.client.Set(ctx, i.key(entry.ID), payload, redis.KeepTTL).Err()
}

// DeleteProcessedBefore scans the keyspace and removes PROCESSED entries
// received before cutoff. Key TTL already bounds total retention; this is
// for callers that want a tighter processed-only window.
func (i *Inbox) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	iter := i.client.Scan(ctx, 0, i.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := i.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		var entry store.InboxEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.Status == store.InboxProcessed && entry.ReceivedAt.Before(cutoff) {
			if err := i.client.Del(ctx, key).Err(); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, iter.Err()
}

func (i *Inbox) Stats(ctx context.Context) (store.InboxStats, error) {
	var stats store.InboxStats
	iter := i.client.Scan(ctx, 0, i.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := i.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return stats, err
		}
		var entry store.InboxEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
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
	return stats, iter.Err()
}

// Package mongostore backs the outbox and the saga repository with MongoDB.
// Claims rely on findOneAndUpdate, which is atomic per document, so multiple
// dispatchers can share one collection.
package mongostore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/store"
)

// OutboxConfig names the backing collection.
type OutboxConfig struct {
	Collection string
}

// DefaultOutboxConfig returns the default collection name.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{Collection: "relaykit_outbox"}
}

// Outbox implements store.OutboxStore over a mongo collection.
type Outbox struct {
	coll  *mongo.Collection
	clock clock.Clock
}

// NewOutbox creates the store over db. A nil clock uses the system clock.
func NewOutbox(db *mongo.Database, clk clock.Clock, config OutboxConfig) *Outbox {
	if clk == nil {
		clk = clock.System()
	}
	if config.Collection == "" {
		config = DefaultOutboxConfig()
	}
	return &Outbox{coll: db.Collection(config.Collection), clock: clk}
}

// EnsureIndexes creates the claim-order index.
func (o *Outbox) EnsureIndexes(ctx context.Context) error {
	_, err := o.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "options.priority", Value: 1},
			{Key: "createdAt", Value: 1},
		},
	})
	return err
}

func (o *Outbox) Add(ctx context.Context, msg *messaging.Envelope, opts store.OutboxOptions) (*store.OutboxEntry, error) {
	entry := &store.OutboxEntry{
		ID:        uuid.NewString(),
		Message:   msg,
		Options:   opts,
		Status:    store.OutboxPending,
		CreatedAt: o.clock.Now().UTC(),
	}
	if _, err := o.coll.InsertOne(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (o *Outbox) Get(ctx context.Context, id string) (*store.OutboxEntry, error) {
	var entry store.OutboxEntry
	err := o.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, messaging.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FetchAndLockDue claims up to limit due entries one findOneAndUpdate at a
// time, so concurrent dispatchers never claim the same entry.
func (o *Outbox) FetchAndLockDue(ctx context.Context, now time.Time, limit int) ([]*store.OutboxEntry, error) {
	filter := bson.M{
		"status": store.OutboxPending,
		"$or": []bson.M{
			{"nextRetryAt": nil},
			{"nextRetryAt": bson.M{"$lte": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":      store.OutboxProcessing,
			"processedAt": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "options.priority", Value: 1}, {Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	entries := make([]*store.OutboxEntry, 0, limit)
	for i := 0; i < limit; i++ {
		var entry store.OutboxEntry
		err := o.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&entry)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return entries, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (o *Outbox) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	// Already-PROCESSED entries are left untouched, so the call is idempotent.
	_, err := o.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$ne": store.OutboxProcessed}},
		bson.M{"$set": bson.M{"status": store.OutboxProcessed, "processedAt": at}},
	)
	return err
}

func (o *Outbox) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	res, err := o.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$ne": store.OutboxProcessed}},
		bson.M{
			"$set": bson.M{
				"status":      store.OutboxPending,
				"nextRetryAt": nextRetryAt,
				"lastError":   lastError,
				"processedAt": nil,
			},
			"$inc": bson.M{"retryCount": 1},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return messaging.ErrNotFound
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, lastError string) error {
	res, err := o.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$ne": store.OutboxProcessed}},
		bson.M{"$set": bson.M{"status": store.OutboxFailed, "lastError": lastError}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return messaging.ErrNotFound
	}
	return nil
}

func (o *Outbox) RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := o.coll.UpdateMany(ctx,
		bson.M{
			"status":      store.OutboxProcessing,
			"processedAt": bson.M{"$lt": olderThan},
		},
		bson.M{"$set": bson.M{"status": store.OutboxPending, "processedAt": nil}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (o *Outbox) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := o.coll.DeleteMany(ctx, bson.M{
		"status":      store.OutboxProcessed,
		"processedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (o *Outbox) Stats(ctx context.Context) (store.OutboxStats, error) {
	var stats store.OutboxStats
	for status, dst := range map[store.OutboxStatus]*int64{
		store.OutboxPending:    &stats.Pending,
		store.OutboxProcessing: &stats.Processing,
		store.OutboxProcessed:  &stats.Processed,
		store.OutboxFailed:     &stats.Failed,
	} {
		n, err := o.coll.CountDocuments(ctx, bson.M{"status": status})
		if err != nil {
			return stats, err
		}
		*dst = n
	}
	return stats, nil
}

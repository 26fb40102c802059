package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.relaykit.dev/messaging"
	"go.relaykit.dev/saga"
)

// SagaConfig names the backing collection.
type SagaConfig struct {
	Collection string
}

// DefaultSagaConfig returns the default collection name.
func DefaultSagaConfig() SagaConfig {
	return SagaConfig{Collection: "relaykit_sagas"}
}

// SagaRepository implements saga.Repository over a mongo collection. The
// version compare-and-swap rides on a filtered UpdateOne: the update matches
// only when the stored version equals the observed one.
type SagaRepository struct {
	coll *mongo.Collection
}

// NewSagaRepository creates the repository over db.
func NewSagaRepository(db *mongo.Database, config SagaConfig) *SagaRepository {
	if config.Collection == "" {
		config = DefaultSagaConfig()
	}
	return &SagaRepository{coll: db.Collection(config.Collection)}
}

// EnsureIndexes creates the staleness-scan index.
func (r *SagaRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "isCompleted", Value: 1},
			{Key: "updatedAt", Value: 1},
		},
	})
	return err
}

func (r *SagaRepository) Find(ctx context.Context, correlationID string) (*saga.Instance, error) {
	var inst saga.Instance
	err := r.coll.FindOne(ctx, bson.M{"_id": correlationID}).Decode(&inst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, messaging.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *SagaRepository) Add(ctx context.Context, inst *saga.Instance) error {
	_, err := r.coll.InsertOne(ctx, inst)
	if mongo.IsDuplicateKeyError(err) {
		return messaging.ErrDuplicate
	}
	return err
}

func (r *SagaRepository) Update(ctx context.Context, inst *saga.Instance) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": inst.CorrelationID, "version": inst.Version},
		bson.M{
			"$set": bson.M{
				"stateName":   inst.StateName,
				"updatedAt":   inst.UpdatedAt,
				"isCompleted": inst.IsCompleted,
				"data":        inst.Data,
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := r.coll.CountDocuments(ctx, bson.M{"_id": inst.CorrelationID})
		if err != nil {
			return err
		}
		if n == 0 {
			return messaging.ErrNotFound
		}
		return messaging.ErrConcurrencyConflict
	}
	inst.Version++
	return nil
}

func (r *SagaRepository) FindByState(ctx context.Context, sagaType, state string) ([]*saga.Instance, error) {
	return r.findAll(ctx, bson.M{
		"isCompleted": false,
		"sagaType":    sagaType,
		"stateName":   state,
	})
}

func (r *SagaRepository) FindStale(ctx context.Context, cutoff time.Time) ([]*saga.Instance, error) {
	return r.findAll(ctx, bson.M{
		"isCompleted": false,
		"updatedAt":   bson.M{"$lt": cutoff},
	})
}

func (r *SagaRepository) Delete(ctx context.Context, correlationID string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": correlationID})
	return err
}

func (r *SagaRepository) findAll(ctx context.Context, filter bson.M) ([]*saga.Instance, error) {
	cursor, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*saga.Instance
	for cursor.Next(ctx) {
		var inst saga.Instance
		if err := cursor.Decode(&inst); err != nil {
			return nil, err
		}
		out = append(out, &inst)
	}
	return out, cursor.Err()
}

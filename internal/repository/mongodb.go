package repository

import (
	"context"
	"fmt"

	"github.com/m2tx/weather_agent/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTurnArchive implements TurnArchive using MongoDB.
type MongoTurnArchive struct {
	collection *mongo.Collection
}

// NewMongoTurnArchive creates a new MongoTurnArchive.
// collectionName defaults to "turns" if empty.
func NewMongoTurnArchive(db *mongo.Database, collectionName string) *MongoTurnArchive {
	if collectionName == "" {
		collectionName = "turns"
	}
	return &MongoTurnArchive{
		collection: db.Collection(collectionName),
	}
}

// EnsureIndexes creates the session lookup index.
func (r *MongoTurnArchive) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("repository: create session index: %w", err)
	}

	return nil
}

func (r *MongoTurnArchive) Save(ctx context.Context, record model.TurnRecord) error {
	filter := bson.M{"_id": record.ID}
	opts := options.Replace().SetUpsert(true)

	_, err := r.collection.ReplaceOne(ctx, filter, record, opts)
	if err != nil {
		return fmt.Errorf("repository: upsert turn %q of session %q: %w", record.ID, record.SessionID, err)
	}

	return nil
}

func (r *MongoTurnArchive) ListSession(ctx context.Context, sessionID string) ([]model.TurnRecord, error) {
	filter := bson.M{"session_id": sessionID}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("repository: find turns of session %q: %w", sessionID, err)
	}

	records := []model.TurnRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("repository: decode turns of session %q: %w", sessionID, err)
	}

	return records, nil
}

func (r *MongoTurnArchive) DeleteSession(ctx context.Context, sessionID string) error {
	filter := bson.M{"session_id": sessionID}

	_, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		return fmt.Errorf("repository: delete session %q: %w", sessionID, err)
	}

	return nil
}

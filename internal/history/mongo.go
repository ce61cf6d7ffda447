package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaykit/chatrelay/pkg/protocol"
)

// MongoStore persists messages in a MongoDB collection. The `_id` field is
// the client-chosen message id, so replaying the same insert hits a
// duplicate key and is treated as success.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to MongoDB, pings it, and ensures the room/time
// index used by Query. It does not return until the store is ready, which
// lets the caller gate accepting connections on a usable store.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create history index: %w", err)
	}

	return &MongoStore{client: client, coll: coll}, nil
}

// Insert implements Store.
func (s *MongoStore) Insert(ctx context.Context, msg protocol.SavedMessage) error {
	_, err := s.coll.InsertOne(ctx, msg)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to insert message %s: %w", msg.SavedID, err)
	}
	return nil
}

// Query implements Store.
func (s *MongoStore) Query(ctx context.Context, room string, end time.Time, limit int) ([]protocol.SavedMessage, error) {
	filter := bson.M{
		"room":      room,
		"timestamp": bson.M{"$lte": end},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for room %s: %w", room, err)
	}
	defer cursor.Close(ctx)

	var msgs []protocol.SavedMessage
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode history for room %s: %w", room, err)
	}
	return msgs, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

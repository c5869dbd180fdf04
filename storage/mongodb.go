package storage

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/eddielth/flowguard-bridge/config"
	"github.com/eddielth/flowguard-bridge/logger"
)

// MongoStorage inserts documents into one MongoDB collection.
type MongoStorage struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStorage connects, pings the primary and prepares the collection indexes.
func NewMongoStorage(ctx context.Context, cfg config.MongoConfig, collection string) (*MongoStorage, error) {
	uri := cfg.URI()

	database := cfg.Database
	if database == "" {
		cs, err := connstring.ParseAndValidate(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid MongoDB uri: %w", err)
		}
		database = cs.Database
	}
	if database == "" {
		return nil, fmt.Errorf("no MongoDB database name configured")
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	opts := options.Client().
		ApplyURI(uri).
		SetAppName("flowguard-bridge")
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout).SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	ms := NewMongoStorageFromClient(client, database, collection)
	if err := ms.ensureIndexes(ctx); err != nil {
		logger.Warn("could not create indexes on %s.%s: %v", database, collection, err)
	}

	logger.Info("connected to MongoDB, collection %s.%s", database, collection)
	return ms, nil
}

// NewMongoStorageFromClient wraps an already connected client.
func NewMongoStorageFromClient(client *mongo.Client, database, collection string) *MongoStorage {
	return &MongoStorage{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}
}

func (ms *MongoStorage) ensureIndexes(ctx context.Context) error {
	name := ms.collection.Name()
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "device_id", Value: 1}, {Key: TimestampKey, Value: -1}},
			Options: options.Index().SetName("idx_" + name + "_device_timestamp"),
		},
		{
			Keys:    bson.D{{Key: TimestampKey, Value: -1}},
			Options: options.Index().SetName("idx_" + name + "_timestamp"),
		},
	}

	if _, err := ms.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return err
		}
	}
	return nil
}

func (ms *MongoStorage) Name() string {
	return "mongodb"
}

func (ms *MongoStorage) Ping(ctx context.Context) error {
	return ms.client.Ping(ctx, readpref.Primary())
}

// Store inserts doc as a single document.
func (ms *MongoStorage) Store(ctx context.Context, doc Document) error {
	if _, err := ms.collection.InsertOne(ctx, map[string]interface{}(doc)); err != nil {
		return fmt.Errorf("insert into %s: %w", ms.collection.Name(), err)
	}

	logger.Debug("stored document for device %s in MongoDB", doc.DeviceID())
	return nil
}

func (ms *MongoStorage) Close() error {
	if err := ms.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("failed to disconnect MongoDB: %w", err)
	}
	logger.Info("MongoDB connection closed")
	return nil
}

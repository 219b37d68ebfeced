package credential

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sma_chat/internal/model"
)

const usersCollection = "users"

type (
	MongoStore struct {
		collection *mongo.Collection
	}
)

// NewMongoStore also makes sure the unique index on username exists.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	coll := db.Collection(usersCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create username index: %w", err)
	}
	return &MongoStore{collection: coll}, nil
}

func (r *MongoStore) Insert(ctx context.Context, rec model.Credential) error {
	_, err := r.collection.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAccountExists
	}
	return err
}

func (r *MongoStore) Lookup(ctx context.Context, username string) (model.Credential, error) {
	filter := bson.M{
		"username": username,
	}

	var rec model.Credential
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Credential{}, ErrNotFound
	}
	if err != nil {
		return model.Credential{}, err
	}
	return rec, nil
}

func (r *MongoStore) Delete(ctx context.Context, username string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"username": username})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

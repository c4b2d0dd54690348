package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raushankrgupta/fitly-tryon/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const sessionsCollection = "sessions"

// ConnectMongo opens and pings a MongoDB client.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

// MongoPersister stores one session document per owner in {db}.sessions.
type MongoPersister struct {
	coll    *mongo.Collection
	ownerID string
}

func NewMongoPersister(client *mongo.Client, database, ownerID string) *MongoPersister {
	return &MongoPersister{
		coll:    client.Database(database).Collection(sessionsCollection),
		ownerID: ownerID,
	}
}

func (p *MongoPersister) Load(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := p.coll.FindOne(ctx, bson.M{"_id": p.ownerID}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session %s: %w", p.ownerID, err)
	}
	return &snap, nil
}

func (p *MongoPersister) Save(ctx context.Context, snap *models.Snapshot) error {
	snap.OwnerID = p.ownerID
	_, err := p.coll.ReplaceOne(ctx, bson.M{"_id": p.ownerID}, snap, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace session %s: %w", p.ownerID, err)
	}
	return nil
}

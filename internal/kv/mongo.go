package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collStateCounters = "state_counters"
	collStateEntries  = "state_entries"
)

// Mongo is a Store every instance of the service can share. Counters are advanced by a
// single pipeline update, so the increment and the window reset are one atomic step on
// the server. A TTL index on expires_at lets the server drop stale documents on its own.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo dials uri and prepares the state collections in database.
func ConnectMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	m := &Mongo{client: client, db: client.Database(database)}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	for _, name := range []string{collStateCounters, collStateEntries} {
		_, err := m.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		})
		if err != nil {
			return fmt.Errorf("create ttl index on %s: %w", name, err)
		}
	}
	return nil
}

type mongoCounter struct {
	Count       int64     `bson:"count"`
	WindowStart time.Time `bson:"window_start"`
}

func (m *Mongo) IncrWindow(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	now = now.UTC().Truncate(time.Millisecond)
	windowMs := window.Milliseconds()
	expired := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$type", Value: "$window_start"}}, "missing"}}},
		bson.D{{Key: "$gte", Value: bson.A{now, bson.D{{Key: "$add", Value: bson.A{"$window_start", windowMs}}}}}},
	}}}
	start := bson.D{{Key: "$cond", Value: bson.A{expired, now, "$window_start"}}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "count", Value: bson.D{{Key: "$cond", Value: bson.A{
				expired, int64(1), bson.D{{Key: "$add", Value: bson.A{"$count", int64(1)}}},
			}}}},
			{Key: "window_start", Value: start},
			{Key: "expires_at", Value: bson.D{{Key: "$add", Value: bson.A{start, windowMs}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var out mongoCounter
	var err error
	// Two first increments racing on a new key can both try to insert; the loser retries
	// as an update.
	for attempt := 0; attempt < 3; attempt++ {
		err = m.db.Collection(collStateCounters).FindOneAndUpdate(ctx, bson.M{"_id": key}, update, opts).Decode(&out)
		if !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		return Counter{}, fmt.Errorf("increment counter %q: %w", key, err)
	}
	return Counter{Count: out.Count, WindowStart: out.WindowStart}, nil
}

func (m *Mongo) Get(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var out struct {
		Value []byte `bson:"value"`
	}
	err := m.db.Collection(collStateEntries).FindOne(ctx, bson.M{
		"_id":        key,
		"expires_at": bson.M{"$gt": now.UTC()},
	}).Decode(&out)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return out.Value, true, nil
}

func (m *Mongo) Set(ctx context.Context, key string, value []byte, ttl time.Duration, now time.Time) error {
	_, err := m.db.Collection(collStateEntries).ReplaceOne(ctx,
		bson.M{"_id": key},
		bson.M{"_id": key, "value": value, "expires_at": now.Add(ttl).UTC()},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Sweep removes what the TTL monitor has not reached yet; it runs about once a minute.
func (m *Mongo) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for _, name := range []string{collStateEntries, collStateCounters} {
		res, err := m.db.Collection(name).DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now.UTC()}})
		if err != nil {
			return removed, fmt.Errorf("sweep %s: %w", name, err)
		}
		removed += int(res.DeletedCount)
	}
	return removed, nil
}

func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}

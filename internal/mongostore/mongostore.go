// Package mongostore keeps conversations, feedback and credential records in MongoDB.
// Store satisfies both history.Store and vault.RecordStore.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/vault"
)

const (
	collMessages    = "messages"
	collCredentials = "credentials"
	collCounters    = "counters"
)

type messageDoc struct {
	ID             string    `bson:"_id"`
	Seq            int64     `bson:"seq"`
	Owner          string    `bson:"owner"`
	ConversationID string    `bson:"conversation_id"`
	Role           string    `bson:"role"`
	Content        string    `bson:"content"`
	CreatedAt      time.Time `bson:"created_at"`
	Rating         string    `bson:"rating,omitempty"`
}

type credentialDoc struct {
	Owner     string    `bson:"owner"`
	Provider  string    `bson:"provider"`
	Secret    string    `bson:"secret"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

var (
	_ history.Store     = (*Store)(nil)
	_ vault.RecordStore = (*Store)(nil)
)

// Connect dials uri, pings, and ensures the indexes the queries rely on.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{client: client, db: client.Database(database), now: time.Now}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	logger.L.Info("mongo store ready", "database", database)
	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner", Value: 1}, {Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	_, err = s.db.Collection(collCredentials).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner", Value: 1}, {Key: "provider", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create credential index: %w", err)
	}
	return nil
}

// nextSeq hands out the insertion sequence that breaks created_at ties.
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": collMessages},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return 0, fmt.Errorf("next message seq: %w", err)
	}
	return out.Seq, nil
}

func (s *Store) Append(ctx context.Context, m history.Message) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return "", err
	}
	_, err = s.db.Collection(collMessages).InsertOne(ctx, messageDoc{
		ID:             m.ID,
		Seq:            seq,
		Owner:          m.Owner,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UTC(),
	})
	if err != nil {
		logger.L.Error("failed to append message", "owner", m.Owner, "conversation", m.ConversationID, "error", err)
		return "", fmt.Errorf("insert message: %w", err)
	}
	return m.ID, nil
}

func (s *Store) ReadOrdered(ctx context.Context, owner, conversationID string, limit int) ([]history.Message, error) {
	opts := options.Find()
	if limit > 0 {
		opts.SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}).SetLimit(int64(limit))
	} else {
		opts.SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}})
	}
	cur, err := s.db.Collection(collMessages).Find(ctx, bson.M{"owner": owner, "conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	out := make([]history.Message, 0, len(docs))
	for _, d := range docs {
		role, ok := history.ParseRole(d.Role)
		if !ok {
			logger.L.Warn("skipping message with unknown role", "id", d.ID, "role", d.Role)
			continue
		}
		out = append(out, history.Message{
			ID:             d.ID,
			ConversationID: d.ConversationID,
			Owner:          d.Owner,
			Role:           role,
			Content:        d.Content,
			CreatedAt:      d.CreatedAt,
			Seq:            d.Seq,
			Rating:         history.Rating(d.Rating),
		})
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Store) ListConversations(ctx context.Context, owner string) ([]history.Conversation, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"owner": owner}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$conversation_id"},
			{Key: "label", Value: bson.M{"$first": "$content"}},
			{Key: "first_at", Value: bson.M{"$first": "$created_at"}},
			{Key: "last_at", Value: bson.M{"$max": "$created_at"}},
			{Key: "last_seq", Value: bson.M{"$max": "$seq"}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "last_at", Value: -1}, {Key: "last_seq", Value: -1}}}},
	}
	cur, err := s.db.Collection(collMessages).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate conversations: %w", err)
	}
	var rows []struct {
		ID      string    `bson:"_id"`
		Label   string    `bson:"label"`
		FirstAt time.Time `bson:"first_at"`
		LastAt  time.Time `bson:"last_at"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]history.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, history.Conversation{ID: r.ID, Label: r.Label, FirstAt: r.FirstAt, LastActivity: r.LastAt})
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, owner, conversationID string) (int, error) {
	res, err := s.db.Collection(collMessages).DeleteMany(ctx, bson.M{"owner": owner, "conversation_id": conversationID})
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) DeleteAll(ctx context.Context, owner string) (int, error) {
	res, err := s.db.Collection(collMessages).DeleteMany(ctx, bson.M{"owner": owner})
	if err != nil {
		return 0, fmt.Errorf("delete conversations: %w", err)
	}
	return int(res.DeletedCount), nil
}

// UpsertFeedback stores the rating on the message document itself, so deleting the
// message deletes its feedback too.
func (s *Store) UpsertFeedback(ctx context.Context, owner, messageID string, rating history.Rating) error {
	res, err := s.db.Collection(collMessages).UpdateOne(ctx,
		bson.M{"_id": messageID, "owner": owner},
		bson.M{"$set": bson.M{"rating": string(rating), "rated_at": s.now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	if res.MatchedCount == 0 {
		return history.ErrNotFound
	}
	return nil
}

func (s *Store) SaveRecord(ctx context.Context, rec vault.Record) error {
	_, err := s.db.Collection(collCredentials).ReplaceOne(ctx,
		bson.M{"owner": rec.Owner, "provider": rec.Provider},
		credentialDoc{
			Owner:     rec.Owner,
			Provider:  rec.Provider,
			Secret:    rec.Secret,
			UpdatedAt: rec.UpdatedAt.UTC(),
		},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save credential record: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, owner, provider string) (vault.Record, bool, error) {
	var d credentialDoc
	err := s.db.Collection(collCredentials).FindOne(ctx, bson.M{"owner": owner, "provider": provider}).Decode(&d)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return vault.Record{}, false, nil
	case err != nil:
		return vault.Record{}, false, fmt.Errorf("get credential record: %w", err)
	}
	return vault.Record{
		Owner:     d.Owner,
		Provider:  d.Provider,
		Secret:    d.Secret,
		UpdatedAt: d.UpdatedAt,
	}, true, nil
}

func (s *Store) ListProviders(ctx context.Context, owner string) ([]string, error) {
	cur, err := s.db.Collection(collCredentials).Find(ctx, bson.M{"owner": owner},
		options.Find().SetSort(bson.D{{Key: "provider", Value: 1}}).SetProjection(bson.M{"provider": 1}))
	if err != nil {
		return nil, fmt.Errorf("list credential records: %w", err)
	}
	var docs []credentialDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode credential records: %w", err)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Provider)
	}
	return out, nil
}

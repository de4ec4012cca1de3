// Package history is the append-only conversation log.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/mira-go/internal/logger"
)

// SQLStore keeps messages in sqlite. Ordering is (created_at, seq), seq being the
// autoincrement rowid, so equal timestamps keep insertion order.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// WithClock replaces the time source used for messages without a CreatedAt.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

// Init creates the tables if they don't exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTables); err != nil {
		logger.L.Error("history table creation failed", "error", err)
		return err
	}
	logger.L.Info("history tables initialized")
	return nil
}

func (s *SQLStore) Append(ctx context.Context, m Message) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, insertMessage,
		m.ID, m.Owner, m.ConversationID, string(m.Role), m.Content, m.CreatedAt.UnixNano())
	if err != nil {
		logger.L.Error("failed to append message", "owner", m.Owner, "conversation", m.ConversationID, "error", err)
		return "", fmt.Errorf("append message: %w", err)
	}
	return m.ID, nil
}

func (s *SQLStore) ReadOrdered(ctx context.Context, owner, conversationID string, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, selectRecent, owner, conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectAll, owner, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			role    string
			created int64
			rating  sql.NullString
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &role, &m.Content, &created, &rating); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		r, ok := ParseRole(role)
		if !ok {
			logger.L.Warn("skipping message with unknown role", "id", m.ID, "role", role)
			continue
		}
		m.Role = r
		m.Owner = owner
		m.CreatedAt = time.Unix(0, created)
		m.Rating = Rating(rating.String)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	if limit > 0 {
		// selectRecent reads newest first.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, owner string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, selectConversations, owner)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c             Conversation
			first, latest int64
		)
		if err := rows.Scan(&c.ID, &c.Label, &first, &latest); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.FirstAt = time.Unix(0, first)
		c.LastActivity = time.Unix(0, latest)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteConversation(ctx context.Context, owner, conversationID string) (int, error) {
	return s.deleteWhere(ctx, "conversation_id = ? AND owner = ?", conversationID, owner)
}

func (s *SQLStore) DeleteAll(ctx context.Context, owner string) (int, error) {
	return s.deleteWhere(ctx, "owner = ?", owner)
}

func (s *SQLStore) deleteWhere(ctx context.Context, where string, args ...any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM feedback WHERE message_id IN (SELECT id FROM messages WHERE `+where+`)`, args...); err != nil {
		return 0, fmt.Errorf("delete feedback: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) UpsertFeedback(ctx context.Context, owner, messageID string, rating Rating) error {
	res, err := s.db.ExecContext(ctx, upsertFeedback, string(rating), s.now().UnixNano(), messageID, owner)
	if err != nil {
		return fmt.Errorf("upsert feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert feedback rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsNotFound reports whether err means the addressed message does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package history

import (
	"context"
	"errors"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps stored role names, including legacy ones, onto a Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "user":
		return RoleUser, true
	case "assistant", "mira", "model":
		return RoleAssistant, true
	}
	return "", false
}

type Rating string

const (
	RatingGood Rating = "good"
	RatingBad  Rating = "bad"
)

func (r Rating) Valid() bool { return r == RatingGood || r == RatingBad }

// Message is one turn of a conversation. It is never changed after Append except
// for its feedback Rating.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Owner          string    `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	// Seq is the store-assigned insertion order; it breaks CreatedAt ties.
	Seq    int64  `json:"-"`
	Rating Rating `json:"rating,omitempty"`
}

// Conversation is the derived view over the messages sharing an id and owner.
type Conversation struct {
	ID           string    `json:"conversation_id"`
	Label        string    `json:"label"`
	FirstAt      time.Time `json:"first_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store is the conversation log.
type Store interface {
	// Append writes m whole or not at all and returns its id.
	Append(ctx context.Context, m Message) (string, error)
	// ReadOrdered returns the conversation oldest first. limit > 0 keeps only the
	// most recent limit messages, still oldest first.
	ReadOrdered(ctx context.Context, owner, conversationID string, limit int) ([]Message, error)
	// ListConversations returns one row per conversation, most recent activity first.
	ListConversations(ctx context.Context, owner string) ([]Conversation, error)
	// DeleteConversation removes every message of the conversation; 0 when it did not exist.
	DeleteConversation(ctx context.Context, owner, conversationID string) (int, error)
	// DeleteAll removes every conversation of owner.
	DeleteAll(ctx context.Context, owner string) (int, error)
	// UpsertFeedback sets the rating of owner's message; last write wins.
	UpsertFeedback(ctx context.Context, owner, messageID string, rating Rating) error
}

// ErrNotFound is returned by UpsertFeedback for a message the owner does not have.
var ErrNotFound = errors.New("history: message not found")

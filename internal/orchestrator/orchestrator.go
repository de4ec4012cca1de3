// Package orchestrator composes admission, caching, history, credentials and provider
// dispatch into the chat operations the transports expose.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/assembler"
	"github.com/comigor/mira-go/internal/cache"
	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/llm"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/ratelimit"
	"github.com/comigor/mira-go/internal/vault"
)

type Config struct {
	DefaultProvider string
	MaxMessageChars int
	// StoreTimeout bounds each conversation store call.
	StoreTimeout time.Duration
	// KeyBy selects the admission client key: "user" or "ip".
	KeyBy string
}

// Deps are the components a chat turn flows through.
type Deps struct {
	Gate       *ratelimit.Gate
	Cache      *cache.Cache
	Store      history.Store
	Assembler  *assembler.Assembler
	Vault      *vault.Vault
	Dispatcher *llm.Dispatcher
}

type Orchestrator struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{Deps: deps, cfg: cfg}
}

// TurnRequest is one inbound chat turn.
type TurnRequest struct {
	Owner          string
	ConversationID string
	Text           string
	Provider       string
	// ClientIP is used as the admission key when admission is keyed by ip.
	ClientIP string
}

// Reply is the outcome of a successful chat turn.
type Reply struct {
	ConversationID string `json:"conversation_id"`
	UserMessageID  string `json:"user_message_id"`
	MessageID      string `json:"message_id"`
	Provider       string `json:"provider"`
	Text           string `json:"reply"`
	Cached         bool   `json:"cached"`
	// RateLimit is the caller's admission budget after this turn; nil when admission
	// was decided without the counter store.
	RateLimit *RateLimit `json:"-"`
}

type RateLimit struct {
	Remaining int64
	ResetAt   time.Time
}

// SendChatTurn runs one turn through the state machine in turn.go.
func (o *Orchestrator) SendChatTurn(ctx context.Context, req TurnRequest) (Reply, error) {
	if err := o.validateTurn(&req); err != nil {
		return Reply{}, err
	}
	return o.runTurn(ctx, req)
}

func (o *Orchestrator) validateTurn(req *TurnRequest) error {
	if err := requireOwner(req.Owner); err != nil {
		return err
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return apperr.New(apperr.KindValidation, "message must not be empty")
	}
	if o.cfg.MaxMessageChars > 0 && utf8.RuneCountInString(req.Text) > o.cfg.MaxMessageChars {
		return apperr.Newf(apperr.KindValidation, "message is longer than %d characters", o.cfg.MaxMessageChars)
	}
	if req.Provider == "" {
		req.Provider = o.cfg.DefaultProvider
	}
	if !o.Dispatcher.Registry().Has(req.Provider) {
		return apperr.Newf(apperr.KindValidation, "unknown provider %q", req.Provider)
	}
	return nil
}

func requireOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return apperr.New(apperr.KindValidation, "caller identity is required")
	}
	return nil
}

func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.StoreTimeout)
}

func persistenceErr(err error, msg string) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.KindPersistence, err, msg)
}

func (o *Orchestrator) ListConversations(ctx context.Context, owner string) ([]history.Conversation, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	ctx, cancel := o.storeCtx(ctx)
	defer cancel()
	convs, err := o.Store.ListConversations(ctx, owner)
	if err != nil {
		return nil, persistenceErr(err, "could not list conversations")
	}
	if convs == nil {
		convs = []history.Conversation{}
	}
	return convs, nil
}

// GetHistory returns the whole conversation oldest first; an unknown conversation is empty.
func (o *Orchestrator) GetHistory(ctx context.Context, owner, conversationID string) ([]history.Message, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, apperr.New(apperr.KindValidation, "conversation id is required")
	}
	ctx, cancel := o.storeCtx(ctx)
	defer cancel()
	msgs, err := o.Store.ReadOrdered(ctx, owner, conversationID, 0)
	if err != nil {
		return nil, persistenceErr(err, "could not load the conversation")
	}
	if msgs == nil {
		msgs = []history.Message{}
	}
	return msgs, nil
}

func (o *Orchestrator) DeleteConversation(ctx context.Context, owner, conversationID string) (int, error) {
	if err := requireOwner(owner); err != nil {
		return 0, err
	}
	if conversationID == "" {
		return 0, apperr.New(apperr.KindValidation, "conversation id is required")
	}
	ctx, cancel := o.storeCtx(ctx)
	defer cancel()
	n, err := o.Store.DeleteConversation(ctx, owner, conversationID)
	if err != nil {
		return 0, persistenceErr(err, "could not delete the conversation")
	}
	logger.L.Info("conversation deleted", "owner", owner, "conversation", conversationID, "deleted", n)
	return n, nil
}

func (o *Orchestrator) DeleteAllConversations(ctx context.Context, owner string) (int, error) {
	if err := requireOwner(owner); err != nil {
		return 0, err
	}
	ctx, cancel := o.storeCtx(ctx)
	defer cancel()
	n, err := o.Store.DeleteAll(ctx, owner)
	if err != nil {
		return 0, persistenceErr(err, "could not delete the history")
	}
	logger.L.Info("history deleted", "owner", owner, "deleted", n)
	return n, nil
}

func (o *Orchestrator) SetFeedback(ctx context.Context, owner, messageID, rating string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	r := history.Rating(rating)
	if !r.Valid() {
		return apperr.Newf(apperr.KindValidation, "rating %q must be good or bad", rating)
	}
	if messageID == "" {
		return apperr.New(apperr.KindValidation, "message id is required")
	}
	ctx, cancel := o.storeCtx(ctx)
	defer cancel()
	err := o.Store.UpsertFeedback(ctx, owner, messageID, r)
	switch {
	case errors.Is(err, history.ErrNotFound):
		return apperr.New(apperr.KindNotFound, "message not found")
	case err != nil:
		return persistenceErr(err, "could not save the feedback")
	}
	return nil
}

func (o *Orchestrator) SaveCredential(ctx context.Context, owner, provider, key string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if !o.Dispatcher.Registry().Has(provider) {
		return apperr.Newf(apperr.KindValidation, "unknown provider %q", provider)
	}
	ctx, cancel := o.storeCtx(ctx)
	defer cancel()
	return o.Vault.Save(ctx, owner, provider, key)
}

// CredentialStatus reports which registered providers owner has a stored key for.
func (o *Orchestrator) CredentialStatus(ctx context.Context, owner string) (map[string]bool, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	ctx, cancel := o.storeCtx(ctx)
	defer cancel()
	return o.Vault.Status(ctx, owner, o.Providers())
}

func (o *Orchestrator) Providers() []string {
	return o.Dispatcher.Registry().Names()
}

func (o *Orchestrator) DefaultProvider() string { return o.cfg.DefaultProvider }

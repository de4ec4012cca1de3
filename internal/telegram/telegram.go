// Package telegram relays Telegram chats to the orchestrator. Each chat is an owner
// and keeps one current conversation.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/orchestrator"
)

type Service interface {
	SendChatTurn(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.Reply, error)
	DeleteConversation(ctx context.Context, owner, conversationID string) (int, error)
}

// Sender is the part of *bot.Bot used to answer.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

const greeting = "Hi, I'm Mira. Send me a message to start chatting.\n" +
	"/new starts a fresh conversation, /reset deletes the current one."

type Bot struct {
	svc      Service
	provider string

	mu    sync.Mutex
	convs map[int64]string
}

func New(svc Service, provider string) *Bot {
	return &Bot{svc: svc, provider: provider, convs: make(map[int64]string)}
}

// Run long-polls Telegram until ctx is done.
func (b *Bot) Run(ctx context.Context, token string) error {
	tg, err := bot.New(token, bot.WithDefaultHandler(b.Handle))
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	logger.L.Info("telegram bot started", "provider", b.provider)
	tg.Start(ctx)
	return nil
}

// Handle answers one update. It is the bot's default handler.
func (b *Bot) Handle(ctx context.Context, tg *bot.Bot, update *models.Update) {
	b.handle(ctx, tg, update)
}

func (b *Bot) handle(ctx context.Context, s Sender, update *models.Update) {
	if update == nil || update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := update.Message.Chat.ID
	text := b.Respond(ctx, chatID, update.Message.Text)
	if _, err := s.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		logger.L.Error("telegram send failed", "chat", chatID, "error", err)
	}
}

func owner(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}

func (b *Bot) conversation(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.convs[chatID]
	if !ok {
		id = fmt.Sprintf("tg-%d", chatID)
		b.convs[chatID] = id
	}
	return id
}

func (b *Bot) startNew(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("tg-%d-%s", chatID, uuid.NewString()[:8])
	b.convs[chatID] = id
	return id
}

// Respond computes the text sent back for an incoming message.
func (b *Bot) Respond(ctx context.Context, chatID int64, text string) string {
	switch cmd, _, _ := strings.Cut(strings.TrimSpace(text), " "); cmd {
	case "/start":
		return greeting
	case "/new":
		b.startNew(chatID)
		return "Started a new conversation."
	case "/reset":
		n, err := b.svc.DeleteConversation(ctx, owner(chatID), b.conversation(chatID))
		if err != nil {
			return errorText(err)
		}
		b.startNew(chatID)
		return fmt.Sprintf("Deleted %d messages. Starting fresh.", n)
	}

	reply, err := b.svc.SendChatTurn(ctx, orchestrator.TurnRequest{
		Owner:          owner(chatID),
		ConversationID: b.conversation(chatID),
		Text:           text,
		Provider:       b.provider,
	})
	if err != nil {
		return errorText(err)
	}
	return reply.Text
}

func errorText(err error) string {
	e, ok := apperr.As(err)
	if ok && e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry in %s)", e.Message, e.RetryAfter.Round(time.Second))
	}
	if !ok {
		logger.L.Error("telegram turn failed", "error", err)
	}
	return apperr.Public(err)
}

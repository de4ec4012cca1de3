// Package assembler builds the bounded prompt sent to a provider for one chat turn.
package assembler

import (
	"context"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/llm"
)

type Config struct {
	MaxHistory   int
	SystemPrompt string
}

type Assembler struct {
	store history.Store
	cfg   Config
}

func New(store history.Store, cfg Config) *Assembler {
	return &Assembler{store: store, cfg: cfg}
}

// Build returns [system?, up to MaxHistory prior turns oldest first, turn]. When turn was
// already appended (non-empty ID) it is excluded from the prior turns by id.
func (a *Assembler) Build(ctx context.Context, turn history.Message) ([]llm.Message, error) {
	limit := a.cfg.MaxHistory
	if turn.ID != "" {
		limit++
	}
	stored, err := a.store.ReadOrdered(ctx, turn.Owner, turn.ConversationID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "could not load the conversation history")
	}

	prior := make([]history.Message, 0, len(stored))
	for _, m := range stored {
		if turn.ID != "" && m.ID == turn.ID {
			continue
		}
		prior = append(prior, m)
	}
	if len(prior) > a.cfg.MaxHistory {
		prior = prior[len(prior)-a.cfg.MaxHistory:]
	}

	out := make([]llm.Message, 0, len(prior)+2)
	if a.cfg.SystemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: a.cfg.SystemPrompt})
	}
	for _, m := range prior {
		role := llm.RoleUser
		if m.Role == history.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return append(out, llm.Message{Role: llm.RoleUser, Content: turn.Content}), nil
}

// Package llm holds the provider capability, the concrete provider adapters and the
// dispatcher that routes an assembled prompt to one of them.
package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of an assembled prompt.
type Message struct {
	Role    Role
	Content string
}

// Provider is a configured chat backend. Implementations classify their failures
// with apperr provider kinds and never log apiKey.
type Provider interface {
	Name() string
	Complete(ctx context.Context, apiKey string, msgs []Message) (string, error)
}

// splitSystem separates the leading system prompt from the conversation turns, for
// APIs that take it out of band.
func splitSystem(msgs []Message) (string, []Message) {
	var system string
	turns := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}

// alternate merges consecutive same-role turns and drops leading assistant turns, as
// required by APIs that insist on strict user/assistant alternation.
func alternate(turns []Message) []Message {
	out := make([]Message, 0, len(turns))
	for _, m := range turns {
		if len(out) == 0 && m.Role != RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

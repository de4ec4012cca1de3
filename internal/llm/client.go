package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Client is minimal subset of openai.Client used by the OpenAI adapter; it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ClientFactory builds a Client for one call. Keys vary per owner, so clients are not shared.
type ClientFactory func(apiKey, baseURL string) Client

// NewClient creates a new OpenAI client, pointed at baseURL when set (Ollama and other
// OpenAI-compatible servers).
func NewClient(apiKey, baseURL string) Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(config)
}

package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/mira-go/internal/config"
)

// OpenAI talks to the chat completions API through go-openai.
type OpenAI struct {
	cfg       config.ProviderConfig
	newClient ClientFactory
}

func NewOpenAI(cfg config.ProviderConfig) *OpenAI {
	return &OpenAI{cfg: cfg, newClient: NewClient}
}

// WithClientFactory swaps how per-call clients are built.
func (p *OpenAI) WithClientFactory(f ClientFactory) *OpenAI {
	p.newClient = f
	return p
}

func (p *OpenAI) Name() string { return p.cfg.Name }

func (p *OpenAI) Complete(ctx context.Context, apiKey string, msgs []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(msgs)),
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := p.newClient(apiKey, p.cfg.BaseURL).CreateChatCompletion(ctx, req)
	if err != nil {
		return "", p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", invalidResponse(p.cfg.Name, errors.New("no choices in completion"))
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", invalidResponse(p.cfg.Name, errors.New("empty completion"))
	}
	return content, nil
}

func (p *OpenAI) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(p.cfg.Name, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return classifyStatus(p.cfg.Name, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return classifyTransport(p.cfg.Name, err)
}

package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/comigor/mira-go/internal/config"
)

const anthropicMaxTokens = 1024

// Anthropic talks to the Messages API through the official SDK.
type Anthropic struct {
	cfg config.ProviderConfig
	hc  *http.Client
}

func NewAnthropic(cfg config.ProviderConfig) *Anthropic {
	return &Anthropic{cfg: cfg, hc: &http.Client{}}
}

func (p *Anthropic) Name() string { return p.cfg.Name }

// client is built per call because the key belongs to the caller. Retries are left to
// the Dispatcher.
func (p *Anthropic) client(apiKey string) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(p.hc),
		option.WithMaxRetries(0),
	}
	if p.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(p.cfg.BaseURL, "/")+"/"))
	}
	return anthropic.NewClient(opts...)
}

func (p *Anthropic) Complete(ctx context.Context, apiKey string, msgs []Message) (string, error) {
	system, turns := splitSystem(msgs)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: anthropicMaxTokens,
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = int64(p.cfg.MaxTokens)
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(p.cfg.Temperature))
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range alternate(turns) {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	client := p.client(apiKey)
	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(p.cfg.Name, apiErr.StatusCode, apiErr.Error())
		}
		return "", classifyCallError(p.cfg.Name, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", invalidResponse(p.cfg.Name, errors.New("no text content"))
	}
	return text, nil
}

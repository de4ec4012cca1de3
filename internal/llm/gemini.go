package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/comigor/mira-go/internal/config"
)

// Generation defaults used when the provider config leaves them unset.
const (
	geminiTemperature = 0.7
	geminiTopP        = 0.8
	geminiTopK        = 40
	geminiMaxTokens   = 1024
)

// Gemini talks to the Gemini API through the Google Gen AI SDK.
type Gemini struct {
	cfg config.ProviderConfig
	hc  *http.Client
}

func NewGemini(cfg config.ProviderConfig) *Gemini {
	return &Gemini{cfg: cfg, hc: &http.Client{}}
}

func (p *Gemini) Name() string { return p.cfg.Name }

func (p *Gemini) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.hc,
	}
	if p.cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = strings.TrimRight(p.cfg.BaseURL, "/") + "/"
	}
	return genai.NewClient(ctx, cc)
}

func (p *Gemini) generationConfig(system string) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](geminiTemperature),
		TopP:            genai.Ptr[float32](geminiTopP),
		TopK:            genai.Ptr[float32](geminiTopK),
		MaxOutputTokens: geminiMaxTokens,
	}
	if p.cfg.Temperature > 0 {
		gc.Temperature = genai.Ptr(p.cfg.Temperature)
	}
	if p.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(p.cfg.MaxTokens)
	}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return gc
}

func (p *Gemini) Complete(ctx context.Context, apiKey string, msgs []Message) (string, error) {
	system, turns := splitSystem(msgs)
	var contents []*genai.Content
	for _, m := range alternate(turns) {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	client, err := p.client(ctx, apiKey)
	if err != nil {
		return "", invalidResponse(p.cfg.Name, err)
	}
	resp, err := client.Models.GenerateContent(ctx, p.cfg.Model, contents, p.generationConfig(system))
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", classifyStatus(p.cfg.Name, apiErr.Code, apiErr.Message)
		}
		return "", classifyCallError(p.cfg.Name, err)
	}

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", invalidResponse(p.cfg.Name, errors.New("prompt blocked: "+string(resp.PromptFeedback.BlockReason)))
		}
		return "", invalidResponse(p.cfg.Name, errors.New("no candidates"))
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", invalidResponse(p.cfg.Name, errors.New("empty candidate"))
	}
	return text, nil
}

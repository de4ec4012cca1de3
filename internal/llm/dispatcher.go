package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/logger"
)

type DispatcherConfig struct {
	// Timeout bounds every provider attempt.
	Timeout time.Duration
	// RetryUnavailable allows one extra attempt after provider_unavailable.
	RetryUnavailable bool
	// PlainText strips markdown emphasis from replies.
	PlainText bool
}

// Dispatcher routes an assembled prompt to a named provider.
type Dispatcher struct {
	registry *Registry
	cfg      DispatcherConfig
}

func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{registry: registry, cfg: cfg}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch sends msgs to provider with apiKey and returns the reply text. The key is
// used for this call only.
func (d *Dispatcher) Dispatch(ctx context.Context, provider, apiKey string, msgs []Message) (string, error) {
	p, err := d.registry.Get(provider)
	if err != nil {
		return "", err
	}

	text, err := d.attempt(ctx, p, apiKey, msgs, 1)
	if err != nil && d.cfg.RetryUnavailable && apperr.Is(err, apperr.KindProviderUnavailable) && ctx.Err() == nil {
		text, err = d.attempt(ctx, p, apiKey, msgs, 2)
	}
	if err != nil {
		return "", err
	}

	if d.cfg.PlainText {
		text = strings.TrimSpace(strings.ReplaceAll(text, "*", ""))
		if text == "" {
			return "", invalidResponse(provider, errors.New("reply empty after formatting"))
		}
	}
	return text, nil
}

func (d *Dispatcher) attempt(ctx context.Context, p Provider, apiKey string, msgs []Message, n int) (string, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	text, err := p.Complete(ctx, apiKey, msgs)
	if err != nil {
		logger.L.Warn("provider call failed", "provider", p.Name(), "attempt", n, "kind", apperr.KindOf(err), "error", err)
		return "", err
	}
	logger.L.Info("provider call succeeded", "provider", p.Name(), "attempt", n, "duration", time.Since(start), "messages", len(msgs))
	return text, nil
}

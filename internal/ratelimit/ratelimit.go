// Package ratelimit is the admission gate: a fixed quota of admissions per client key
// per window, counted in a shared kv.Store.
package ratelimit

import (
	"context"
	"time"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/kv"
	"github.com/comigor/mira-go/internal/logger"
)

// Mode is the degraded behaviour when the counter store cannot be reached.
type Mode string

const (
	FailOpen   Mode = "open"
	FailClosed Mode = "closed"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Count      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the decision was made without the counter store.
	Degraded bool
}

type Config struct {
	Quota        int64
	Window       time.Duration
	OnStoreError Mode
	Timeout      time.Duration
}

// Gate decides whether a client may start another chat turn.
type Gate struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

func New(store kv.Store, cfg Config) *Gate {
	if cfg.OnStoreError == "" {
		cfg.OnStoreError = FailOpen
	}
	return &Gate{store: store, cfg: cfg, now: time.Now}
}

// WithClock replaces the gate's time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Admit counts one request for clientKey. A denied decision is returned together with
// an admission_denied error carrying the time until the window resets.
func (g *Gate) Admit(ctx context.Context, clientKey string) (Decision, error) {
	now := g.now()

	callCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	// The decision is made on the post-increment count, so concurrent requests for the
	// same key can never admit more than Quota in one window.
	c, err := g.store.IncrWindow(callCtx, "rl:"+clientKey, g.cfg.Window, now)
	if err != nil {
		if g.cfg.OnStoreError == FailClosed {
			logger.L.Error("admission store unreachable; failing closed", "client", clientKey, "error", err)
			return Decision{Degraded: true}, apperr.Wrap(apperr.KindAdmissionUnavailable, err, "request admission is temporarily unavailable")
		}
		logger.L.Error("admission store unreachable; failing open", "client", clientKey, "error", err, "alert", true)
		return Decision{Allowed: true, Degraded: true}, nil
	}

	resetAt := c.ResetAt(g.cfg.Window)
	d := Decision{
		Count:     c.Count,
		Remaining: max(g.cfg.Quota-c.Count, 0),
		ResetAt:   resetAt,
	}
	if c.Count <= g.cfg.Quota {
		d.Allowed = true
		return d, nil
	}

	d.RetryAfter = resetAt.Sub(now)
	logger.L.Info("admission denied", "client", clientKey, "count", c.Count, "quota", g.cfg.Quota, "retry_after", d.RetryAfter)
	return d, &apperr.Error{
		Kind:       apperr.KindAdmissionDenied,
		Message:    "request limit exceeded, please try again later",
		RetryAfter: d.RetryAfter,
	}
}

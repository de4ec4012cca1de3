// Package cache memoizes provider replies by request fingerprint for a short TTL.
//
// Concurrent identical requests may both miss and both reach the provider; only a
// later request inside the TTL is guaranteed to reuse a stored reply.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/comigor/mira-go/internal/kv"
	"github.com/comigor/mira-go/internal/logger"
)

// Scope decides which request fields go into the fingerprint.
type Scope string

const (
	// ScopeText keys by message text alone: identical prompts share a reply across
	// users, conversations and providers.
	ScopeText Scope = "text"
	// ScopeProvider keeps replies from different providers apart.
	ScopeProvider Scope = "provider"
	// ScopeConversation never shares a reply outside its owner's conversation.
	ScopeConversation Scope = "conversation"
)

// Request is what a fingerprint is computed from.
type Request struct {
	Owner          string
	ConversationID string
	Provider       string
	Text           string
}

type Config struct {
	Enabled       bool
	TTL           time.Duration
	SweepInterval time.Duration
	Scope         Scope
}

// Cache stores replies in a kv.Store under "cache:<fingerprint>".
type Cache struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

func New(store kv.Store, cfg Config) *Cache {
	if cfg.Scope == "" {
		cfg.Scope = ScopeText
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL / 2
	}
	return &Cache{store: store, cfg: cfg, now: time.Now}
}

// WithClock replaces the cache's time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Fingerprint returns the cache key of r under the configured scope.
func (c *Cache) Fingerprint(r Request) string {
	parts := []string{string(c.cfg.Scope)}
	switch c.cfg.Scope {
	case ScopeConversation:
		parts = append(parts, r.Owner, r.ConversationID, r.Provider)
	case ScopeProvider:
		parts = append(parts, r.Provider)
	}
	parts = append(parts, normalize(r.Text))
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

func normalize(text string) string {
	return strings.TrimSpace(text)
}

// Lookup returns the stored reply for fingerprint, if still fresh.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (string, bool, error) {
	if !c.cfg.Enabled {
		return "", false, nil
	}
	v, ok, err := c.store.Get(ctx, "cache:"+fingerprint, c.now())
	if err != nil {
		return "", false, fmt.Errorf("cache lookup: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return string(v), true, nil
}

// Store records reply under fingerprint for the configured TTL.
func (c *Cache) Store(ctx context.Context, fingerprint, reply string) error {
	if !c.cfg.Enabled {
		return nil
	}
	if err := c.store.Set(ctx, "cache:"+fingerprint, []byte(reply), c.cfg.TTL, c.now()); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// Run sweeps expired entries (and closed admission windows sharing the store) every
// SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cache) sweep(ctx context.Context) {
	removed, err := c.store.Sweep(ctx, c.now())
	if err != nil {
		logger.L.Warn("state sweep failed", "error", err)
		return
	}
	if removed > 0 {
		logger.L.Debug("state sweep removed expired entries", "removed", removed)
	}
}

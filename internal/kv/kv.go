// Package kv is the shared state behind admission counters and cached responses.
// A Store is injected into the gate and the cache. Memory, SQLite and Bolt serve a single
// host; Mongo is the backend to use once several instances share one quota and cache.
package kv

import (
	"context"
	"time"
)

// Counter is the state of a fixed window after an increment.
type Counter struct {
	Count       int64
	WindowStart time.Time
}

// ResetAt is the instant the window closes.
func (c Counter) ResetAt(window time.Duration) time.Time {
	return c.WindowStart.Add(window)
}

// Store is a key-value store with an atomic windowed counter and values with a TTL.
type Store interface {
	// IncrWindow atomically adds one to key's counter and returns the new state. When
	// no window is open, or now is at or past window start + window, a fresh window
	// starting at now is opened with a count of one.
	IncrWindow(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error)
	// Get returns the value stored at key unless it expired at or before now.
	Get(ctx context.Context, key string, now time.Time) ([]byte, bool, error)
	// Set stores value at key until now + ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, now time.Time) error
	// Sweep removes expired values and counters whose window closed, returning how
	// many entries were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Close() error
}

func windowExpired(start time.Time, window time.Duration, now time.Time) bool {
	return !now.Before(start.Add(window))
}

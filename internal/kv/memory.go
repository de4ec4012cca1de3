package kv

import (
	"context"
	"sync"
	"time"
)

type memCounter struct {
	count  int64
	start  time.Time
	window time.Duration
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store. Counts are only consistent within one instance.
type Memory struct {
	mu       sync.Mutex
	counters map[string]memCounter
	entries  map[string]memEntry
}

func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]memCounter),
		entries:  make(map[string]memEntry),
	}
}

func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || windowExpired(c.start, window, now) {
		c = memCounter{start: now}
	}
	c.count++
	c.window = window
	m.counters[key] = c
	return Counter{Count: c.count, WindowStart: c.start}, nil
}

func (m *Memory) Get(_ context.Context, key string, now time.Time) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !now.Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: now.Add(ttl)}
	return nil
}

func (m *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	for k, c := range m.counters {
		if windowExpired(c.start, c.window, now) {
			delete(m.counters, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error { return nil }

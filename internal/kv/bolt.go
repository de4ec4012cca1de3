package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCounters = []byte("counters")
	bucketEntries  = []byte("entries")
)

type boltCounter struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"window_start"`
	WindowNs    int64 `json:"window_ns"`
}

type boltEntry struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// Bolt is a durable single-node Store. bbolt holds an exclusive file lock, so only
// one process can use a given file; counters survive restarts.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCounters, bucketEntries} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) IncrWindow(_ context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	var c boltCounter
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCounters)
		if v := bk.Get([]byte(key)); v != nil {
			if err := json.Unmarshal(v, &c); err != nil {
				// A corrupt counter restarts its window.
				c = boltCounter{}
			}
		}
		if c.WindowStart == 0 || windowExpired(time.Unix(0, c.WindowStart), window, now) {
			c = boltCounter{WindowStart: now.UnixNano()}
		}
		c.Count++
		c.WindowNs = int64(window)
		enc, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return bk.Put([]byte(key), enc)
	})
	if err != nil {
		return Counter{}, fmt.Errorf("increment counter %q: %w", key, err)
	}
	return Counter{Count: c.Count, WindowStart: time.Unix(0, c.WindowStart)}, nil
}

func (b *Bolt) Get(_ context.Context, key string, now time.Time) ([]byte, bool, error) {
	var e boltEntry
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &e); err != nil {
			return nil
		}
		found = e.ExpiresAt > now.UnixNano()
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (b *Bolt) Set(_ context.Context, key string, value []byte, ttl time.Duration, now time.Time) error {
	enc, err := json.Marshal(boltEntry{Value: value, ExpiresAt: now.Add(ttl).UnixNano()})
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), enc)
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (b *Bolt) Sweep(_ context.Context, now time.Time) (int, error) {
	ts := now.UnixNano()
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		var stale [][]byte
		entries := tx.Bucket(bucketEntries)
		err := entries.ForEach(func(k, v []byte) error {
			var e boltEntry
			if json.Unmarshal(v, &e) != nil || e.ExpiresAt <= ts {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := entries.Delete(k); err != nil {
				return err
			}
		}
		removed += len(stale)

		stale = stale[:0]
		counters := tx.Bucket(bucketCounters)
		err = counters.ForEach(func(k, v []byte) error {
			var c boltCounter
			if json.Unmarshal(v, &c) != nil || c.WindowStart+c.WindowNs <= ts {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := counters.Delete(k); err != nil {
				return err
			}
		}
		removed += len(stale)
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep: %w", err)
	}
	return removed, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

package kv

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// connectMongo returns two handles on one fresh database, standing in for two
// service instances.
func connectMongo(t *testing.T) (*Mongo, *Mongo) {
	t.Helper()
	uri := os.Getenv("MIRA_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MIRA_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name := "mira_state_test_" + uuid.NewString()[:8]
	a, err := ConnectMongo(ctx, uri, name)
	require.NoError(t, err)
	b, err := ConnectMongo(ctx, uri, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.db.Drop(context.Background())
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// base is in the future so the server's TTL monitor leaves test documents alone.
func futureBase() time.Time {
	return time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
}

func TestMongo_IncrWindowSharedAcrossInstances(t *testing.T) {
	a, b := connectMongo(t)
	ctx := context.Background()
	base := futureBase()
	w := time.Minute

	c, err := a.IncrWindow(ctx, "rl:a", w, base)
	require.NoError(t, err)
	require.Equal(t, int64(1), c.Count)
	require.True(t, c.WindowStart.Equal(base))

	c, err = b.IncrWindow(ctx, "rl:a", w, base.Add(10*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(2), c.Count, "the second instance sees the first one's count")
	require.True(t, c.WindowStart.Equal(base))

	c, err = a.IncrWindow(ctx, "rl:a", w, base.Add(w))
	require.NoError(t, err)
	require.Equal(t, int64(1), c.Count, "a fresh window opens at the boundary")
	require.True(t, c.WindowStart.Equal(base.Add(w)))
}

func TestMongo_IncrWindowConcurrent(t *testing.T) {
	a, b := connectMongo(t)
	ctx := context.Background()
	base := futureBase()

	const n = 40
	var wg sync.WaitGroup
	seen := make(chan int64, n)
	for i := 0; i < n; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.IncrWindow(ctx, "rl:c", time.Hour, base)
			if err == nil {
				seen <- c.Count
			}
		}()
	}
	wg.Wait()
	close(seen)

	counts := map[int64]bool{}
	for c := range seen {
		require.False(t, counts[c], "count %d handed out twice", c)
		counts[c] = true
	}
	require.Len(t, counts, n)
}

func TestMongo_GetSetSweep(t *testing.T) {
	a, b := connectMongo(t)
	ctx := context.Background()
	base := futureBase()

	_, ok, err := a.Get(ctx, "cache:x", base)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Set(ctx, "cache:x", []byte("pong"), 10*time.Minute, base))
	v, ok, err := b.Get(ctx, "cache:x", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("pong"), v)

	_, ok, err = b.Get(ctx, "cache:x", base.Add(10*time.Minute))
	require.NoError(t, err)
	require.False(t, ok, "expired entries read as absent")

	require.NoError(t, a.Set(ctx, "new", []byte("2"), time.Hour, base))
	_, err = a.IncrWindow(ctx, "rl:old", time.Minute, base)
	require.NoError(t, err)
	_, err = a.IncrWindow(ctx, "rl:new", time.Hour, base)
	require.NoError(t, err)

	removed, err := b.Sweep(ctx, base.Add(15*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	c, err := a.IncrWindow(ctx, "rl:new", time.Hour, base.Add(15*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(2), c.Count)
}

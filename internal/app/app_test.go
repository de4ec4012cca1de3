package app

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/mira-go/internal/cache"
	"github.com/comigor/mira-go/internal/config"
	"github.com/comigor/mira-go/internal/kv"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Storage:   config.StorageConfig{Backend: "sqlite", Driver: "sqlite", Path: ":memory:"},
		State:     config.StateConfig{Backend: "memory"},
		Admission: config.AdmissionConfig{Quota: 5, Window: time.Minute, KeyBy: "user", OnStoreError: "open"},
		Cache:     config.CacheConfig{Enabled: true, TTL: 10 * time.Minute, SweepInterval: time.Minute, Scope: "text"},
		Context:   config.ContextConfig{MaxHistory: 8, MaxMessageChars: 100},
		Vault:     config.VaultConfig{EncryptionKey: base64.StdEncoding.EncodeToString(make([]byte, 32))},
		Providers: []config.ProviderConfig{
			{Name: "gpt", Kind: "openai", Model: "gpt-4o-mini", DefaultAPIKey: "sk-test"},
			{Name: "gem", Kind: "gemini", Model: "gemini-1.5-flash"},
		},
		DefaultProvider: "gpt",
		OutputMode:      "markdown",
		Timeouts:        config.TimeoutsConfig{Store: time.Second, Counter: time.Second, Provider: time.Second},
	}
}

func TestBuild_SQLiteAndMemory(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	require.Equal(t, []string{"gpt", "gem"}, a.Orchestrator.Providers())
	require.Equal(t, "gpt", a.Orchestrator.DefaultProvider())

	convs, err := a.Orchestrator.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, convs)
}

func TestBuild_SharedStateBackends(t *testing.T) {
	for _, backend := range []string{"sqlite", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.State = config.StateConfig{Backend: backend, BoltPath: filepath.Join(t.TempDir(), "state.bolt")}
			a, err := Build(context.Background(), cfg)
			require.NoError(t, err)
			require.NoError(t, a.Close())
		})
	}
}

func TestBuild_MongoBackends(t *testing.T) {
	uri := os.Getenv("MIRA_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MIRA_TEST_MONGO_URI not set")
	}
	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Backend: "mongo", MongoURI: uri, MongoDatabase: "mira_app_test"}
	cfg.State = config.StateConfig{Backend: "mongo"}
	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestBuild_BadKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.EncryptionKey = "short"
	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
}

type countingSweeps struct {
	kv.Store
	sweeps atomic.Int32
}

func (s *countingSweeps) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.sweeps.Add(1)
	return s.Store.Sweep(ctx, now)
}

func TestStart_RunsSweeper(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	state := &countingSweeps{Store: kv.NewMemory()}
	a.Cache = cache.New(state, cache.Config{Enabled: true, TTL: time.Second, SweepInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	require.Eventually(t, func() bool { return state.sweeps.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

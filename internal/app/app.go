// Package app wires the configured components into an Orchestrator. Every entrypoint
// builds its stack through here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/comigor/mira-go/internal/assembler"
	"github.com/comigor/mira-go/internal/cache"
	"github.com/comigor/mira-go/internal/config"
	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/kv"
	"github.com/comigor/mira-go/internal/llm"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/mongostore"
	"github.com/comigor/mira-go/internal/orchestrator"
	"github.com/comigor/mira-go/internal/ratelimit"
	"github.com/comigor/mira-go/internal/storage"
	"github.com/comigor/mira-go/internal/vault"
)

type App struct {
	Orchestrator *orchestrator.Orchestrator
	Cache        *cache.Cache

	closers []func() error
}

// Build opens the stores named by cfg and assembles the orchestrator.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var db *sql.DB
	openSQL := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		d, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		db = d
		a.closers = append(a.closers, d.Close)
		return d, nil
	}

	var (
		store   history.Store
		records vault.RecordStore
	)
	switch cfg.Storage.Backend {
	case "mongo":
		ms, err := mongostore.Connect(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return ms.Close(context.Background()) })
		store, records = ms, ms
	default:
		d, err := openSQL()
		if err != nil {
			return nil, err
		}
		hs := history.NewSQLStore(d)
		if err := hs.Init(ctx); err != nil {
			return nil, err
		}
		rs := vault.NewSQLRecords(d)
		if err := rs.Init(ctx); err != nil {
			return nil, err
		}
		store, records = hs, rs
	}

	var state kv.Store
	switch cfg.State.Backend {
	case "bolt":
		b, err := kv.OpenBolt(cfg.State.BoltPath)
		if err != nil {
			return nil, err
		}
		state = b
	case "mongo":
		m, err := kv.ConnectMongo(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
		if err != nil {
			return nil, err
		}
		state = m
	case "sqlite":
		d, err := openSQL()
		if err != nil {
			return nil, err
		}
		s, err := kv.NewSQLite(ctx, d)
		if err != nil {
			return nil, err
		}
		state = s
	default:
		state = kv.NewMemory()
	}
	a.closers = append(a.closers, state.Close)

	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}
	cipher, err := vault.NewCipher(key)
	if err != nil {
		return nil, err
	}

	registry, err := llm.FromConfig(cfg.Providers)
	if err != nil {
		return nil, err
	}

	a.Cache = cache.New(state, cache.Config{
		Enabled:       cfg.Cache.Enabled,
		TTL:           cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Scope:         cache.Scope(cfg.Cache.Scope),
	})

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Gate: ratelimit.New(state, ratelimit.Config{
			Quota:        cfg.Admission.Quota,
			Window:       cfg.Admission.Window,
			OnStoreError: ratelimit.Mode(cfg.Admission.OnStoreError),
			Timeout:      cfg.Timeouts.Counter,
		}),
		Cache: a.Cache,
		Store: store,
		Assembler: assembler.New(store, assembler.Config{
			MaxHistory:   cfg.Context.MaxHistory,
			SystemPrompt: cfg.Context.SystemPrompt,
		}),
		Vault: vault.New(cipher, records, cfg.DefaultKeys()),
		Dispatcher: llm.NewDispatcher(registry, llm.DispatcherConfig{
			Timeout:          cfg.Timeouts.Provider,
			RetryUnavailable: cfg.RetryUnavailable,
			PlainText:        cfg.OutputMode == "plain",
		}),
	}, orchestrator.Config{
		DefaultProvider: cfg.DefaultProvider,
		MaxMessageChars: cfg.Context.MaxMessageChars,
		StoreTimeout:    cfg.Timeouts.Store,
		KeyBy:           cfg.Admission.KeyBy,
	})

	logger.L.Info("components ready",
		"storage", cfg.Storage.Backend,
		"state", cfg.State.Backend,
		"providers", registry.Names(),
		"default_provider", cfg.DefaultProvider,
	)
	return a, nil
}

// Start launches the background work every entrypoint needs: the periodic sweep of
// expired cache entries and closed admission windows. It stops when ctx is done.
func (a *App) Start(ctx context.Context) {
	go a.Cache.Run(ctx)
}

// Close releases stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close app: %w", err)
	}
	return nil
}

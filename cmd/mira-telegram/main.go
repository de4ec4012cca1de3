package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/comigor/mira-go/internal/app"
	"github.com/comigor/mira-go/internal/config"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetFormat(cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)

	if cfg.Telegram.Token == "" {
		logger.L.Error("telegram.token is required (MIRA_TELEGRAM_TOKEN)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.L.Error("failed to build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start(ctx)

	provider := cfg.Telegram.DefaultProvider
	if provider == "" {
		provider = cfg.DefaultProvider
	}
	logger.L.Info("starting telegram bot", "provider", provider)
	if err := telegram.New(a.Orchestrator, provider).Run(ctx, cfg.Telegram.Token); err != nil && !errors.Is(err, context.Canceled) {
		logger.L.Error("telegram bot stopped", "error", err)
	}
}

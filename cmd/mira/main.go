package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/comigor/mira-go/internal/app"
	"github.com/comigor/mira-go/internal/config"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/server"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("mira exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.SetFormat(cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Start(ctx)

	banner(cfg)

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: server.New(a.Orchestrator, server.Config{
			IdentityHeader: cfg.Server.IdentityHeader,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			TrustedProxies: cfg.Server.TrustedProxies,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.L.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Provider+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func banner(cfg *config.Config) {
	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	title := color.New(color.FgCyan, color.Bold)
	key := color.New(color.FgHiBlack)
	title.Fprintln(os.Stderr, "mira chat backend")
	key.Fprint(os.Stderr, "  listen     ")
	fmt.Fprintln(os.Stderr, cfg.Addr())
	key.Fprint(os.Stderr, "  quota      ")
	fmt.Fprintf(os.Stderr, "%d per %s (%s)\n", cfg.Admission.Quota, cfg.Admission.Window, cfg.Admission.KeyBy)
	key.Fprint(os.Stderr, "  cache      ")
	if cfg.Cache.Enabled {
		fmt.Fprintf(os.Stderr, "%s, scope %s\n", cfg.Cache.TTL, cfg.Cache.Scope)
	} else {
		color.New(color.FgYellow).Fprintln(os.Stderr, "disabled")
	}
	key.Fprint(os.Stderr, "  providers  ")
	fmt.Fprintf(os.Stderr, "%s (default %s)\n", strings.Join(names, ", "), cfg.DefaultProvider)
}

// Command mira-mcp exposes the chat operations as MCP tools over stdio, acting for a
// single configured owner.
package main

import (
	"context"
	"os"

	"github.com/comigor/mira-go/internal/app"
	"github.com/comigor/mira-go/internal/config"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/mcpserver"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.SetOutput(os.Stderr, "text")
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	// stdout carries the protocol.
	logger.SetOutput(os.Stderr, cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.L.Error("failed to build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	a.Start(ctx)

	owner := cfg.MCP.Owner
	if owner == "" {
		owner = "mcp:local"
	}
	provider := cfg.MCP.DefaultProvider
	if provider == "" {
		provider = cfg.DefaultProvider
	}

	logger.L.Info("serving MCP over stdio", "owner", owner, "provider", provider)
	if err := mcpserver.New(a.Orchestrator, mcpserver.Config{Owner: owner, DefaultProvider: provider}).Serve(version); err != nil {
		logger.L.Error("mcp server stopped", "error", err)
		cancel()
		a.Close()
		os.Exit(1)
	}
}

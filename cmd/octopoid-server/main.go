// Command octopoid-server boots the task coordination server: it loads
// configuration, opens the SQLite store, wires the engine/selector/
// reconciler, and serves the HTTP facade until an interrupt or TERM signal
// arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maxthelion/octopoid-server/internal/api"
	"github.com/maxthelion/octopoid-server/internal/config"
	"github.com/maxthelion/octopoid-server/internal/db"
	"github.com/maxthelion/octopoid-server/internal/engine"
	"github.com/maxthelion/octopoid-server/internal/flows"
	"github.com/maxthelion/octopoid-server/internal/reconciler"
	"github.com/maxthelion/octopoid-server/internal/roles"
	"github.com/maxthelion/octopoid-server/internal/selector"
	"github.com/maxthelion/octopoid-server/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.PrintToken {
		fmt.Fprintf(os.Stdout, "bearer token: %s\n", cfg.Token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer conn.Close()

	taskRepo := db.NewTaskRepo(conn.SQL())
	history := db.NewTaskHistoryRepo(conn.SQL())
	orchestratorRepo := db.NewOrchestratorRepo(conn.SQL())

	if err := os.MkdirAll(cfg.RolesDir, 0755); err != nil {
		return fmt.Errorf("create roles dir: %w", err)
	}
	if err := os.MkdirAll(cfg.FlowsDir, 0755); err != nil {
		return fmt.Errorf("create flows dir: %w", err)
	}

	roleRegistry, err := roles.NewRegistry(cfg.RolesDir)
	if err != nil {
		return fmt.Errorf("load role registry: %w", err)
	}
	flowRegistry, err := flows.NewRegistry(cfg.FlowsDir)
	if err != nil {
		return fmt.Errorf("load flow registry: %w", err)
	}

	engineCfg := engine.Config{
		DefaultLeaseDuration: cfg.DefaultLeaseDuration(),
		MaxLeaseDuration:     cfg.MaxLeaseDuration(),
		BurnoutTurnThreshold: cfg.BurnoutTurnThreshold,
		MaxTurnLimit:         cfg.MaxTurnLimit,
	}
	eng := engine.New(taskRepo, history, nil, engineCfg)
	sel := selector.New(taskRepo, roleRegistry, eng)
	recon := reconciler.New(taskRepo, history, orchestratorRepo, cfg.ReconcilerInterval(), cfg.StaleOrchestratorTimeout(), nil, slog.Default())

	apiHandler := api.NewRouter(api.Deps{
		Config:           cfg,
		TaskRepo:         taskRepo,
		History:          history,
		OrchestratorRepo: orchestratorRepo,
		Roles:            roleRegistry,
		Flows:            flowRegistry,
		Engine:           eng,
		Selector:         sel,
	})

	go recon.Run(ctx)

	srv := server.New(cfg, apiHandler)
	slog.Info("octopoid-server starting", "port", cfg.Port, "db_path", cfg.DBPath)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

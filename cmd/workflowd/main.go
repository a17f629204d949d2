package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freema/workflowd/internal/cli"
	"github.com/freema/workflowd/internal/config"
	"github.com/freema/workflowd/internal/crypto"
	"github.com/freema/workflowd/internal/keys"
	"github.com/freema/workflowd/internal/logger"
	"github.com/freema/workflowd/internal/mcp"
	"github.com/freema/workflowd/internal/orchestrator"
	"github.com/freema/workflowd/internal/reaper"
	"github.com/freema/workflowd/internal/redisclient"
	"github.com/freema/workflowd/internal/registry"
	"github.com/freema/workflowd/internal/server"
	"github.com/freema/workflowd/internal/statusapi"
	"github.com/freema/workflowd/internal/tracing"
	"github.com/freema/workflowd/internal/webhook"
	"github.com/freema/workflowd/internal/workflow"
	"github.com/freema/workflowd/internal/workspace"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println("workflowd", version)
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("WORKFLOWD_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting workflowd", "version", version)

	rdb, err := redisclient.New(cfg.Redis.URL, cfg.Redis.Prefix)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("redis connected", "url", cfg.Redis.URL)

	tracingShutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		ServiceName:  "workflowd",
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	cryptoSvc, err := crypto.NewService(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("initializing crypto: %w", err)
	}

	reg, err := registry.Open(cfg.Registry.DSN)
	if err != nil {
		return fmt.Errorf("opening run registry: %w", err)
	}
	defer reg.Close()

	reconciled, err := reg.ReconcileOrphans(context.Background())
	if err != nil {
		return fmt.Errorf("reconciling orphaned runs: %w", err)
	}
	if reconciled > 0 {
		slog.Warn("reconciled orphaned runs from prior process", "count", reconciled)
	}

	workspaceMgr := workspace.NewManager(cfg.Workspace, rdb)

	workflowRegistry, err := workflow.NewRegistry(nil)
	if err != nil {
		return fmt.Errorf("loading workflow definitions: %w", err)
	}

	keyRegistry := keys.NewRegistry(rdb, cryptoSvc)
	keyResolver := keys.NewResolver(keyRegistry, cfg.Git.ProviderDomains)

	mcpRegistry := mcp.NewRegistry(rdb)
	mcpInstaller := mcp.NewInstaller(mcpRegistry)

	var webhookSender *webhook.Sender
	if cfg.Webhooks.HMACSecret != "" {
		webhookSender = webhook.NewSender(cfg.Webhooks.HMACSecret, cfg.Webhooks.RetryCount, cfg.Webhooks.RetryDelay)
	}

	analyzer := cli.NewAnalyzer(cfg.CLI.ClaudeCode.APIKey)

	orc := orchestrator.New(orchestrator.Deps{
		Config:       *cfg,
		Registry:     reg,
		Workspaces:   workspaceMgr,
		Workflows:    workflowRegistry,
		KeyResolver:  keyResolver,
		KeyRegistry:  keyRegistry,
		MCPInstaller: mcpInstaller,
		Webhook:      webhookSender,
		Analyzer:     analyzer,
		Redis:        rdb,
	})

	reporter := statusapi.New(reg, orc)

	stuckReaper := reaper.New(reg, orc, reaper.Config{
		Interval:  time.Duration(cfg.Run.ReaperIntervalSec) * time.Second,
		Threshold: time.Duration(cfg.Run.StuckThresholdSec) * time.Second,
	})

	cleaner := workspace.NewCleaner(workspaceMgr, workspace.CleanerConfig{
		Interval:              10 * time.Minute,
		OrphanMaxAge:          24 * time.Hour,
		DiskWarningThreshold:  int64(cfg.Workspace.DiskWarningThresholdGB) << 30,
		DiskCriticalThreshold: int64(cfg.Workspace.DiskCriticalThresholdGB) << 30,
	})

	srv := server.New(cfg, rdb, reg, orc, reporter, keyRegistry, mcpRegistry, workspaceMgr, version)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	go stuckReaper.Start(appCtx)
	go cleaner.Start(appCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	stuckReaper.Stop()
	appCancel()

	if err := tracingShutdown(context.Background()); err != nil {
		slog.Warn("tracing shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

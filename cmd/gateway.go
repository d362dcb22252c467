package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nextlevelbuilder/boardroom/internal/agent"
	"github.com/nextlevelbuilder/boardroom/internal/auth"
	"github.com/nextlevelbuilder/boardroom/internal/board"
	"github.com/nextlevelbuilder/boardroom/internal/bus"
	"github.com/nextlevelbuilder/boardroom/internal/config"
	"github.com/nextlevelbuilder/boardroom/internal/cron"
	"github.com/nextlevelbuilder/boardroom/internal/providers"
	"github.com/nextlevelbuilder/boardroom/internal/scheduler"
	"github.com/nextlevelbuilder/boardroom/internal/sessions"
	"github.com/nextlevelbuilder/boardroom/internal/store/pg"
	"github.com/nextlevelbuilder/boardroom/internal/tasks"
	"github.com/nextlevelbuilder/boardroom/internal/telemetry"
	"github.com/nextlevelbuilder/boardroom/internal/tools"
)

// gatewayLanes bounds in-flight provider calls: interactive turns share the
// default lane, cron-fired turns run on a narrower one so a burst of due
// jobs cannot starve live conversations, and board-internal turns
// (consultations, meeting analyses) get their own pool so a meeting fan-out
// cannot exhaust the interactive lane.
func gatewayLanes() []scheduler.GlobalLaneConfig {
	return []scheduler.GlobalLaneConfig{
		{Label: "default", Width: 4},
		{Label: "cron", Width: 2},
		{Label: "board", Width: 4},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hot reload: long-lived components hold the Config pointer and observe
	// new values on their next read.
	watcher := config.NewWatcher(cfgPath, cfg, nil)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	registry := providers.NewRegistry()
	registerProviders(registry)

	// Workspace must be absolute: soul files and board memory resolve
	// against it.
	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0755)
	cfg.Agents.Defaults.Workspace = workspace

	policy := auth.NewCooldownPolicy(cfg.Auth.Cooldown)

	// Standalone: file-backed auth state + sqlite cron.
	// Managed: both ride one Postgres pool.
	var authStore auth.Store
	var cronStore cron.Store
	if cfg.IsManagedMode() {
		stores, err := pg.NewStores(cfg, policy)
		if err != nil {
			slog.Error("failed to create postgres stores", "error", err)
			os.Exit(1)
		}
		defer stores.Close()
		authStore = stores.Auth
		cronStore = stores.Cron
		slog.Info("managed mode: postgres stores ready")
	} else {
		authStore = auth.NewFileStore(config.ExpandHome(cfg.Auth.Storage), cfg.Auth.Profiles, policy)
		sqliteStore, err := cron.NewSQLiteStore(config.ExpandHome(cfg.Cron.Storage))
		if err != nil {
			slog.Error("failed to open cron store", "error", err)
			os.Exit(1)
		}
		cronStore = sqliteStore
	}
	defer authStore.Close()
	defer cronStore.Close()

	sessStore, err := sessions.NewStore(config.ExpandHome(cfg.Sessions.Storage))
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}

	toolsReg := tools.NewRegistry()

	engine := agent.NewEngine(cfg, registry, authStore, toolsReg, sessStore)

	sched := scheduler.New(gatewayLanes())
	defer sched.Stop()

	// No channel adapters live in this binary; outbound messages are logged.
	// Embedders supply a real bus.Outbound when linking the packages.
	outbound := bus.OutboundFunc(func(ctx context.Context, msg bus.OutboundMessage) error {
		slog.Info("outbound message",
			"channel", msg.Channel, "chat", msg.ChatID, "topic", msg.TopicID,
			"chars", len(msg.Content))
		return nil
	})

	runner := tasks.NewRunner(cfg, engine, sched, outbound)
	orchestrator := board.NewOrchestrator(cfg, engine, runner, sched, outbound)

	cronSvc := cron.NewService(cfg, cronStore, makeCronJobHandler(cfg, engine, orchestrator, sched, outbound))
	cronSvc.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("boardroom gateway started",
		"version", Version,
		"mode", mode,
		"providers", registry.Providers(),
		"board", cfg.Board.Enabled,
		"workspace", workspace,
	)

	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)

	cronSvc.Stop()
	cancel()
	sched.Stop()
	runner.Wait()

	if err := shutdownTelemetry(context.Background()); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}

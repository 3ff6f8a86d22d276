package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kkelly-offical/kkcode-sub002/pkg/api"
	"github.com/kkelly-offical/kkcode-sub002/pkg/cleanup"
	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/metrics"
	"github.com/kkelly-offical/kkcode-sub002/pkg/session"
	"github.com/kkelly-offical/kkcode-sub002/pkg/slack"
	"github.com/kkelly-offical/kkcode-sub002/pkg/version"
)

const (
	// runDrainTimeout bounds how long shutdown waits for active runs to
	// reach an iteration boundary before cancelling them. Cancelled runs
	// are checkpointed and resumable.
	runDrainTimeout = 30 * time.Second

	httpShutdownTimeout = 5 * time.Second
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator service with the control API",
		Long: `Serve runs kkcode as a long-lived service: runs are submitted over the
HTTP API, stream progress over WebSocket, and survive restarts through the
state store. Orphaned sessions from a previous process are recovered at
startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	slog.Info("Starting kkcode", "version", version.Full(), "project_dir", cfg.State.ProjectDir)

	// 1. Shared infrastructure: metrics, event bus, WebSocket fan-out
	var reg *metrics.Registry
	if cfg.Metrics.IsEnabled() {
		reg = metrics.New()
	}
	bus := events.NewPublisher()
	connManager := events.NewConnectionManager(0)
	bus.SetSink(connManager)

	// 2. Slack notifications (optional)
	notifier := newSlackService(cfg.Slack)
	watcher := slack.NewWatcher(notifier, bus)
	watcher.Start(ctx)

	// 3. Driver stack. No prompter: gate dialogues need a terminal, so
	// serve mode resolves them from stored preferences alone.
	rt, err := buildRuntime(cfg, bus, reg, nil)
	if err != nil {
		return err
	}

	// 4. Session manager holding the active runs
	manager := session.NewManager(rt.driver, cfg.Serve.MaxActiveRuns, reg, notifier)

	// 5. Orphan recovery, then the heartbeat monitor
	monitor := session.NewMonitor(session.MonitorConfig{Timeout: cfg.HeartbeatTimeout()}, rt.store, bus, reg)
	if recovered, err := monitor.RecoverOrphans(ctx); err != nil {
		slog.Error("Orphan recovery failed at startup", "error", err)
	} else if recovered > 0 {
		slog.Info("Recovered orphaned sessions", "count", recovered)
	}
	monitor.Start(ctx)

	// 6. Retention sweeper
	var retention *cleanup.Service
	if cfg.Retention.IsEnabled() {
		retention = cleanup.NewService(cfg.Retention, rt.store, rt.ckpts)
		retention.Start(ctx)
	}

	// 7. Control API. Runs started over HTTP outlive their request, so the
	// server gets the process context to parent them on.
	srv := api.NewServer(cfg.API, api.Deps{
		Store:       rt.store,
		Checkpoints: rt.ckpts,
		Manager:     manager,
		Metrics:     reg,
		ConnManager: connManager,
		RunContext:  context.WithoutCancel(ctx),
	})
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()
	slog.Info("Control API listening", "addr", cfg.API.ListenAddr, "max_active_runs", cfg.Serve.MaxActiveRuns)

	// 8. Wait for a signal or a server failure
	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case serveErr = <-errCh:
		slog.Error("API server failed", "error", serveErr)
	}

	// 9. Graceful shutdown: drain runs first so they checkpoint, then stop
	// the background loops, the listener last.
	drainCtx, cancel := context.WithTimeout(context.Background(), runDrainTimeout)
	defer cancel()
	manager.Shutdown(drainCtx)

	monitor.Stop()
	if retention != nil {
		retention.Stop()
	}
	watcher.Stop()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("API server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return serveErr
}

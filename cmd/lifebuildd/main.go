// Command lifebuildd is the workspace orchestration daemon: it keeps the
// monitored store set converged with the workspace directory and runs due
// recurring tasks through an LLM agent loop, exactly once per scheduled
// execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sociotechnica-org/lifebuild/internal/bus"
	"github.com/sociotechnica-org/lifebuild/internal/config"
	"github.com/sociotechnica-org/lifebuild/internal/doctor"
	"github.com/sociotechnica-org/lifebuild/internal/livestore"
	"github.com/sociotechnica-org/lifebuild/internal/llm"
	"github.com/sociotechnica-org/lifebuild/internal/msgqueue"
	"github.com/sociotechnica-org/lifebuild/internal/orchestrator"
	otelpkg "github.com/sociotechnica-org/lifebuild/internal/otel"
	"github.com/sociotechnica-org/lifebuild/internal/reconcile"
	"github.com/sociotechnica-org/lifebuild/internal/scheduler"
	"github.com/sociotechnica-org/lifebuild/internal/telemetry"
	"github.com/sociotechnica-org/lifebuild/internal/tracker"
	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	home := flag.String("home", "", "daemon home directory (default $LIFEBUILD_HOME or ~/.lifebuild)")
	quiet := flag.Bool("quiet", false, "suppress stdout logging")
	version := flag.Bool("version", false, "print version and exit")
	runDoctor := flag.Bool("doctor", false, "run preflight diagnostics and exit")
	flag.Parse()

	if *version {
		fmt.Println("lifebuildd", Version)
		return
	}

	if *runDoctor {
		if err := diagnose(*home); err != nil {
			fmt.Fprintln(os.Stderr, "lifebuildd:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*home, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "lifebuildd:", err)
		os.Exit(1)
	}
}

func diagnose(home string) error {
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	d := doctor.Run(context.Background(), cfg, Version)
	for _, r := range d.Results {
		fmt.Printf("%-6s %-14s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Printf("       %s\n", r.Detail)
		}
	}
	if !d.Healthy() {
		return fmt.Errorf("diagnostics reported failures")
	}
	return nil
}

func run(home string, quiet bool) error {
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if quiet {
		cfg.Quiet = true
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("lifebuildd starting", "version", Version, "home", cfg.HomeDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProvider, err := otelpkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()
	go pumpMetrics(ctx, eventBus, metrics)

	ledger := tracker.New(cfg.TrackerPath)
	if err := ledger.Initialize(ctx); err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}

	factory := livestore.NewFactory(livestore.FactoryConfig{
		StoreURL:             cfg.Workspace.StoreURL,
		ConnectTimeout:       time.Duration(cfg.Workspace.ConnectTimeoutSeconds) * time.Second,
		MaxReconnectAttempts: cfg.Workspace.MaxReconnectAttempts,
		Logger:               logger,
	})
	directory := livestore.NewDirectory(
		cfg.Workspace.DirectoryURL,
		time.Duration(cfg.Workspace.ConnectTimeoutSeconds)*time.Second,
		logger,
	)

	manager := workspace.NewManager(workspace.ManagerConfig{
		Factory: factory,
		Logger:  logger,
		Bus:     eventBus,
	})

	provider := llm.NewAnthropic(llm.Config{
		APIKey: cfg.LLMAPIKey(),
		Model:  cfg.LLM.Model,
		Logger: logger,
	})
	executor := orchestrator.NewTaskExecutor(orchestrator.TaskExecutorConfig{
		Provider:      provider,
		Logger:        logger,
		Bus:           eventBus,
		Model:         cfg.LLM.Model,
		MaxIterations: cfg.Scheduler.MaxIterations,
	})

	sched := scheduler.New(scheduler.Config{
		Claimer:   ledger,
		Executor:  executor,
		Logger:    logger,
		Bus:       eventBus,
		DueWindow: time.Duration(cfg.Scheduler.DueWindowMinutes) * time.Minute,
	})
	runner := scheduler.NewRunner(scheduler.RunnerConfig{
		Scheduler: sched,
		Stores:    manager,
		Logger:    logger,
		Interval:  cfg.SchedulerInterval(),
	})

	reconciler := reconcile.New(reconcile.Config{
		Directory:    directory,
		Orchestrator: orchestrator.New(manager),
		Logger:       logger,
		Bus:          eventBus,
		Interval:     cfg.ReconcileInterval(),
	})

	queues := msgqueue.NewManager(msgqueue.Config{
		MaxPerConversation: cfg.Queue.MaxPerConversation,
		TTL:                time.Duration(cfg.Queue.TTLSeconds) * time.Second,
		SweepInterval:      time.Duration(cfg.Queue.SweepIntervalSeconds) * time.Second,
		Logger:             logger,
	})
	queues.Start(ctx)
	go pumpTaskActivity(ctx, eventBus, queues, metrics, logger)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config file changed; interval changes apply on restart")
			}
		}()
	}

	reconciler.Start(ctx)
	runner.Start(ctx)
	go cleanupLoop(ctx, sched, cfg.Scheduler.CleanupDays, logger)

	logger.Info("lifebuildd running",
		"directory_url", cfg.Workspace.DirectoryURL,
		"reconcile_interval", cfg.ReconcileInterval(),
		"scan_interval", cfg.SchedulerInterval(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	// Teardown in reverse: stop producing work, then close what it used.
	runner.Stop()
	reconciler.Stop()
	cancel()
	queues.Destroy()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)
	if err := ledger.Close(); err != nil {
		logger.Warn("tracker close failed", "error", err)
	}
	if err := otelProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	logger.Info("lifebuildd stopped")
	return nil
}

// pumpTaskActivity mirrors task lifecycle events into per-store activity
// queues so status consumers can poll recent history.
func pumpTaskActivity(ctx context.Context, eventBus *bus.Bus, queues *msgqueue.Manager, metrics *otelpkg.Metrics, logger *slog.Logger) {
	sub := eventBus.Subscribe("task.")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			lifecycle, ok := ev.Payload.(bus.TaskLifecycleEvent)
			if !ok {
				continue
			}
			err := queues.Enqueue(lifecycle.StoreID, msgqueue.Message{
				ID:        lifecycle.ExecutionID,
				Content:   fmt.Sprintf("%s task=%s", ev.Topic, lifecycle.TaskID),
				Timestamp: time.Now(),
			})
			if err != nil {
				metrics.QueueOverflows.Add(ctx, 1)
				logger.Debug("activity queue full", "store_id", lifecycle.StoreID, "error", err)
				continue
			}
			metrics.QueueDepth.Add(ctx, 1)
		}
	}
}

// cleanupLoop prunes old processed-execution rows once a day.
func cleanupLoop(ctx context.Context, sched *scheduler.Scheduler, days int, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sched.Cleanup(ctx, days)
			if err != nil {
				logger.Warn("tracker cleanup failed", "error", err)
				continue
			}
			logger.Info("tracker cleanup done", "removed", removed, "older_than_days", days)
		}
	}
}

// Tillwatch - Employee fraud detection for point-of-sale fleets.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/tillwatch/internal/api"
	"github.com/opensource-finance/tillwatch/internal/bus"
	"github.com/opensource-finance/tillwatch/internal/catalog"
	"github.com/opensource-finance/tillwatch/internal/config"
	"github.com/opensource-finance/tillwatch/internal/dispatch"
	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/opensource-finance/tillwatch/internal/flags"
	"github.com/opensource-finance/tillwatch/internal/metrics"
	"github.com/opensource-finance/tillwatch/internal/normalize"
	"github.com/opensource-finance/tillwatch/internal/pipeline"
	"github.com/opensource-finance/tillwatch/internal/repository"
	"github.com/opensource-finance/tillwatch/internal/rules"
	"github.com/opensource-finance/tillwatch/internal/telemetry"
	"github.com/opensource-finance/tillwatch/internal/window"
	"github.com/opensource-finance/tillwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("tillwatch exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting tillwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"window", cfg.Window.Type,
		"eventbus", cfg.EventBus.Type,
		"fraud_detection_enabled", cfg.Engine.FraudDetectionEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initializing repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Event bus. Deferred closes run window store, bus, repository.
	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initializing event bus: %w", err)
	}
	defer eventBus.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Window store
	windows, err := window.New(cfg.Window, cfg.Engine.SlidingWindowSize)
	if err != nil {
		return fmt.Errorf("initializing window store: %w", err)
	}
	defer windows.Close()
	if mem, ok := windows.(*window.MemoryStore); ok {
		if err := metrics.RegisterGaugeFunc("window_keys", "Window keys held in memory.", func() float64 {
			return float64(mem.Len())
		}); err != nil {
			slog.Warn("failed to register window gauge", "error", err)
		}
	}
	slog.Info("window store initialized", "type", cfg.Window.Type, "max_entries", cfg.Engine.SlidingWindowSize)

	// Rule evaluator and catalog
	var location *time.Location
	if cfg.Engine.BusinessTimezone != "" {
		location, err = time.LoadLocation(cfg.Engine.BusinessTimezone)
		if err != nil {
			return fmt.Errorf("loading business timezone: %w", err)
		}
	}
	evaluator, err := rules.NewEvaluator(rules.Options{
		Window:     windows,
		Timeout:    time.Duration(cfg.Engine.RuleEngineTimeoutMs) * time.Millisecond,
		MaxWorkers: cfg.Engine.MaxWorkers,
		Location:   location,
	})
	if err != nil {
		return fmt.Errorf("initializing rule evaluator: %w", err)
	}

	ruleCatalog := catalog.New(repo, evaluator)
	loaded, err := ruleCatalog.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if cfg.RulesFile != "" {
		if _, err := ruleCatalog.LoadFile(ctx, cfg.RulesFile); err != nil {
			return fmt.Errorf("seeding rules from %s: %w", cfg.RulesFile, err)
		}
	}
	if loaded == 0 && len(ruleCatalog.EnabledRules()) == 0 {
		slog.Info("no rules configured - add them via PUT /rules/{id}")
	}
	slog.Info("rule catalog initialized",
		"rules", len(ruleCatalog.List(domain.RuleFilter{})),
		"enabled", len(ruleCatalog.EnabledRules()),
	)

	// Flags and actions
	flagStore := flags.NewStore(repo)
	webhooks := dispatch.NewWebhookClient(nil)
	dispatcher := dispatch.New(dispatch.Options{
		Notifier:       dispatch.NewBusNotifier(eventBus, webhooks, cfg.Dispatch.WebhookURL),
		Auditor:        dispatch.NewSlogAuditor(logger),
		Approvals:      dispatch.NewBusApprovalGate(eventBus),
		Webhooks:       webhooks,
		Recorder:       flagStore,
		ActionTimeout:  time.Duration(cfg.Dispatch.ActionTimeoutMs) * time.Millisecond,
		MaxRetries:     cfg.Dispatch.MaxRetries,
		InitialBackoff: time.Duration(cfg.Dispatch.InitialBackoffMs) * time.Millisecond,
	})

	// Pipeline
	p := pipeline.New(pipeline.Deps{
		Normalizer:  normalize.New(normalize.Config{MaxFuture: 5 * time.Minute}),
		Events:      repo,
		Evaluations: repo,
		Rules:       ruleCatalog,
		Evaluator:   evaluator,
		Flags:       flagStore,
		Dispatcher:  dispatcher,
	}, cfg.Engine.FraudDetectionEnabled)

	// Bus ingestion
	var ingest *worker.Worker
	if cfg.EventBus.IngestEnabled {
		ingest = worker.NewWorker(eventBus, p)
		if err := ingest.Start(worker.Config{BranchIDs: cfg.EventBus.IngestBranches}); err != nil {
			return fmt.Errorf("starting ingestion worker: %w", err)
		}
		slog.Info("ingestion worker started", "branches", len(cfg.EventBus.IngestBranches))
	}

	// HTTP server
	srv := api.NewServer(cfg.Server, api.Deps{
		Pipeline:    p,
		Catalog:     ruleCatalog,
		Flags:       flagStore,
		Evaluations: repo,
		Checks: map[string]api.Pinger{
			"repository": repo,
			"window":     windows,
			"event_bus":  eventBus,
		},
		Version: Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	slog.Info("tillwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
	}

	// Stop intake first, then let accepted events finish.
	if ingest != nil {
		if err := ingest.Stop(); err != nil {
			slog.Error("failed to stop ingestion worker", "error", err)
		}
	}

	grace := time.Duration(cfg.Engine.ShutdownGraceMs) * time.Millisecond
	drainCtx, drainCancel := context.WithTimeout(context.Background(), grace)
	defer drainCancel()

	if err := p.Shutdown(drainCtx); err != nil {
		slog.Warn("pipeline drain incomplete", "error", err)
	}
	if err := dispatcher.Wait(drainCtx); err != nil {
		slog.Warn("abandoning action retries", "error", err)
	}
	dispatcher.Close()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("tillwatch shutdown complete")
	return nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                TILLWATCH                  |")
	fmt.Println("  |      POS Employee-Fraud Rule Engine       |")
	fmt.Println("  |        Eyes on every till drawer.         |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:   %s\n", version)
	fmt.Printf("  Server:    http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Detection: %t\n", cfg.Engine.FraudDetectionEnabled)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /events                    - Submit a POS event")
	fmt.Println("    GET  /events/{id}/evaluation    - Evaluation of an event")
	fmt.Println("    GET  /rules                     - List rules")
	fmt.Println("    PUT  /rules/{id}                - Create or update a rule")
	fmt.Println("    POST /rules/{id}/enable|disable - Toggle a rule")
	fmt.Println("    GET  /rules/{id}/versions       - Rule version history")
	fmt.Println("    GET  /flags                     - List fraud flags")
	fmt.Println("    POST /flags/{id}/transitions    - Move a flag through investigation")
	fmt.Println("    GET  /flags/{id}/actions        - Action history of a flag")
	fmt.Println("    GET  /metrics/daily             - Daily exposure and prevented loss")
	fmt.Println("    PUT  /detection                 - Fraud detection kill switch")
	fmt.Println("    GET  /metrics                   - Prometheus metrics")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}

// Billwatch - Medical bill anomaly detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/billwatch/internal/api"
	"github.com/opensource-finance/billwatch/internal/bus"
	"github.com/opensource-finance/billwatch/internal/cache"
	"github.com/opensource-finance/billwatch/internal/config"
	"github.com/opensource-finance/billwatch/internal/domain"
	"github.com/opensource-finance/billwatch/internal/mrp"
	"github.com/opensource-finance/billwatch/internal/repository"
	"github.com/opensource-finance/billwatch/internal/rules"
	"github.com/opensource-finance/billwatch/internal/verdict"
	"github.com/opensource-finance/billwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("BILLWATCH_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	// A local .env never overrides variables already set.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "billwatch: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting billwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"reference", cfg.Reference.Source,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tolerance", cfg.Matcher.Tolerance,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// The index must be complete before the server listens.
	loadStart := time.Now()
	records, err := mrp.LoadDataset(ctx, cfg.Reference.Source, cfg.Reference.Region)
	if err != nil {
		slog.Error("failed to load reference dataset", "source", cfg.Reference.Source, "error", err)
		os.Exit(1)
	}
	index, err := mrp.Build(records)
	if err != nil {
		slog.Error("failed to build reference index", "error", err)
		os.Exit(1)
	}
	stats := index.Stats()
	slog.Info("reference index built",
		"records", stats.Records,
		"entries", stats.Entries,
		"brands", stats.Brands,
		"duplicates", stats.Duplicates,
		"version", stats.Version,
		"duration_ms", time.Since(loadStart).Milliseconds(),
	)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	matcher := mrp.NewCachedMatcher(
		mrp.NewMatcher(index, cfg.Matcher.FuzzyThreshold),
		cacheImpl,
		cfg.Matcher.CacheTTL,
	)

	engine, err := rules.NewEngine(matcher, cfg.Matcher.Tolerance)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load custom rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized",
		"rules_count", engine.RulesCount(),
		"custom_rules", len(engine.GetLoadedRules()),
	)

	processor := verdict.NewProcessor()
	processor.AlertThreshold = cfg.Verdict.AlertThreshold
	analyzer := verdict.NewAnalyzer(engine, processor, index.Version())

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, analyzer)
		if err := asyncWorker.Start(worker.Config{}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			os.Exit(1)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Analyzer:  analyzer,
		Reference: matcher,
		Version:   Version,
		Async:     asyncWorker != nil,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("billwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version, stats)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("billwatch shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadRulesFromDatabase loads stored custom rules. A listing failure is
// logged and the server starts with built-in rules only; a stored rule that
// no longer compiles aborts startup.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	stored, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}
	if len(stored) == 0 {
		slog.Info("no custom rules in database - configure via POST /rules")
		return nil
	}

	slog.Info("loading custom rules from database", "count", len(stored))
	return engine.LoadRules(stored)
}

func printBanner(cfg *domain.Config, version string, stats mrp.Stats) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                BILLWATCH                  |")
	fmt.Println("  |     Medical Bill Anomaly Detection        |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:    %s\n", version)
	fmt.Printf("  Tier:       %s\n", cfg.Tier)
	fmt.Printf("  Server:     http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Reference:  %d entries (%s)\n", stats.Entries, stats.Version)
	fmt.Printf("  Tolerance:  %.2fx MRP\n", cfg.Matcher.Tolerance)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /analyze            - Analyze a bill")
	fmt.Println("    POST   /bills              - Queue a bill for async analysis")
	fmt.Println("    GET    /reference/match    - Look up an item's MRP")
	fmt.Println("    GET    /reference/stats    - Reference index statistics")
	fmt.Println("    GET    /rules              - List rules")
	fmt.Println("    POST   /rules              - Create a custom rule")
	fmt.Println("    DELETE /rules/{id}         - Disable a custom rule")
	fmt.Println("    POST   /rules/reload       - Hot-reload custom rules")
	fmt.Println("    GET    /health             - Health check")
	fmt.Println()
}

// Kestrel - Transaction risk and AML decisioning.
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
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/linkanalysis"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/patterns"
	"github.com/opensource-finance/kestrel/internal/quota"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "Path to a YAML, JSON or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	lookups := cache.NewLookups(cacheImpl, cfg.Cache.LookupTTL, repo, repo, logger)
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// Initialize Rule Engine; the first snapshot is read now so that a
	// broken catalog shows up at startup.
	engine, err := rules.NewEngine(repo, cfg.Rules.RefreshInterval)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	engine.SetLogger(logger)
	if m != nil {
		engine.SetRecorder(m)
	}
	cat, err := engine.Reload(ctx)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	if cat.Len() == 0 {
		slog.Info("no rules in database - configure via POST /rules API")
	}
	slog.Info("rule engine initialized",
		"rules_count", cat.Len(),
		"config_errors", cat.ConfigErrors(),
		"refresh_interval", cfg.Rules.RefreshInterval,
	)

	tracker := velocity.NewTracker(cfg.Velocity.Windows...)
	slog.Info("velocity tracker initialized", "windows", tracker.Windows())

	orchestrator := decision.NewOrchestrator(decision.Dependencies{
		Rules:         engine,
		Velocity:      tracker,
		VelocityRules: repo,
		Links:         linkanalysis.NewAnalyzer(repo, lookups, logger),
		Ledger:        repo,
	}, cfg.Decision)
	orchestrator.SetLogger(logger)
	orchestrator.SetMetrics(m)

	scanner := patterns.NewScanner(patterns.NewDetector(repo, cfg.Patterns), repo, busImpl, logger)
	if m != nil {
		scanner.SetRecorder(m)
	}

	// Async worker for queued decisions and pattern scans
	asyncWorker := worker.NewWorker(busImpl, repo, orchestrator, scanner)
	asyncWorker.SetLogger(logger)
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	deps := api.Dependencies{
		Repo:         repo,
		Cache:        cacheImpl,
		Bus:          busImpl,
		Decider:      orchestrator,
		Rules:        engine,
		Scanner:      scanner,
		Windows:      tracker,
		Lookups:      lookups,
		Plans:        lookups,
		Metrics:      m,
		ScanLookback: cfg.Decision.PatternCaseLookback,
	}

	var quotas *quota.Tracker
	if cfg.Quota.Enabled {
		quotas = quota.NewTracker()
		deps.Quota = quotas
	}

	go sweep(ctx, cfg, quotas, tracker, cacheImpl)

	// Initialize Server
	srv := api.NewServer(cfg.Server, deps, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// sweep drops idle quota, velocity and expired cache state until ctx is done.
func sweep(ctx context.Context, cfg *domain.Config, quotas *quota.Tracker, tracker *velocity.Tracker, lookupCache domain.Cache) {
	quotaEvery := cfg.Quota.SweepInterval
	if quotaEvery <= 0 {
		quotaEvery = time.Minute
	}
	velocityEvery := cfg.Velocity.SweepInterval
	if velocityEvery <= 0 {
		velocityEvery = 10 * time.Minute
	}

	quotaTick := time.NewTicker(quotaEvery)
	defer quotaTick.Stop()
	velocityTick := time.NewTicker(velocityEvery)
	defer velocityTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-quotaTick.C:
			if quotas == nil {
				continue
			}
			if n := quotas.Sweep(now); n > 0 {
				slog.Debug("quota counters swept", "removed", n, "remaining", quotas.Len())
			}
		case now := <-velocityTick.C:
			if n := tracker.Sweep(now); n > 0 {
				slog.Debug("velocity state swept", "removed", n, "remaining", tracker.Len())
			}
			if n := cache.Purge(lookupCache); n > 0 {
				slog.Debug("expired cache entries purged", "removed", n)
			}
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |     Transaction Risk & AML Decisions      |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /decide                   - Decide a transaction")
	fmt.Println("    GET  /decisions/{id}           - Get decision by ID")
	fmt.Println("    GET  /transactions/{id}        - Get transaction by ID")
	fmt.Println("    GET  /rules                    - List active rules")
	fmt.Println("    POST /rules                    - Create or update a rule")
	fmt.Println("    POST /rules/reload             - Hot-reload rules from database")
	fmt.Println("    GET  /velocity-rules           - List velocity rules")
	fmt.Println("    POST /velocity-rules           - Create a velocity rule")
	fmt.Println("    POST /patterns/scan            - Run pattern detectors")
	fmt.Println("    GET  /entities/{id}/detections - List pattern detections")
	fmt.Println("    POST /entities                 - Create or update an entity")
	fmt.Println("    POST /plans                    - Assign a caller plan")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println("    GET  /metrics                  - Prometheus metrics")
	fmt.Println()
}

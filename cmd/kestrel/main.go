// Kestrel - Health-claim fraud scoring that deploys in 60 seconds.
// Copyright (c) 2025 opensource.health
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-health/kestrel/internal/anomaly"
	"github.com/opensource-health/kestrel/internal/api"
	"github.com/opensource-health/kestrel/internal/bus"
	"github.com/opensource-health/kestrel/internal/cache"
	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/intel"
	"github.com/opensource-health/kestrel/internal/repository"
	"github.com/opensource-health/kestrel/internal/rules"
	"github.com/opensource-health/kestrel/internal/scoring"
	"github.com/opensource-health/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if dir := os.Getenv("KESTREL_MODEL_DIR"); dir != "" {
		cfg.Model.Dir = dir
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"model_dir", cfg.Model.Dir,
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
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Load the frozen anomaly model. A missing artifact does not abort
	// startup: the engine stays not-ready and refuses to score until the
	// artifacts are restored and the process restarted.
	var scorer *anomaly.Scorer
	model, err := anomaly.Load(cfg.Model.Dir)
	if err != nil {
		slog.Warn("anomaly model artifacts not loaded, scoring disabled",
			"dir", cfg.Model.Dir,
			"error", err,
		)
		scorer = anomaly.NewScorer(nil)
	} else {
		scorer = anomaly.NewScorer(model)
		slog.Info("anomaly model loaded",
			"trees", len(model.Forest.Trees),
			"dir", cfg.Model.Dir,
		)
	}

	// Initialize Rule Engine with the default rule set
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Seed defaults into the database when absent, then load what the
	// database holds (it may carry operator-patched thresholds).
	if err := seedDefaults(ctx, repo); err != nil {
		slog.Error("failed to seed default configuration", "error", err)
		os.Exit(1)
	}
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize Scoring Service
	service := scoring.NewService(repo, cacheImpl, busImpl, scorer, engine,
		intel.NewProcessor(), cfg.Validation)
	slog.Info("scoring service initialized", "ready", service.Ready())

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, service)

		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, service, Version)

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
		"scoring_ready", service.Ready(),
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
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

	slog.Info("kestrel shutdown complete")
}

// GlobalTenantID scopes rules and threat-band config shared by all tenants.
const GlobalTenantID = domain.GlobalTenantID

// seedDefaults writes the default rule set and threat-band boundaries into
// the database when they are absent. Existing rows are never overwritten:
// operator patches survive restarts.
func seedDefaults(ctx context.Context, repo domain.Repository) error {
	for _, rc := range domain.DefaultRuleConfigs() {
		if _, err := repo.GetRuleConfig(ctx, GlobalTenantID, rc.Key); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		rc.TenantID = GlobalTenantID
		if err := repo.SaveRuleConfig(ctx, GlobalTenantID, rc); err != nil {
			return err
		}
		slog.Info("seeded default rule", "rule_key", rc.Key)
	}

	existing, err := repo.ListSystemConfigs(ctx, GlobalTenantID)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, c := range existing {
		present[c.Key] = true
	}

	bands := domain.DefaultThreatBands()
	defaults := []*domain.SystemConfig{
		{Key: domain.ConfigKeyLowMax, Value: fmt.Sprintf("%d", bands.LowMax), Description: "Upper composite-index bound of the LOW threat band"},
		{Key: domain.ConfigKeyMediumMax, Value: fmt.Sprintf("%d", bands.MediumMax), Description: "Upper composite-index bound of the MEDIUM threat band"},
		{Key: domain.ConfigKeyHighMax, Value: fmt.Sprintf("%d", bands.HighMax), Description: "Upper composite-index bound of the HIGH threat band"},
	}
	for _, c := range defaults {
		if present[c.Key] {
			continue
		}
		if err := repo.SaveSystemConfig(ctx, GlobalTenantID, c); err != nil {
			return err
		}
		slog.Info("seeded default config", "config_key", c.Key, "config_value", c.Value)
	}

	return nil
}

// loadRulesFromDatabase replaces the engine's rule set with the database
// contents so operator-patched thresholds apply from the first request.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database, using defaults", "error", err)
		return nil
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.ReloadRules(dbRules)
	}

	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║       Claim Fraud Scoring Engine          ║")
	fmt.Println("  ║        Eyes on every claim.               ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /score             - Score a claim")
	fmt.Println("    POST  /score/async       - Submit a claim for async scoring")
	fmt.Println("    GET   /claims            - Explore scored claims")
	fmt.Println("    GET   /claims/{id}       - Get claim with verdict")
	fmt.Println("    GET   /verdicts/{id}     - Get verdict by ID")
	fmt.Println("    GET   /analytics/hospitals - Per-hospital loss exposure")
	fmt.Println("    GET   /rules             - List fraud rules")
	fmt.Println("    PATCH /rules/{key}       - Patch rule threshold / enabled flag")
	fmt.Println("    POST  /rules/reload      - Hot-reload rules from database")
	fmt.Println("    GET   /config            - List threat-band boundaries")
	fmt.Println("    PATCH /config/{key}      - Patch a threat-band boundary")
	fmt.Println("    GET   /health            - Health check")
	fmt.Println("    GET   /ready             - Scoring readiness (fail closed)")
	fmt.Println()
}

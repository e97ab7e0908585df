// Command ensemble runs the multi-agent orchestration engine with its
// HTTP control surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	enshttp "github.com/ensembleworks/ensemble/internal/adapter/http"
	"github.com/ensembleworks/ensemble/internal/adapter/litellm"
	ensnats "github.com/ensembleworks/ensemble/internal/adapter/nats"
	ensotel "github.com/ensembleworks/ensemble/internal/adapter/otel"
	"github.com/ensembleworks/ensemble/internal/adapter/postgres"
	"github.com/ensembleworks/ensemble/internal/adapter/ristretto"
	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/logger"
	"github.com/ensembleworks/ensemble/internal/port/broadcast"
	"github.com/ensembleworks/ensemble/internal/port/eventstore"
	"github.com/ensembleworks/ensemble/internal/resilience"
	"github.com/ensembleworks/ensemble/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"complexity_threshold", cfg.Orchestrator.ComplexityThreshold,
		"max_agents", cfg.Orchestrator.MaxConcurrentAgents)

	ctx := context.Background()

	// --- Infrastructure ---

	// PostgreSQL event trail (optional: empty DSN runs in-memory only).
	var store eventstore.Store
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = postgres.NewEventStore(pool)
		log.Info("postgres connected, migrations applied")
	}

	// NATS fan-out (optional: empty URL disables).
	var hub broadcast.Broadcaster = broadcast.Nop{}
	if cfg.NATS.URL != "" {
		bc, err := ensnats.Connect(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = bc.Close() }()
		hub = bc
	}

	// OpenTelemetry metric export (optional: empty endpoint disables).
	shutdownMeter, err := ensotel.InitMeter(ctx, cfg.Logging.Service, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMeter(shutdownCtx); err != nil {
			log.Warn("meter shutdown", "error", err)
		}
	}()

	var om *ensotel.Metrics
	if cfg.Telemetry.Endpoint != "" {
		om, err = ensotel.NewMetrics()
		if err != nil {
			return fmt.Errorf("otel instruments: %w", err)
		}
	}

	// Analysis cache.
	analysisCache, err := ristretto.New(cfg.Cache.MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer analysisCache.Close()

	// Model client behind a circuit breaker.
	modelClient := litellm.NewClient(cfg.Model)
	modelClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---

	analyzer := service.NewCachedAnalyzer(service.NewHeuristicAnalyzer(), analysisCache, cfg.Cache.TTL)
	factory := service.NewAgentFactory()
	coord := service.NewSwarmCoordinator(cfg.Coordinator, hub, store, log)
	executor := service.NewAgentExecutor(modelClient, log)
	registry := service.NewStrategyRegistry(executor, coord, cfg.Coordinator.SequentialRetries, log)
	monitor := service.NewPerformanceMonitor(cfg.Orchestrator.MaxMemoryMB)
	orch := service.NewOrchestrator(cfg.Orchestrator, analyzer, factory, coord, registry, monitor, om, log)

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	// --- HTTP ---

	handlers := enshttp.NewHandlers(orch, coord)
	router := enshttp.NewRouter(handlers, cfg.Server.CORSOrigin)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      15 * time.Minute, // orchestrations are synchronous
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	orch.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

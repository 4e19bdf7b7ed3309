// Package main is the entry point for ingestd, the Celesta event
// ingestion service. It accepts batched learning events from offline
// learner agents, stores them idempotently in the PostgreSQL ledger,
// and serves as the authority on workshop completion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/UzyOrg/celesta/config"
	"github.com/UzyOrg/celesta/internal/infrastructure/persistence/postgres"
	redisinfra "github.com/UzyOrg/celesta/internal/infrastructure/persistence/redis"
	httpserver "github.com/UzyOrg/celesta/internal/interface/http"
	"github.com/UzyOrg/celesta/pkg/logger"
	"github.com/UzyOrg/celesta/pkg/retry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.LoadIngest()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	logOpts := logger.DefaultOptions()
	logOpts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	log := logger.New(logOpts).With(logger.Component("ingestd"))

	log.Info("starting ingestion service",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. DATABASE
	// ─────────────────────────────────────────────────────────────────────────
	dbCfg := postgres.DefaultConfig()
	dbCfg.URL = cfg.Database.URL
	dbCfg.MaxConns = int32(cfg.Database.MaxConns)
	dbCfg.MinConns = int32(cfg.Database.MinConns)
	dbCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	dbCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	dbCfg.ConnectTimeout = cfg.Database.ConnectTimeout

	// The database may still be coming up when we are; retry the
	// initial connection instead of crash-looping.
	var conn *postgres.Connection
	err = retry.DatabaseRetrier().Do(ctx, func(ctx context.Context) error {
		var connErr error
		conn, connErr = postgres.Connect(ctx, dbCfg)
		return connErr
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()
	log.Info("database connection established")

	if err := conn.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database schema is up to date")

	// ─────────────────────────────────────────────────────────────────────────
	// 4. RATE LIMITER (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var limiter httpserver.RateLimiter
	readiness := map[string]httpserver.ReadinessChecker{
		"postgres": conn,
	}

	if !cfg.Redis.Disabled {
		redisCfg := redisinfra.DefaultConfig()
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		limiterCfg := redisinfra.LimiterConfig{
			Limit: int64(cfg.Server.RateLimitPerMinute),
		}

		fw, err := redisinfra.NewFixedWindowLimiter(redisCfg, limiterCfg)
		if err != nil {
			log.Warn("failed to connect to Redis, rate limiting disabled", logger.Err(err))
		} else {
			defer fw.Close()
			limiter = fw
			readiness["redis"] = fw
			log.Info("Redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	serverCfg := httpserver.DefaultConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.IdleTimeout = cfg.Server.IdleTimeout
	serverCfg.APIKeyHashes = cfg.Server.APIKeyHashes

	events := postgres.NewEventRepository(conn)

	server := httpserver.NewServer(serverCfg, httpserver.Dependencies{
		Events:      events,
		Completions: events,
		Aliases:     postgres.NewAliasRepository(conn),
		Limiter:     limiter,
		Readiness:   readiness,
		Logger:      log,
	})

	serverErr := server.StartAsync()
	log.Info("ingestion service is running", logger.String("address", server.Address()))

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	log.Info("shutdown completed successfully")
	return nil
}

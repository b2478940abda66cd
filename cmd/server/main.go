package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/agyle/agencycore/internal/adapter/api"
	"github.com/agyle/agencycore/internal/adapter/executor"
	"github.com/agyle/agencycore/internal/adapter/metrics"
	"github.com/agyle/agencycore/internal/adapter/registry"
	"github.com/agyle/agencycore/internal/adapter/repository/postgres"
	"github.com/agyle/agencycore/internal/adapter/schema"
	"github.com/agyle/agencycore/internal/adapter/settings"
	"github.com/agyle/agencycore/internal/domain"
	"github.com/agyle/agencycore/internal/pkg/config"
	"github.com/agyle/agencycore/internal/pkg/logger"

	_ "github.com/lib/pq" // Keep for postgres driver
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	m := metrics.NewCoreMetrics()

	// --- Start Admin and Metrics Server ---
	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())

	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: adminMux,
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin & metrics server failed", "error", err)
		}
	}()

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Pool Registry ---
	reg := registry.New(registry.Config{
		Host:            cfg.PGHost,
		Port:            cfg.PGPort,
		User:            cfg.PGUser,
		Password:        cfg.PGPassword,
		SSLMode:         cfg.PGSSLMode,
		MainDBName:      cfg.MainDBName,
		TenantDBPrefix:  cfg.TenantDBPrefix,
		MaxOpenConns:    cfg.TenantPoolMaxConns,
		MaxIdleConns:    cfg.TenantPoolMaxIdle,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger, m)
	defer reg.Close()

	mainPool, err := reg.Pool(domain.MainDatabase)
	if err != nil {
		logger.Error("failed to open main database pool", "error", err)
		os.Exit(1)
	}

	// --- Tenant Directory and Schema Provisioner ---
	directory := postgres.NewTenantDirectory(mainPool, logger)
	provisioner := schema.New(reg, directory, logger, m, cfg.SchemaRepairEnabled, cfg.SchemaRepairPerSecond)

	if err := provisioner.EnsureMainSchema(ctx); err != nil {
		logger.Error("failed to ensure main schema", "error", err)
		os.Exit(1)
	}

	// --- Resilient Executor ---
	exec := executor.New(reg, provisioner, logger, m, cfg.QueryTimeout, cfg.QueryMaxRetries)

	// --- Settings Cache and Admission Gate ---
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("could not connect to redis, settings invalidation will be local-only", "error", err)
			redisClient = nil
		}
	}

	settingsSource := postgres.NewSettingsSource(mainPool, logger)
	cache := settings.NewCache(settingsSource, cfg.SettingsCacheTTL, logger, m)
	invalidator := settings.NewInvalidator(redisClient, logger)
	go invalidator.Listen(ctx, cache)

	// --- HTTP Server ---
	router := api.NewRouter(logger, exec, settingsSource, cache, invalidator, m)
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // queries may run up to the execution timeout
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting core server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("core server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down servers...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("core server shutdown failed", "error", err)
	}

	logger.Info("servers shut down gracefully")
}

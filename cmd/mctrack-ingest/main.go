package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/mctrack/mctrack/pkg/archive"
	"github.com/mctrack/mctrack/pkg/config"
	"github.com/mctrack/mctrack/pkg/geoip"
	"github.com/mctrack/mctrack/pkg/ingest"
	"github.com/mctrack/mctrack/pkg/middleware"
	"github.com/mctrack/mctrack/pkg/observability"
	"github.com/mctrack/mctrack/pkg/players"
	"github.com/mctrack/mctrack/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	metrics := observability.NewMetrics(nil)

	db, err := storage.OpenPostgres(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.Migrate(db); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}

	redisClient, err := storage.OpenRedis(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	store := ingest.NewSessionStore(db)
	registry := ingest.NewSessionRegistry(redisClient, cfg.Ingest.SessionRegistryTTL)

	buffer := ingest.NewEventBuffer(store, ingest.BufferConfig{
		MaxSize:       cfg.Ingest.BufferMaxSize,
		FlushInterval: cfg.Ingest.BufferFlushEvery,
		RetainedCap:   cfg.Ingest.BufferRetainedCap,
	}, logger, metrics)

	if cfg.Storage.S3Bucket != "" {
		archiver, err := archive.NewS3Archiver(cfg.Storage, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize session archive")
			os.Exit(1)
		}
		buffer.SetArchiver(archiver)
		logger.WithField("bucket", cfg.Storage.S3Bucket).Info("session archive enabled")
	}

	directory := players.NewDirectory(db, logger)
	upserts := players.NewUpsertQueue(directory,
		cfg.Ingest.UpsertQueueSize, cfg.Ingest.UpsertWorkers, logger, metrics)

	auth := middleware.NewAPIKeyAuth(middleware.NewSQLScopeStore(db), redisClient, logger)
	ratelimit := middleware.NewRateLimiter(redisClient, cfg.Ingest.RateLimitPerMin, logger, metrics)

	server := ingest.NewServer(
		registry, store, buffer, upserts,
		geoip.NewStaticResolver(geoip.UnknownCountry),
		auth, ratelimit, logger, metrics)

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.Handle("/metrics", metrics.Handler())
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	buffer.Start()
	upserts.Start()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	// Intake stops first (via the manager's server shutdown), then the
	// buffer drains, then the upsert queue.
	shutdown.RegisterShutdownFunc(buffer.Stop)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		upserts.Close()
		return nil
	})
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health/metrics server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("ingestion server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("ingestion server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/welldanyogia/leafmail/internal/attachment"
	"github.com/welldanyogia/leafmail/internal/auth"
	"github.com/welldanyogia/leafmail/internal/config"
	"github.com/welldanyogia/leafmail/internal/dedup"
	"github.com/welldanyogia/leafmail/internal/events"
	"github.com/welldanyogia/leafmail/internal/health"
	"github.com/welldanyogia/leafmail/internal/ingest"
	"github.com/welldanyogia/leafmail/internal/logger"
	"github.com/welldanyogia/leafmail/internal/metrics"
	appmw "github.com/welldanyogia/leafmail/internal/middleware"
	"github.com/welldanyogia/leafmail/internal/repository"
	"github.com/welldanyogia/leafmail/internal/storage"
	"github.com/welldanyogia/leafmail/internal/webhook"
)

var version = "dev"

func main() {
	appLogger := logger.New(logger.DefaultConfig())
	slog.SetDefault(appLogger)

	cfg, err := config.Load()
	if err != nil {
		appLogger.Error("Invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appLogger.Info("Starting leafmail webhook server",
		slog.String("version", version),
		slog.Any("allowed_domains", cfg.Ingest.AllowedDomains),
		slog.Bool("auth_configured", cfg.Ingest.AuthConfigured()),
	)
	if cfg.Ingest.AuthDisabled {
		appLogger.Warn("Webhook authentication is DISABLED; every delivery is accepted")
	} else if !cfg.Ingest.AuthConfigured() {
		appLogger.Warn("No webhook authentication method configured; every delivery will be rejected")
	}

	// Identity lookups use the pgx pool; leaf writes go through sqlx
	dbPool, err := setupDatabase(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer dbPool.Close()

	leafDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		appLogger.Error("Failed to open leaf store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer leafDB.Close()
	leafDB.SetMaxOpenConns(20)
	leafDB.SetMaxIdleConns(5)
	leafDB.SetConnMaxLifetime(5 * time.Minute)

	redisClient, err := setupRedis(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	// Storage is optional; without credentials attachments are kept as metadata only
	var storageService *storage.StorageService
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		storageService, err = storage.NewStorageService(&cfg.Storage)
		if err != nil {
			appLogger.Warn("Failed to initialize storage service", slog.String("error", err.Error()))
		} else {
			appLogger.Info("Storage service initialized", slog.String("bucket", cfg.Storage.Bucket))
		}
	}
	var objects attachment.ObjectStore
	if storageService != nil {
		objects = storageService
	}

	identityRepo := repository.NewIdentityRepository(dbPool)
	leafRepo := repository.NewLeafRepo(leafDB)
	publisher := events.NewRedisPublisher(redisClient, cfg.Redis.NotificationsQueue, appLogger)

	ingestService := ingest.NewService(ingest.ServiceConfig{
		Ingest:     cfg.Ingest,
		Identities: identityRepo,
		Leaves:     leafRepo,
		Objects:    objects,
		Dedup:      dedup.NewFilter(redisClient, cfg.Redis.DedupTTL),
		Notifier:   publisher,
		Logger:     appLogger,
	})
	webhookHandler := webhook.NewHandler(ingestService, appLogger)

	// Background jobs
	dbStats := metrics.NewDBStatsCollector(dbPool, leafDB.DB, appLogger)
	dbStats.Start(15 * time.Second)
	defer dbStats.Stop()

	jobs := map[string]health.JobChecker{}
	var cleanupJob *storage.OrphanCleanupJob
	if storageService != nil {
		cleanupJob = storage.NewOrphanCleanupJob(storageService, leafRepo, storage.OrphanCleanupConfigFrom(&cfg.Storage), appLogger)
		if err := cleanupJob.Start(); err != nil {
			appLogger.Warn("Orphan cleanup not started", slog.String("error", err.Error()))
		}
		jobs["orphan_cleanup"] = cleanupJob
	}

	healthChecks := []health.Check{
		{Name: "database", Ping: func(ctx context.Context) error { return metrics.PingDatabase(ctx, dbPool) }, Critical: true},
		{Name: "leaf_store", Ping: leafDB.PingContext, Critical: true},
		{Name: "redis", Ping: publisher.Ping},
	}
	if storageService != nil {
		healthChecks = append(healthChecks, health.Check{Name: "storage", Ping: storageService.Ping})
	}
	healthHandler := health.NewHandler(health.Config{
		Checks:  healthChecks,
		Jobs:    jobs,
		Version: version,
	})

	var rateLimiter *appmw.WebhookRateLimiter
	if cfg.Server.WebhookRateLimit > 0 {
		rateLimiter = appmw.NewWebhookRateLimiter(cfg.Server.WebhookRateLimit)
		defer rateLimiter.Stop()
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	// the IP allow-list must see the socket peer, not forwarded headers
	r.Use(auth.CapturePeerAddr)
	r.Use(middleware.RealIP)
	r.Use(appmw.StructuredLogger(appLogger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Api-Key", "X-Signature", "X-Timestamp", "X-Token"},
		ExposedHeaders: []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	health.RegisterRoutes(r, healthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if rateLimiter != nil {
			r.Use(rateLimiter.Limit)
		}
		webhook.RegisterRoutes(r, webhookHandler, appmw.BodyLimit(cfg.Ingest.MaxEmailSize))
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(appLogger.Handler(), slog.LevelWarn),
	}

	go func() {
		appLogger.Info("HTTP server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}
	if cleanupJob != nil {
		cleanupJob.Stop()
	}

	appLogger.Info("Server exited")
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Connected to database",
		slog.String("database", cfg.Database.DBName),
		slog.String("host", cfg.Database.Host),
	)
	return pool, nil
}

// setupRedis connects the dedup and notification client
func setupRedis(cfg *config.Config, log *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("Connected to Redis",
		slog.String("addr", opts.Addr),
		slog.String("notifications_queue", cfg.Redis.NotificationsQueue),
	)
	return client, nil
}

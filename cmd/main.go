/**
 * @description
 * This is the main entry point for the settlement service.
 * It initializes and wires together all the components of the application,
 * including configuration, database connection, Redis, RabbitMQ, the payment
 * and storage clients, the repository, service, background scheduler, and the
 * HTTP router. Finally, it starts the HTTP server to listen for incoming
 * requests.
 */
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/api"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/app"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/config"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/store"
	"github.com/mtolaru/settlement-showcase-hub-sub000/pkg/rabbitmq"
	"github.com/mtolaru/settlement-showcase-hub-sub000/pkg/storageclient"
	"github.com/mtolaru/settlement-showcase-hub-sub000/pkg/stripeclient"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env for local development; in deployment the environment is set
	// by the platform.
	_ = godotenv.Load()

	// Load application configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up channel to listen for OS signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Establish connection to the PostgreSQL database with connection pool configuration
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}

	// Configure connection pool for high-traffic scenarios
	poolCfg.MaxConns = 100
	poolCfg.MinConns = 20
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// IMPORTANT: Disable prepared statements to work with PgBouncer transaction pooling
	// Use simple protocol to avoid statement cache errors (SQLSTATE 42P05)
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// Redis backs checkout locks and webhook dedup. Both guards degrade
	// gracefully when Redis is unavailable, so a nil client is tolerated.
	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("unable to parse redis URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		logger.Info("redis connection configured")
	} else {
		logger.Warn("REDIS_URL not set, checkout locking and webhook dedup run unguarded")
	}

	// RabbitMQ carries lifecycle events for downstream consumers. The
	// service stays up without it.
	var events rabbitmq.Publisher
	if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq unavailable, lifecycle events disabled", "error", err)
		events = &rabbitmq.EventProducerFallback{}
	} else {
		defer producer.Close()
		events = producer
	}

	payments := stripeclient.NewClient(cfg.PaymentAPIBaseURL, cfg.PaymentAPIKey)
	storage := storageclient.NewClient(cfg.StorageAPIBaseURL, cfg.StorageAPIKey, cfg.StorageBucket)

	// Initialize application layers
	repository := store.NewPostgresRepository(dbpool)
	locks := app.NewRedisCheckoutLocks(redisClient, "checkout")
	dedup := app.NewRedisEventDeduper(redisClient, "webhook")
	service := app.NewService(repository, payments, locks, dedup, events, storage, cfg.SubscriptionPriceID, cfg.PublicBaseURL)
	handler := api.NewHandler(service, cfg.PaymentWebhookSecret)
	router := api.NewRouter(handler, cfg.AuthJWKSURL)

	// Background sweeps: stale draft reconciliation, subscription expiry,
	// photo audit.
	jobs := app.NewJobs(service, repository, storage, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()
	defer scheduler.Stop()

	// Configure and start the HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for an OS signal
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	// Create a context with a timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Attempt to gracefully shut down the server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payment allocation server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment, flags)
  2. Open the store (SQLite or PostgreSQL)
  3. Pick the counterparty locker (Redis or in-process)
  4. Pick the event publisher (Kafka or none)
  5. Build the orchestrator, handler and router
  6. Start the reconciliation scheduler when an interval is set
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      Database path or DSN (overrides DB_DSN)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and drain async allocations
  4. Close publisher and database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/payments.db"

  # PostgreSQL, Redis locks, Kafka events
  DB_DRIVER=postgres DB_DSN=postgres://localhost/payments?sslmode=disable \
  REDIS_ADDRESS=localhost:6379 KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/payment-allocator/api"
	"github.com/warp/payment-allocator/config"
	"github.com/warp/payment-allocator/engine"
	"github.com/warp/payment-allocator/events/kafka"
	"github.com/warp/payment-allocator/lock/redislock"
	"github.com/warp/payment-allocator/store/postgres"
	"github.com/warp/payment-allocator/store/sqlite"
	"github.com/warp/payment-allocator/store/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbDSN := flag.String("db", cfg.DBDSN, "Database path (sqlite) or DSN (postgres)")
	flag.Parse()
	cfg.Port = *port
	cfg.DBDSN = *dbDSN

	logger, err := config.NewLogger(cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize store
	store, err := openStore(cfg)
	if err != nil {
		config.LogError(logger, "main", "openStore", "failed to initialize database", cfg.DBDriver, err)
		os.Exit(1)
	}
	defer store.Close()

	orch := engine.NewOrchestrator(store)
	orch.Logger = logger

	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			config.LogError(logger, "main", "redis", "failed to connect to redis", cfg.RedisAddress, err)
			os.Exit(1)
		}
		orch.Locker = redislock.New(rdb, redislock.Options{TTL: cfg.LockTTL, Logger: logger})
		logger.WithField("addr", cfg.RedisAddress).Info("using redis counterparty locks")
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		defer pub.Close()
		orch.Publisher = pub
		logger.WithField("brokers", cfg.KafkaBrokers).Info("publishing events to kafka")
	}

	// Initialize handler
	handler := api.NewHandler(store, orch, logger)
	handler.Async = cfg.AsyncAllocation

	scheduler := api.NewReconciliationScheduler(orch, store, logger)
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"driver": cfg.DBDriver,
			"async":  cfg.AsyncAllocation,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}
	scheduler.Stop()
	handler.Wait()

	logger.Info("server stopped")
}

func openStore(cfg config.Config) (*sqlstore.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return postgres.New(cfg.DBDSN)
	default:
		return sqlite.New(cfg.DBDSN)
	}
}

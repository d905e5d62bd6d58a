package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/message-pipeline/internal/api"
	"github.com/ignite/message-pipeline/internal/config"
	"github.com/ignite/message-pipeline/internal/events"
	"github.com/ignite/message-pipeline/internal/pipeline"
	"github.com/ignite/message-pipeline/internal/pipeline/queue"
	"github.com/ignite/message-pipeline/internal/pkg/distlock"
	"github.com/ignite/message-pipeline/internal/repository/postgres"

	_ "github.com/lib/pq"
)

func main() {
	log.Println("Starting pipeline API server...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}
	log.Println("Connected to database")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	jobs := postgres.NewJobRepo(db)
	failures := postgres.NewFailureRepo(db)
	runs := postgres.NewRunRepo(db)
	contacts := postgres.NewContactRepo(db)

	bus := events.NewBus(rdb)
	stats := pipeline.NewStats(runs, jobs, bus)

	var broker *queue.Broker
	var tenantCfgs *queue.TenantConfigs
	if cfg.Pipeline.BrokerEnabled() {
		broker = queue.NewBroker(rdb, cfg.Pipeline.MaxRetries)
		tenantCfgs = queue.NewTenantConfigs(rdb, queue.TenantConfig{
			Priority:           cfg.Queue.DefaultPriority,
			DelayMs:            cfg.Queue.DefaultDelayMs,
			MaxConcurrent:      cfg.Queue.DefaultMaxConcurrent,
			RateLimitPerSecond: cfg.Queue.DefaultRateLimitPerSecond,
		})
		log.Println("Queue broker enabled")
	} else {
		log.Println("Queue broker disabled, workers poll the database")
	}

	newLock := func(key string, ttl time.Duration) pipeline.Lock {
		return distlock.NewLock(rdb, db, key, ttl)
	}
	producer := pipeline.NewProducer(jobs, broker, tenantCfgs, bus, newLock, cfg.Pipeline.EnqueueBatchSize)
	reconciler := pipeline.NewReconciler(jobs, contacts, failures, bus, cfg.Webhook.VerificationKey)

	handlers := api.NewHandlers(jobs, failures, stats, producer, broker, tenantCfgs)
	webhook := api.NewWebhookHandler(reconciler)
	server := api.NewServer(cfg.Server, handlers, webhook)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("API server listening on %s", addr)
		errCh <- server.ListenAndServe(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-quit:
		log.Printf("Received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}
	log.Println("API server stopped")
}

package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/message-pipeline/internal/config"
	"github.com/ignite/message-pipeline/internal/events"
	"github.com/ignite/message-pipeline/internal/pipeline"
	"github.com/ignite/message-pipeline/internal/pipeline/queue"
	"github.com/ignite/message-pipeline/internal/pipeline/sender"
	"github.com/ignite/message-pipeline/internal/pkg/httpretry"
	"github.com/ignite/message-pipeline/internal/repository/postgres"
	"github.com/ignite/message-pipeline/internal/template"

	_ "github.com/lib/pq"
)

func main() {
	log.Println("Starting pipeline worker...")

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
	renderer := template.NewRenderer(postgres.NewTemplateRepo(db))

	bus := events.NewBus(rdb)
	stats := pipeline.NewStats(runs, jobs, bus)
	senders := buildSenders(cfg)
	processor := pipeline.NewProcessor(jobs, contacts, renderer, senders, stats, failures, bus, cfg.Pipeline.MaxRetries)

	ctx := context.Background()

	var broker *queue.Broker
	var pool *pipeline.BrokerPool
	var poller *pipeline.Poller
	if cfg.Pipeline.BrokerEnabled() {
		broker = queue.NewBroker(rdb, cfg.Pipeline.MaxRetries)
		pool = pipeline.NewBrokerPool(broker, processor, cfg.Pipeline.WorkerConcurrency)
		pool.Start(ctx)
		log.Printf("Broker pool started with %d workers", cfg.Pipeline.WorkerConcurrency)
	} else {
		poller = pipeline.NewPoller(processor, cfg.Pipeline.WorkerConcurrency,
			cfg.Pipeline.PollInterval(), cfg.Pipeline.RetryInterval())
		poller.Start(ctx)
		log.Printf("Database poller started with %d workers", cfg.Pipeline.WorkerConcurrency)
	}

	retry := pipeline.NewRetryController(jobs, processor, broker, bus,
		cfg.Pipeline.RetryPollInterval(), cfg.Pipeline.RetryInterval(),
		cfg.Pipeline.BackoffMultiplier, cfg.Pipeline.MaxRetries,
		cfg.Pipeline.StuckThreshold())
	retry.Start(ctx)
	log.Println("Retry controller started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received %s, shutting down", sig)

	retry.Stop()
	if pool != nil {
		pool.Stop()
	}
	if poller != nil {
		poller.Stop()
	}
	log.Println("Worker stopped")
}

// buildSenders registers one sender per enabled channel. Jobs for
// channels without a registered sender fail with a permanent error.
func buildSenders(cfg *config.Config) *sender.Registry {
	var senders []sender.Sender
	if cfg.SES.Enabled {
		senders = append(senders, sender.NewEmailSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region))
		log.Printf("Email sender enabled (SES %s)", cfg.SES.Region)
	}
	if cfg.SMS.Enabled {
		client := httpretry.NewRetryClient(&http.Client{Timeout: cfg.SMS.Timeout()}, 3)
		senders = append(senders, sender.NewSMSSender(cfg.SMS.BaseURL, cfg.SMS.APIKey, client))
		log.Println("SMS sender enabled")
	}
	if cfg.WhatsApp.Enabled {
		client := httpretry.NewRetryClient(&http.Client{Timeout: cfg.WhatsApp.Timeout()}, 3)
		senders = append(senders, sender.NewWhatsAppSender(cfg.WhatsApp.BaseURL, cfg.WhatsApp.APIKey, client))
		log.Println("WhatsApp sender enabled")
	}
	if cfg.Push.Enabled {
		client := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Push.Timeout()}, 3)
		senders = append(senders, sender.NewPushSender(cfg.Push.BaseURL, cfg.Push.APIKey, client))
		log.Println("Push sender enabled")
	}
	if len(senders) == 0 {
		log.Println("WARNING: no senders enabled, all jobs will fail permanently")
	}
	return sender.NewRegistry(senders...)
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Queue    QueueConfig    `yaml:"queue"`
	SES      SESConfig      `yaml:"ses"`
	SMS      GatewayConfig  `yaml:"sms"`
	WhatsApp GatewayConfig  `yaml:"whatsapp"`
	Push     GatewayConfig  `yaml:"push"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis connection settings for the queue broker,
// the event bus, and distributed locks.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns the host:port address for the Redis client
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PipelineConfig holds retry, worker, and dispatcher settings.
type PipelineConfig struct {
	// UseBroker selects the Redis queue broker. When false, workers
	// poll the database directly. Defaults to true; see BrokerEnabled.
	UseBroker *bool `yaml:"use_broker"`

	MaxRetries          int     `yaml:"max_retries"`
	RetryIntervalMs     int     `yaml:"retry_interval_ms"`
	BackoffMultiplier   float64 `yaml:"backoff_multiplier"`
	RetryPollIntervalMs int     `yaml:"retry_poll_interval_ms"`

	// WorkerConcurrency bounds simultaneous job processing per process.
	WorkerConcurrency int `yaml:"worker_concurrency"`
	// PollIntervalMs is how often the database poller looks for work
	// when the broker is disabled.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// StuckThresholdMinutes: PROCESSING jobs older than this are
	// reaped back to FAILED by the retry controller.
	StuckThresholdMinutes int `yaml:"stuck_threshold_minutes"`

	// EnqueueBatchSize caps how many jobs a single producer batch
	// inserts per bulk copy.
	EnqueueBatchSize int `yaml:"enqueue_batch_size"`
}

// BrokerEnabled reports whether the Redis broker drives workers.
// Unset means enabled; polling mode is the explicit opt-out.
func (c PipelineConfig) BrokerEnabled() bool {
	return c.UseBroker == nil || *c.UseBroker
}

// RetryInterval returns the base retry delay as a duration
func (c PipelineConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMs) * time.Millisecond
}

// RetryPollInterval returns the retry controller tick as a duration
func (c PipelineConfig) RetryPollInterval() time.Duration {
	return time.Duration(c.RetryPollIntervalMs) * time.Millisecond
}

// PollInterval returns the database poller tick as a duration
func (c PipelineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StuckThreshold returns the reaper cutoff as a duration
func (c PipelineConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMinutes) * time.Minute
}

// QueueConfig holds default per-tenant queue settings. Tenants without
// an explicit override in Redis get these values.
type QueueConfig struct {
	DefaultPriority           int `yaml:"default_priority"`
	DefaultDelayMs            int `yaml:"default_delay_ms"`
	DefaultMaxConcurrent      int `yaml:"default_max_concurrent"`
	DefaultRateLimitPerSecond int `yaml:"default_rate_limit_per_second"`
}

// SESConfig holds AWS SES API configuration for the email sender
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GatewayConfig holds an HTTP gateway provider (SMS, WhatsApp, push)
type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WebhookConfig holds delivery webhook settings
type WebhookConfig struct {
	// VerificationKey is the base64 HMAC key for signature checks.
	// Empty disables verification (local development only).
	VerificationKey string `yaml:"verification_key"`
}

// Load reads and parses the configuration file. A missing file is not
// an error: defaults plus environment overrides are a complete config.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.RetryIntervalMs == 0 {
		cfg.Pipeline.RetryIntervalMs = 60000
	}
	if cfg.Pipeline.BackoffMultiplier == 0 {
		cfg.Pipeline.BackoffMultiplier = 2
	}
	if cfg.Pipeline.RetryPollIntervalMs == 0 {
		cfg.Pipeline.RetryPollIntervalMs = 30000
	}
	if cfg.Pipeline.WorkerConcurrency == 0 {
		cfg.Pipeline.WorkerConcurrency = 10
	}
	if cfg.Pipeline.PollIntervalMs == 0 {
		cfg.Pipeline.PollIntervalMs = 1000
	}
	if cfg.Pipeline.StuckThresholdMinutes == 0 {
		cfg.Pipeline.StuckThresholdMinutes = 10
	}
	if cfg.Pipeline.EnqueueBatchSize == 0 {
		cfg.Pipeline.EnqueueBatchSize = 1000
	}
	if cfg.Queue.DefaultPriority == 0 {
		cfg.Queue.DefaultPriority = 5
	}
	if cfg.Queue.DefaultMaxConcurrent == 0 {
		cfg.Queue.DefaultMaxConcurrent = 50
	}
	if cfg.Queue.DefaultRateLimitPerSecond == 0 {
		cfg.Queue.DefaultRateLimitPerSecond = 100
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SMS.TimeoutSeconds == 0 {
		cfg.SMS.TimeoutSeconds = 30
	}
	if cfg.WhatsApp.TimeoutSeconds == 0 {
		cfg.WhatsApp.TimeoutSeconds = 30
	}
	if cfg.Push.TimeoutSeconds == 0 {
		cfg.Push.TimeoutSeconds = 30
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Redis.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Redis.Port = p
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// Pipeline overrides
	for _, key := range []string{"PIPELINE_USE_BROKER", "PIPELINE_USE_BULLMQ"} {
		if v := os.Getenv(key); v != "" {
			enabled := v == "true" || v == "1"
			cfg.Pipeline.UseBroker = &enabled
		}
	}
	if v := os.Getenv("PIPELINE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.MaxRetries = n
		}
	}
	if v := os.Getenv("PIPELINE_RETRY_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.RetryIntervalMs = n
		}
	}
	if v := os.Getenv("PIPELINE_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Pipeline.BackoffMultiplier = f
		}
	}
	if v := os.Getenv("PIPELINE_RETRY_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.RetryPollIntervalMs = n
		}
	}
	if v := os.Getenv("PIPELINE_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.WorkerConcurrency = n
		}
	}

	// Sender credentials
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if v := os.Getenv("SMS_GATEWAY_URL"); v != "" {
		cfg.SMS.BaseURL = v
	}
	if v := os.Getenv("SMS_GATEWAY_API_KEY"); v != "" {
		cfg.SMS.APIKey = v
	}
	if v := os.Getenv("WHATSAPP_GATEWAY_URL"); v != "" {
		cfg.WhatsApp.BaseURL = v
	}
	if v := os.Getenv("WHATSAPP_GATEWAY_API_KEY"); v != "" {
		cfg.WhatsApp.APIKey = v
	}
	if v := os.Getenv("PUSH_GATEWAY_URL"); v != "" {
		cfg.Push.BaseURL = v
	}
	if v := os.Getenv("PUSH_GATEWAY_API_KEY"); v != "" {
		cfg.Push.APIKey = v
	}

	if v := os.Getenv("EMAIL_WEBHOOK_VERIFICATION_KEY"); v != "" {
		cfg.Webhook.VerificationKey = v
	}

	return cfg, nil
}

package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// TenantConfig holds the per-tenant scheduling knobs. Zero values fall
// back to the defaults carried by the TenantConfigs store.
type TenantConfig struct {
	// Priority orders ready jobs, 1-10, lower is earlier.
	Priority int `json:"priority"`
	// DelayMs is the base delay added to every job.
	DelayMs int `json:"delay_ms"`
	// MaxConcurrent caps in-flight jobs for the tenant.
	MaxConcurrent int `json:"max_concurrent"`
	// RateLimitPerSecond spaces batch enqueues. 0 means no limit.
	RateLimitPerSecond int `json:"rate_limit_per_second"`
}

// DefaultTenantConfig returns the stock configuration applied to
// tenants without an explicit override.
func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		Priority:           5,
		DelayMs:            0,
		MaxConcurrent:      50,
		RateLimitPerSecond: 100,
	}
}

// TenantConfigs persists per-tenant overrides in a Redis hash so every
// producer and worker process sees the same values.
type TenantConfigs struct {
	redis    *redis.Client
	defaults TenantConfig
}

// NewTenantConfigs creates the store. The defaults are returned for
// tenants without an override and fill zero-valued fields.
func NewTenantConfigs(client *redis.Client, defaults TenantConfig) *TenantConfigs {
	if defaults.Priority == 0 {
		defaults.Priority = 5
	}
	if defaults.MaxConcurrent == 0 {
		defaults.MaxConcurrent = 50
	}
	return &TenantConfigs{redis: client, defaults: defaults}
}

func tenantConfigKey(tenantID string) string {
	return fmt.Sprintf("pipeline:tenant_config:%s", tenantID)
}

// Get returns the tenant's configuration, falling back to defaults for
// missing tenants and missing fields.
func (tc *TenantConfigs) Get(ctx context.Context, tenantID string) (TenantConfig, error) {
	vals, err := tc.redis.HGetAll(ctx, tenantConfigKey(tenantID)).Result()
	if err != nil {
		return tc.defaults, fmt.Errorf("tenant config read: %w", err)
	}
	cfg := tc.defaults
	if v, ok := vals["priority"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 10 {
			cfg.Priority = n
		}
	}
	if v, ok := vals["delay_ms"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.DelayMs = n
		}
	}
	if v, ok := vals["max_concurrent"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
	if v, ok := vals["rate_limit_per_second"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RateLimitPerSecond = n
		}
	}
	return cfg, nil
}

// Set stores an override for the tenant.
func (tc *TenantConfigs) Set(ctx context.Context, tenantID string, cfg TenantConfig) error {
	if cfg.Priority < 1 || cfg.Priority > 10 {
		return fmt.Errorf("priority must be 1-10, got %d", cfg.Priority)
	}
	if cfg.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", cfg.MaxConcurrent)
	}
	return tc.redis.HSet(ctx, tenantConfigKey(tenantID), map[string]interface{}{
		"priority":              cfg.Priority,
		"delay_ms":              cfg.DelayMs,
		"max_concurrent":        cfg.MaxConcurrent,
		"rate_limit_per_second": cfg.RateLimitPerSecond,
	}).Err()
}

// Clear removes the tenant's override so defaults apply again.
func (tc *TenantConfigs) Clear(ctx context.Context, tenantID string) error {
	return tc.redis.Del(ctx, tenantConfigKey(tenantID)).Err()
}

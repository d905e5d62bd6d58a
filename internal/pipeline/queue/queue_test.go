package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/message-pipeline/internal/domain"
)

func setupBroker(t *testing.T) (*Broker, *TenantConfigs, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBroker(client, 0), NewTenantConfigs(client, DefaultTenantConfig()), client
}

func jobs(tenantID string, ids ...string) []*domain.PipelineJob {
	out := make([]*domain.PipelineJob, 0, len(ids))
	for _, id := range ids {
		out = append(out, &domain.PipelineJob{ID: id, TenantID: tenantID})
	}
	return out
}

func TestEnqueueAndClaim(t *testing.T) {
	b, _, _ := setupBroker(t)
	ctx := context.Background()

	cfg := DefaultTenantConfig()
	cfg.RateLimitPerSecond = 0 // no spacing, everything due now
	if err := b.EnqueueBulk(ctx, jobs("t1", "j1"), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	c, err := b.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c == nil {
		t.Fatal("expected a claimed job")
	}
	if c.JobID != "j1" || c.TenantID != "t1" || c.Attempts != 1 {
		t.Errorf("claimed = %+v", c)
	}

	// Queue is drained.
	if c2, _ := b.Claim(ctx); c2 != nil {
		t.Errorf("expected empty queue, claimed %+v", c2)
	}
}

func TestEnqueueIsIdempotentPerJobID(t *testing.T) {
	b, _, client := setupBroker(t)
	ctx := context.Background()

	cfg := DefaultTenantConfig()
	cfg.RateLimitPerSecond = 0
	if err := b.EnqueueBulk(ctx, jobs("t1", "j1"), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Re-enqueue the same id with a huge delay: must not move the job.
	cfg.DelayMs = 60000
	if err := b.EnqueueBulk(ctx, jobs("t1", "j1"), cfg); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	if n, _ := client.ZCard(ctx, scheduledKey).Result(); n != 1 {
		t.Fatalf("scheduled count = %d, want 1", n)
	}
	// Still claimable now (original zero-delay score kept).
	c, err := b.Claim(ctx)
	if err != nil || c == nil {
		t.Fatalf("claim after re-enqueue: %v %v", c, err)
	}
}

func TestDelayedJobNotClaimableYet(t *testing.T) {
	b, _, _ := setupBroker(t)
	ctx := context.Background()

	cfg := DefaultTenantConfig()
	cfg.RateLimitPerSecond = 0
	cfg.DelayMs = 60000
	if err := b.EnqueueBulk(ctx, jobs("t1", "j1"), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	c, err := b.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c != nil {
		t.Fatalf("claimed delayed job early: %+v", c)
	}
}

func TestTenantConcurrencyCap(t *testing.T) {
	b, configs, _ := setupBroker(t)
	ctx := context.Background()

	cfg := DefaultTenantConfig()
	cfg.MaxConcurrent = 1
	cfg.RateLimitPerSecond = 0
	if err := configs.Set(ctx, "t1", cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := b.EnqueueBulk(ctx, jobs("t1", "j1", "j2"), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := b.Claim(ctx)
	if err != nil || first == nil {
		t.Fatalf("first claim: %v %v", first, err)
	}
	// Cap of 1: second claim is refused while j1 is in flight.
	if c, _ := b.Claim(ctx); c != nil {
		t.Fatalf("cap ignored, claimed %+v", c)
	}

	if err := b.Complete(ctx, *first, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, err := b.Claim(ctx)
	if err != nil || second == nil {
		t.Fatalf("claim after release: %v %v", second, err)
	}
	if second.JobID != "j2" {
		t.Errorf("claimed %s, want j2", second.JobID)
	}
}

func TestRescheduleKeepsAttemptCount(t *testing.T) {
	b, _, _ := setupBroker(t)
	ctx := context.Background()

	cfg := DefaultTenantConfig()
	cfg.RateLimitPerSecond = 0
	if err := b.EnqueueBulk(ctx, jobs("t1", "j1"), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	c1, _ := b.Claim(ctx)
	if c1 == nil || c1.Attempts != 1 {
		t.Fatalf("first claim = %+v", c1)
	}
	if err := b.Reschedule(ctx, *c1, cfg.Priority, 0); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	c2, _ := b.Claim(ctx)
	if c2 == nil || c2.Attempts != 2 {
		t.Fatalf("second claim = %+v", c2)
	}
}

func TestRetryResetsAttempts(t *testing.T) {
	b, _, _ := setupBroker(t)
	ctx := context.Background()

	cfg := DefaultTenantConfig()
	cfg.RateLimitPerSecond = 0
	if err := b.EnqueueBulk(ctx, jobs("t1", "j1"), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	c, _ := b.Claim(ctx)
	if err := b.Complete(ctx, *c, "provider 500"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := b.Retry(ctx, "t1", "j1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	again, _ := b.Claim(ctx)
	if again == nil {
		t.Fatal("expected retried job")
	}
	if again.Attempts != 1 {
		t.Errorf("attempts after manual retry = %d, want 1", again.Attempts)
	}
}

func TestObserveAndHistory(t *testing.T) {
	b, _, _ := setupBroker(t)
	ctx := context.Background()

	cfg := DefaultTenantConfig()
	cfg.RateLimitPerSecond = 0
	if err := b.EnqueueBulk(ctx, jobs("t1", "j1", "j2", "j3"), cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	c1, _ := b.Claim(ctx)
	if err := b.Complete(ctx, *c1, ""); err != nil {
		t.Fatalf("complete ok: %v", err)
	}
	c2, _ := b.Claim(ctx)
	if err := b.Complete(ctx, *c2, "hard bounce"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	c3, _ := b.Claim(ctx)

	obs, err := b.Observe(ctx)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if obs.Scheduled != 0 {
		t.Errorf("scheduled = %d, want 0", obs.Scheduled)
	}
	if obs.InflightByTenant["t1"] != 1 {
		t.Errorf("inflight = %v, want t1:1", obs.InflightByTenant)
	}
	if obs.CompletedCount != 1 || len(obs.RecentCompleted) != 1 || obs.RecentCompleted[0].JobID != c1.JobID {
		t.Errorf("completed history = %d %v", obs.CompletedCount, obs.RecentCompleted)
	}
	if obs.FailedCount != 1 || len(obs.RecentFailed) != 1 || obs.RecentFailed[0].Error != "hard bounce" {
		t.Errorf("failed history = %d %v", obs.FailedCount, obs.RecentFailed)
	}
	_ = c3
}

func TestDelaySpacing(t *testing.T) {
	cfg := TenantConfig{RateLimitPerSecond: 100, DelayMs: 50}
	// ceil(1000/100) = 10ms per position.
	if d := delayFor(0, cfg); d != 50*time.Millisecond {
		t.Errorf("position 0 delay = %s", d)
	}
	if d := delayFor(7, cfg); d != 120*time.Millisecond {
		t.Errorf("position 7 delay = %s", d)
	}

	// No rate limit: base delay only.
	cfg = TenantConfig{RateLimitPerSecond: 0, DelayMs: 30}
	if d := delayFor(99, cfg); d != 30*time.Millisecond {
		t.Errorf("unlimited delay = %s", d)
	}
}

func TestBackoffDoubles(t *testing.T) {
	b, _, _ := setupBroker(t)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := b.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestTenantConfigDefaultsAndOverrides(t *testing.T) {
	_, configs, _ := setupBroker(t)
	ctx := context.Background()

	cfg, err := configs.Get(ctx, "unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cfg != DefaultTenantConfig() {
		t.Errorf("defaults = %+v", cfg)
	}

	override := TenantConfig{Priority: 2, DelayMs: 10, MaxConcurrent: 5, RateLimitPerSecond: 20}
	if err := configs.Set(ctx, "t1", override); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := configs.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != override {
		t.Errorf("override = %+v, want %+v", got, override)
	}

	if err := configs.Clear(ctx, "t1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = configs.Get(ctx, "t1")
	if got != DefaultTenantConfig() {
		t.Errorf("after clear = %+v", got)
	}

	if err := configs.Set(ctx, "t1", TenantConfig{Priority: 11, MaxConcurrent: 5}); err == nil {
		t.Error("expected priority validation error")
	}
}

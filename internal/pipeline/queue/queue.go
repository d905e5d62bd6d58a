// Package queue implements the durable work broker for pipeline jobs
// on Redis: a delayed-delivery scheduled set with per-tenant priority,
// rate-limit spacing, concurrency caps, bounded attempts, and a visible
// history of recent completions and failures.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/message-pipeline/internal/domain"
)

const (
	scheduledKey = "pipeline:scheduled"
	attemptsKey  = "pipeline:attempts"
	tenantsKey   = "pipeline:tenants"
	completedKey = "pipeline:history:completed"
	failedKey    = "pipeline:history:failed"

	inflightKeyPrefix = "pipeline:inflight:"

	// Broker-visible history bounds.
	completedHistoryMax = 1000
	failedHistoryMax    = 5000

	// Default retry policy: 3 attempts, exponential backoff from 2s.
	DefaultMaxAttempts = 3
	backoffBase        = 2 * time.Second

	claimScanLimit = 25
)

// Lua script for atomically claiming the next due job. Walks due
// members in score order and takes the first whose tenant is under its
// concurrency cap. Claiming removes the member, bumps the tenant's
// in-flight counter, and counts the attempt.
const claimLuaScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
for i, member in ipairs(due) do
    local sep = string.find(member, "|", 1, true)
    if sep then
        local tenant = string.sub(member, 1, sep - 1)
        local cap = tonumber(redis.call("HGET", "pipeline:tenant_config:" .. tenant, "max_concurrent") or ARGV[2])
        local inflightKey = "pipeline:inflight:" .. tenant
        local inflight = tonumber(redis.call("GET", inflightKey) or "0")
        if inflight < cap then
            redis.call("ZREM", KEYS[1], member)
            redis.call("INCR", inflightKey)
            local attempts = redis.call("HINCRBY", KEYS[2], member, 1)
            return {member, attempts}
        end
    end
end
return false
`

// Lua script for releasing an in-flight slot without going negative.
const releaseLuaScript = `
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v > 0 then
    return redis.call("DECR", KEYS[1])
end
return 0
`

// Claimed identifies a job taken off the queue by a worker.
type Claimed struct {
	JobID    string
	TenantID string
	// Attempts counts claims of this job including the current one.
	Attempts int
}

// HistoryEntry is one record in the broker's completed/failed history.
type HistoryEntry struct {
	JobID    string    `json:"job_id"`
	TenantID string    `json:"tenant_id"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Observation is the read-only dashboard projection of broker state.
type Observation struct {
	Scheduled        int64            `json:"scheduled"`
	InflightByTenant map[string]int64 `json:"inflight_by_tenant"`
	CompletedCount   int64            `json:"completed_count"`
	FailedCount      int64            `json:"failed_count"`
	RecentCompleted  []HistoryEntry   `json:"recent_completed"`
	RecentFailed     []HistoryEntry   `json:"recent_failed"`
}

// Broker is the Redis-backed job queue.
type Broker struct {
	redis       *redis.Client
	maxAttempts int

	claimScript   *redis.Script
	releaseScript *redis.Script
}

// NewBroker creates a broker with pre-compiled claim scripts.
// maxAttempts <= 0 selects the default of 3.
func NewBroker(client *redis.Client, maxAttempts int) *Broker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Broker{
		redis:         client,
		maxAttempts:   maxAttempts,
		claimScript:   redis.NewScript(claimLuaScript),
		releaseScript: redis.NewScript(releaseLuaScript),
	}
}

// MaxAttempts returns the bounded-attempts policy for this broker.
func (b *Broker) MaxAttempts() int { return b.maxAttempts }

func member(tenantID, jobID string) string {
	return tenantID + "|" + jobID
}

func parseMember(m string) (tenantID, jobID string, ok bool) {
	i := strings.IndexByte(m, '|')
	if i < 0 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}

// delayFor computes the scheduling delay for the n-th job of a batch
// under the tenant's rate limit.
func delayFor(position int, cfg TenantConfig) time.Duration {
	base := time.Duration(cfg.DelayMs) * time.Millisecond
	if cfg.RateLimitPerSecond <= 0 {
		return base
	}
	spacing := int(math.Ceil(1000 / float64(cfg.RateLimitPerSecond)))
	d := time.Duration(position*spacing) * time.Millisecond
	if d < 0 {
		d = 0
	}
	return d + base
}

// score encodes readiness time with a small priority bias so that jobs
// due at the same moment are claimed lowest-priority-number first.
func score(readyAt time.Time, priority int) float64 {
	return float64(readyAt.UnixMilli() + int64(priority-5))
}

// EnqueueBulk schedules the jobs with per-position delay spacing. Job
// identity is the store's job id: re-enqueueing an id already in the
// queue has no effect (ZADD NX).
func (b *Broker) EnqueueBulk(ctx context.Context, jobs []*domain.PipelineJob, cfg TenantConfig) error {
	if len(jobs) == 0 {
		return nil
	}
	now := time.Now()
	pipe := b.redis.Pipeline()
	for i, job := range jobs {
		readyAt := now.Add(delayFor(i, cfg))
		pipe.ZAddNX(ctx, scheduledKey, redis.Z{
			Score:  score(readyAt, cfg.Priority),
			Member: member(job.TenantID, job.ID),
		})
		pipe.SAdd(ctx, tenantsKey, job.TenantID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue bulk: %w", err)
	}
	return nil
}

// Enqueue schedules a single job after the given delay.
func (b *Broker) Enqueue(ctx context.Context, tenantID, jobID string, priority int, delay time.Duration) error {
	pipe := b.redis.Pipeline()
	pipe.ZAddNX(ctx, scheduledKey, redis.Z{
		Score:  score(time.Now().Add(delay), priority),
		Member: member(tenantID, jobID),
	})
	pipe.SAdd(ctx, tenantsKey, tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Claim atomically takes the next due job whose tenant has spare
// concurrency. Returns nil when nothing is claimable.
func (b *Broker) Claim(ctx context.Context) (*Claimed, error) {
	defaults := DefaultTenantConfig()
	res, err := b.claimScript.Run(ctx, b.redis,
		[]string{scheduledKey, attemptsKey},
		time.Now().UnixMilli(),
		defaults.MaxConcurrent,
		claimScanLimit,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("claim: unexpected script result %v", res)
	}
	m, _ := vals[0].(string)
	attempts, _ := vals[1].(int64)
	tenantID, jobID, ok := parseMember(m)
	if !ok {
		return nil, fmt.Errorf("claim: malformed member %q", m)
	}
	return &Claimed{JobID: jobID, TenantID: tenantID, Attempts: int(attempts)}, nil
}

// Complete releases the claimed job's in-flight slot and records it in
// the bounded history. A non-empty errMsg files the job under failed
// history; otherwise under completed. The attempt counter is cleared,
// so a later manual retry starts fresh.
func (b *Broker) Complete(ctx context.Context, c Claimed, errMsg string) error {
	if err := b.release(ctx, c.TenantID); err != nil {
		return err
	}
	entry, _ := json.Marshal(HistoryEntry{
		JobID:    c.JobID,
		TenantID: c.TenantID,
		At:       time.Now().UTC(),
		Error:    errMsg,
	})
	key, max := completedKey, int64(completedHistoryMax)
	if errMsg != "" {
		key, max = failedKey, int64(failedHistoryMax)
	}
	pipe := b.redis.Pipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, max-1)
	pipe.HDel(ctx, attemptsKey, member(c.TenantID, c.JobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", c.JobID, err)
	}
	return nil
}

// Reschedule releases the in-flight slot and puts the job back on the
// scheduled set after the given delay, keeping its attempt count.
func (b *Broker) Reschedule(ctx context.Context, c Claimed, priority int, delay time.Duration) error {
	if err := b.release(ctx, c.TenantID); err != nil {
		return err
	}
	// Plain ZADD: the member was removed at claim time, and a
	// reschedule must win over any stale duplicate.
	if err := b.redis.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  score(time.Now().Add(delay), priority),
		Member: member(c.TenantID, c.JobID),
	}).Err(); err != nil {
		return fmt.Errorf("reschedule %s: %w", c.JobID, err)
	}
	return nil
}

// Retry is the operator-driven requeue: clears the attempt counter and
// schedules the job for immediate pickup.
func (b *Broker) Retry(ctx context.Context, tenantID, jobID string) error {
	m := member(tenantID, jobID)
	pipe := b.redis.Pipeline()
	pipe.HDel(ctx, attemptsKey, m)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: score(time.Now(), 1), Member: m})
	pipe.SAdd(ctx, tenantsKey, tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry %s: %w", jobID, err)
	}
	return nil
}

// Backoff returns the delay before the given attempt number is retried
// (attempt 1 → 2s, 2 → 4s, 3 → 8s).
func (b *Broker) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return backoffBase * time.Duration(int64(1)<<uint(attempt-1))
}

func (b *Broker) release(ctx context.Context, tenantID string) error {
	if err := b.releaseScript.Run(ctx, b.redis, []string{inflightKeyPrefix + tenantID}).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release inflight for %s: %w", tenantID, err)
	}
	return nil
}

// Observe builds the dashboard projection: queue depth, per-tenant
// in-flight counts, and the most recent history entries.
func (b *Broker) Observe(ctx context.Context) (*Observation, error) {
	obs := &Observation{InflightByTenant: map[string]int64{}}

	var err error
	if obs.Scheduled, err = b.redis.ZCard(ctx, scheduledKey).Result(); err != nil {
		return nil, fmt.Errorf("observe scheduled: %w", err)
	}

	tenants, err := b.redis.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("observe tenants: %w", err)
	}
	for _, tenant := range tenants {
		n, err := b.redis.Get(ctx, inflightKeyPrefix+tenant).Int64()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("observe inflight %s: %w", tenant, err)
		}
		if n > 0 {
			obs.InflightByTenant[tenant] = n
		}
	}

	if obs.CompletedCount, err = b.redis.LLen(ctx, completedKey).Result(); err != nil {
		return nil, fmt.Errorf("observe completed: %w", err)
	}
	if obs.FailedCount, err = b.redis.LLen(ctx, failedKey).Result(); err != nil {
		return nil, fmt.Errorf("observe failed: %w", err)
	}

	obs.RecentCompleted = b.readHistory(ctx, completedKey, 50)
	obs.RecentFailed = b.readHistory(ctx, failedKey, 50)
	return obs, nil
}

func (b *Broker) readHistory(ctx context.Context, key string, limit int64) []HistoryEntry {
	raw, err := b.redis.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		log.Printf("[Queue] history read %s: %v", key, err)
		return nil
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries
}

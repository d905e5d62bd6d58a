package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/events"
	"github.com/ignite/message-pipeline/internal/pipeline/queue"
)

// retryBatchSize bounds how many due jobs one tick handles.
const retryBatchSize = 100

// RetryController periodically sweeps failed jobs back into the queue
// with exponential backoff, and buries the ones that are out of
// attempts. It also reaps jobs stuck in PROCESSING after a worker
// crash so they re-enter the retry path instead of hanging forever.
type RetryController struct {
	jobs   JobStore
	proc   *Processor
	broker *queue.Broker // nil in polling mode
	bus    events.Publisher

	interval       time.Duration
	baseDelay      time.Duration
	multiplier     float64
	maxRetries     int
	stuckThreshold time.Duration

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewRetryController wires the controller. broker may be nil when the
// process runs in database polling mode.
func NewRetryController(jobs JobStore, proc *Processor, broker *queue.Broker, bus events.Publisher, interval, baseDelay time.Duration, multiplier float64, maxRetries int, stuckThreshold time.Duration) *RetryController {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if multiplier < 1 {
		multiplier = 2
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 15 * time.Minute
	}
	return &RetryController{
		jobs:           jobs,
		proc:           proc,
		broker:         broker,
		bus:            bus,
		interval:       interval,
		baseDelay:      baseDelay,
		multiplier:     multiplier,
		maxRetries:     maxRetries,
		stuckThreshold: stuckThreshold,
	}
}

// Start launches the sweep loop. No-op when already running.
func (c *RetryController) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.quit = make(chan struct{})

	log.Printf("[RetryController] starting (interval %s, max retries %d)", c.interval, c.maxRetries)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Tick(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for the current sweep to finish.
func (c *RetryController) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.quit)
	c.mu.Unlock()

	c.wg.Wait()
	log.Printf("[RetryController] stopped")
}

// Tick runs one sweep: reap stuck jobs, then settle every due
// FAILED/RETRYING job. Exported so tests and operators can drive it
// without the ticker.
func (c *RetryController) Tick(ctx context.Context) {
	c.reapStuck(ctx)

	now := time.Now()
	due, err := c.jobs.ListDueForRetry(ctx, now, retryBatchSize)
	if err != nil {
		log.Printf("[RetryController] list due: %v", err)
		return
	}

	for i := range due {
		job := &due[i]
		switch {
		case job.RetryCount >= c.maxRetries:
			msg := "retries exhausted"
			if job.ErrorMessage != nil {
				msg = fmt.Sprintf("retries exhausted: %s", *job.ErrorMessage)
			}
			c.proc.EscalateDead(ctx, job, msg)

		case job.Status == domain.StatusFailed:
			c.scheduleRetry(ctx, job, now)

		case job.Status == domain.StatusRetrying:
			c.requeue(ctx, job)
		}
	}
}

// Delay returns the backoff before attempt retryCount+1.
func (c *RetryController) Delay(retryCount int) time.Duration {
	return time.Duration(float64(c.baseDelay) * math.Pow(c.multiplier, float64(retryCount)))
}

// scheduleRetry moves a due FAILED job to RETRYING with its next
// attempt time pushed out exponentially.
func (c *RetryController) scheduleRetry(ctx context.Context, job *domain.PipelineJob, now time.Time) {
	delay := c.Delay(job.RetryCount)
	retryAt := now.Add(delay)

	retried, err := ScheduleRetry(ctx, c.jobs, job.TenantID, job.ID, job.RetryCount+1, retryAt)
	if err != nil {
		log.Printf("[RetryController] schedule retry for job %s: %v", job.ID, err)
		return
	}
	log.Printf("[RetryController] job %s retrying in %s (attempt %d/%d)", job.ID, delay, retried.RetryCount, c.maxRetries)
	c.bus.Publish(ctx, domain.NewEvent(domain.SubjectJobRetrying, job.TenantID, "", map[string]any{
		"job_id":          job.ID,
		"retry_count":     retried.RetryCount,
		"next_attempt_at": retryAt,
	}))
}

// requeue pushes a RETRYING job whose backoff has elapsed back into
// the claimable set.
func (c *RetryController) requeue(ctx context.Context, job *domain.PipelineJob) {
	if _, err := c.jobs.Transition(ctx, job.TenantID, job.ID, domain.StatusQueued, TransitionUpdate{}); err != nil {
		log.Printf("[RetryController] requeue job %s: %v", job.ID, err)
		return
	}
	if c.broker != nil {
		if err := c.broker.Retry(ctx, job.TenantID, job.ID); err != nil {
			log.Printf("[RetryController] broker requeue job %s: %v", job.ID, err)
		}
	}
}

// reapStuck fails jobs that have sat in PROCESSING past the threshold,
// which happens when a worker dies mid-job. The failed job then flows
// through the normal retry path.
func (c *RetryController) reapStuck(ctx context.Context) {
	cutoff := time.Now().Add(-c.stuckThreshold)
	stuck, err := c.jobs.ListStuckProcessing(ctx, cutoff, retryBatchSize)
	if err != nil {
		log.Printf("[RetryController] list stuck: %v", err)
		return
	}
	for i := range stuck {
		job := &stuck[i]
		msg := fmt.Sprintf("processing stalled for more than %s, reaped", c.stuckThreshold)
		if _, err := MarkFailed(ctx, c.jobs, job.TenantID, job.ID, msg); err != nil {
			log.Printf("[RetryController] reap job %s: %v", job.ID, err)
			continue
		}
		log.Printf("[RetryController] reaped stuck job %s (processing since %v)", job.ID, job.ProcessingAt)
	}
}

package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Poller drains jobs straight from the database when the Redis broker
// is disabled. The acquire query claims atomically with row locks, so
// multiple poller processes can share one table.
type Poller struct {
	proc *Processor

	concurrency int
	interval    time.Duration
	retryBase   time.Duration

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewPoller creates a database poller. interval is the sleep between
// empty polls; retryBase seeds the exponential retry delay written to
// failed jobs.
func NewPoller(proc *Processor, concurrency int, interval, retryBase time.Duration) *Poller {
	if concurrency <= 0 {
		concurrency = 10
	}
	if interval <= 0 {
		interval = time.Second
	}
	if retryBase <= 0 {
		retryBase = time.Minute
	}
	return &Poller{proc: proc, concurrency: concurrency, interval: interval, retryBase: retryBase}
}

// Start launches the polling goroutines. No-op when already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.quit = make(chan struct{})

	log.Printf("[Poller] starting %d database pollers (interval %s)", p.concurrency, p.interval)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Stop signals the pollers and waits for in-flight jobs to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
	log.Printf("[Poller] database pollers stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.proc.jobs.AcquireNextPending(ctx)
		if err != nil {
			log.Printf("[Poller] acquire: %v", err)
			p.idle(ctx)
			continue
		}
		if job == nil {
			p.idle(ctx)
			continue
		}

		attempt := job.RetryCount + 1
		if perr := p.proc.ProcessClaimed(ctx, job, uuid.New().String()); perr != nil {
			// The retry controller re-queues the job once its
			// next_attempt_at passes.
			retryAt := time.Now().Add(p.retryBase * time.Duration(1<<uint(attempt-1)))
			p.proc.OnFailed(ctx, job.TenantID, job.ID, attempt, retryAt, perr)
		}
	}
}

func (p *Poller) idle(ctx context.Context) {
	select {
	case <-time.After(p.interval):
	case <-p.quit:
	case <-ctx.Done():
	}
}

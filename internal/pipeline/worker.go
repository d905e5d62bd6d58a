package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/message-pipeline/internal/pipeline/queue"
)

// claimIdleWait is how long a worker sleeps after an empty claim
// before asking the broker again.
const claimIdleWait = 250 * time.Millisecond

// BrokerPool runs a fixed set of workers that claim jobs from the
// Redis broker and hand them to the processor. The broker enforces
// per-tenant concurrency caps and pacing; the pool only supplies
// goroutines.
type BrokerPool struct {
	broker *queue.Broker
	proc   *Processor

	concurrency int

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewBrokerPool creates a pool of concurrency workers.
func NewBrokerPool(broker *queue.Broker, proc *Processor, concurrency int) *BrokerPool {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &BrokerPool{broker: broker, proc: proc, concurrency: concurrency}
}

// Start launches the worker goroutines. Calling Start on a running
// pool is a no-op.
func (p *BrokerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.quit = make(chan struct{})

	log.Printf("[Worker] starting %d broker workers", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *BrokerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
	log.Printf("[Worker] broker workers stopped")
}

func (p *BrokerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := p.broker.Claim(ctx)
		if err != nil {
			log.Printf("[Worker %d] claim: %v", id, err)
			p.idle(ctx)
			continue
		}
		if claimed == nil {
			p.idle(ctx)
			continue
		}

		p.handle(ctx, *claimed)
	}
}

// handle runs one claimed job and settles it with the broker: done,
// rescheduled with backoff, or finished as a permanent failure.
func (p *BrokerPool) handle(ctx context.Context, c queue.Claimed) {
	correlationID := uuid.New().String()

	err := p.proc.Process(ctx, c.TenantID, c.JobID, correlationID)
	if err == nil {
		if err := p.broker.Complete(ctx, c, ""); err != nil {
			log.Printf("[Worker] complete job %s: %v", c.JobID, err)
		}
		return
	}

	backoff := p.broker.Backoff(c.Attempts)
	final := p.proc.OnFailed(ctx, c.TenantID, c.JobID, c.Attempts, time.Now().Add(backoff), err)
	if final {
		if cerr := p.broker.Complete(ctx, c, err.Error()); cerr != nil {
			log.Printf("[Worker] complete failed job %s: %v", c.JobID, cerr)
		}
		return
	}
	if rerr := p.broker.Reschedule(ctx, c, 1, backoff); rerr != nil {
		log.Printf("[Worker] reschedule job %s: %v", c.JobID, rerr)
	}
}

func (p *BrokerPool) idle(ctx context.Context) {
	select {
	case <-time.After(claimIdleWait):
	case <-p.quit:
	case <-ctx.Done():
	}
}

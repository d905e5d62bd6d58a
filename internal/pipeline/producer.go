package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/events"
	"github.com/ignite/message-pipeline/internal/pipeline/queue"
)

// dispatchLockTTL bounds how long a run dispatch can hold its lock.
// Generous: a 100k-recipient COPY plus enqueue finishes well inside it.
const dispatchLockTTL = 10 * time.Minute

// LockFactory builds a distributed lock for a key. Wired to
// distlock.NewLock in production.
type LockFactory func(key string, ttl time.Duration) Lock

// Lock is the subset of distlock.DistLock the producer needs.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// DispatchResult summarizes one producer dispatch.
type DispatchResult struct {
	RunID    string `json:"run_id"`
	Created  int    `json:"created"`
	Enqueued int    `json:"enqueued"`
}

// Producer fans a campaign run out into one durable job per recipient
// and hands the batch to the broker. Creation is all-or-nothing; the
// broker handoff is best-effort, with the retry machinery picking up
// anything left behind.
type Producer struct {
	jobs       JobStore
	broker     *queue.Broker        // nil in polling mode
	tenantCfgs *queue.TenantConfigs // nil in polling mode
	bus        events.Publisher
	newLock    LockFactory

	batchSize int
}

// NewProducer wires the producer. broker and tenantCfgs are nil when
// the deployment polls the database instead.
func NewProducer(jobs JobStore, broker *queue.Broker, tenantCfgs *queue.TenantConfigs, bus events.Publisher, newLock LockFactory, batchSize int) *Producer {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Producer{
		jobs:       jobs,
		broker:     broker,
		tenantCfgs: tenantCfgs,
		bus:        bus,
		newLock:    newLock,
		batchSize:  batchSize,
	}
}

// Dispatch creates one job per recipient for the run and enqueues the
// batch. A second dispatch for the same run is refused while the first
// still holds the run lock; job ids are deterministic enough upstream
// that replays after a crash de-duplicate at the broker.
func (p *Producer) Dispatch(ctx context.Context, run domain.RunInfo, recipients []domain.ContactRecord) (*DispatchResult, error) {
	channel, err := domain.ParseChannel(run.Channel)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{RunID: run.RunID}
	if len(recipients) == 0 {
		log.Printf("[Producer] run %s has no recipients, nothing to dispatch", run.RunID)
		return result, nil
	}

	if p.newLock != nil {
		lock := p.newLock("pipeline:run:"+run.RunID, dispatchLockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire dispatch lock for run %s: %w", run.RunID, err)
		}
		if !ok {
			return nil, fmt.Errorf("dispatch for run %s already in progress", run.RunID)
		}
		defer lock.Release(ctx)
	}

	jobs := p.buildJobs(run, channel, recipients)

	for start := 0; start < len(jobs); start += p.batchSize {
		end := start + p.batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		if err := p.jobs.CreateBulk(ctx, jobs[start:end]); err != nil {
			return nil, fmt.Errorf("create jobs for run %s: %w", run.RunID, err)
		}
		result.Created = end
	}

	p.publishCreated(ctx, run, jobs)

	if p.broker != nil {
		result.Enqueued = p.enqueue(ctx, run, jobs)
	}

	log.Printf("[Producer] run %s dispatched: %d jobs created, %d enqueued (channel %s)",
		run.RunID, result.Created, result.Enqueued, channel)

	p.bus.Publish(ctx, domain.NewEvent(domain.SubjectBatchCreated, run.TenantID, run.RunID, map[string]any{
		"campaign_run_id": run.RunID,
		"campaign_id":     run.CampaignID,
		"channel":         string(channel),
		"job_count":       result.Created,
	}))
	return result, nil
}

// buildJobs maps recipients to PENDING job rows. Recipients with a
// missing or malformed address still get a job; the worker skips them
// with a reason instead of silently dropping them here.
func (p *Producer) buildJobs(run domain.RunInfo, channel domain.Channel, recipients []domain.ContactRecord) []*domain.PipelineJob {
	jobs := make([]*domain.PipelineJob, 0, len(recipients))
	for _, rec := range recipients {
		attrs := make(map[string]any, len(rec.Attributes))
		for k, v := range rec.Attributes {
			attrs[k] = v
		}
		jobs = append(jobs, &domain.PipelineJob{
			TenantID:          run.TenantID,
			CampaignID:        run.CampaignID,
			CampaignRunID:     run.RunID,
			ContactID:         rec.ID,
			TemplateVersionID: run.TemplateVersionID,
			Channel:           channel,
			Payload: domain.Payload{
				Address:    recipientAddress(channel, rec),
				FullName:   rec.FullName,
				Attributes: attrs,
			},
		})
	}
	return jobs
}

// recipientAddress picks the channel-appropriate address field. Push
// tokens live in contact attributes, not a dedicated column.
func recipientAddress(channel domain.Channel, rec domain.ContactRecord) string {
	switch channel {
	case domain.ChannelEmail:
		return rec.Email
	case domain.ChannelSMS, domain.ChannelWhatsApp:
		return rec.Phone
	case domain.ChannelPush:
		return rec.Attributes["device_token"]
	default:
		return ""
	}
}

// enqueue hands the created jobs to the broker and flips them QUEUED.
// On enqueue failure jobs stay PENDING; the database poller or a
// re-dispatch picks them up, so the error is logged, not returned.
func (p *Producer) enqueue(ctx context.Context, run domain.RunInfo, jobs []*domain.PipelineJob) int {
	cfg := queue.DefaultTenantConfig()
	if p.tenantCfgs != nil {
		loaded, err := p.tenantCfgs.Get(ctx, run.TenantID)
		if err != nil {
			log.Printf("[Producer] tenant config for %s: %v (using defaults)", run.TenantID, err)
		} else {
			cfg = loaded
		}
	}

	if err := p.broker.EnqueueBulk(ctx, jobs, cfg); err != nil {
		log.Printf("[Producer] enqueue for run %s failed, jobs stay PENDING: %v", run.RunID, err)
		return 0
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if err := p.jobs.MarkQueuedBulk(ctx, run.TenantID, ids); err != nil {
		log.Printf("[Producer] mark queued for run %s: %v", run.RunID, err)
	}
	return len(jobs)
}

// publishCreated emits one job.created per job, pipelined in chunks.
func (p *Producer) publishCreated(ctx context.Context, run domain.RunInfo, jobs []*domain.PipelineJob) {
	evs := make([]domain.Event, 0, len(jobs))
	for _, j := range jobs {
		evs = append(evs, domain.NewEvent(domain.SubjectJobCreated, run.TenantID, run.RunID, map[string]any{
			"job_id":          j.ID,
			"campaign_id":     j.CampaignID,
			"campaign_run_id": j.CampaignRunID,
			"contact_id":      j.ContactID,
			"channel":         string(j.Channel),
		}))
	}
	p.bus.PublishBatch(ctx, evs)
}

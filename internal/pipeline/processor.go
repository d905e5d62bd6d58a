package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/events"
	"github.com/ignite/message-pipeline/internal/pipeline/sender"
)

// Processor executes one job end to end: claim, resolve contact,
// validate recipient, render, dispatch, record the outcome. It is
// shared by the broker worker pool and the database poller; only the
// claiming step differs between the two.
type Processor struct {
	jobs     JobStore
	contacts ContactRepo
	renderer Renderer
	senders  *sender.Registry
	stats    *Stats
	failures FailureLog
	bus      events.Publisher

	maxAttempts int
}

// NewProcessor wires the processor. maxAttempts bounds delivery
// attempts per job; at or past it a failed job goes DEAD.
func NewProcessor(jobs JobStore, contacts ContactRepo, renderer Renderer, senders *sender.Registry, stats *Stats, failures FailureLog, bus events.Publisher, maxAttempts int) *Processor {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Processor{
		jobs:        jobs,
		contacts:    contacts,
		renderer:    renderer,
		senders:     senders,
		stats:       stats,
		failures:    failures,
		bus:         bus,
		maxAttempts: maxAttempts,
	}
}

// MaxAttempts returns the configured per-job attempt bound.
func (p *Processor) MaxAttempts() int { return p.maxAttempts }

// Process fetches and claims the job, then runs it. Used by the broker
// worker pool, which only knows the job id.
func (p *Processor) Process(ctx context.Context, tenantID, jobID, correlationID string) error {
	job, err := p.jobs.FindByID(ctx, tenantID, jobID)
	if err != nil {
		return err
	}

	if domain.IsTerminal(job.Status) || job.Status == domain.StatusSent {
		// Redelivered after completion. Sends are at-most-once, so the
		// duplicate is dropped, never re-sent.
		log.Printf("[Worker] job %s already %s, dropping duplicate delivery", job.ID, job.Status)
		return nil
	}

	// A job can still be PENDING when the broker delivers it faster
	// than the producer's queued-status write lands.
	if job.Status == domain.StatusPending {
		if job, err = p.jobs.Transition(ctx, tenantID, jobID, domain.StatusQueued, TransitionUpdate{}); err != nil {
			return err
		}
	}
	job, err = p.jobs.Transition(ctx, tenantID, jobID, domain.StatusProcessing, TransitionUpdate{})
	if err != nil {
		return err
	}

	return p.ProcessClaimed(ctx, job, correlationID)
}

// ProcessClaimed runs a job that is already in PROCESSING. Used by the
// database poller, whose acquire query claims atomically.
func (p *Processor) ProcessClaimed(ctx context.Context, job *domain.PipelineJob, correlationID string) error {
	p.publish(ctx, domain.SubjectJobStarted, job, correlationID, nil)

	contact, err := p.contacts.FindByID(ctx, job.TenantID, job.ContactID)
	if err != nil {
		return fmt.Errorf("resolve contact %s: %w", job.ContactID, err)
	}
	if contact == nil {
		return p.skip(ctx, job, domain.SkipContactNotFound, fmt.Sprintf("contact %s not found", job.ContactID))
	}

	snd, err := p.senders.For(job.Channel)
	if err != nil {
		return err
	}
	if ir := snd.ValidateRecipient(job.Payload); ir != nil {
		return p.skip(ctx, job, ir.Reason, ir.Message)
	}

	content, err := p.renderer.RenderForPipeline(ctx, job, contact)
	if err != nil {
		if domain.IsRetryable(err) {
			// Transient template-store failure. Leave the job for a
			// later attempt rather than skipping on bad luck.
			return fmt.Errorf("render job %s: %w", job.ID, err)
		}
		return p.skip(ctx, job, domain.SkipTemplateError, err.Error())
	}

	// Last cancellation point before the side effect. Past here the
	// send happens exactly once per attempt.
	if err := ctx.Err(); err != nil {
		return err
	}

	result, err := snd.Send(ctx, job, content, sender.Meta{CorrelationID: correlationID})
	if err != nil {
		return fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	if !result.Success {
		errMsg := "send failed"
		if result.Error != nil {
			errMsg = result.Error.Error()
		}
		if result.Retryable {
			return domain.ErrSendFailed(errMsg, true)
		}
		// Hard provider rejection: record the failure now so OnFailed
		// escalates from FAILED instead of retrying.
		if _, err := MarkFailed(ctx, p.jobs, job.TenantID, job.ID, errMsg); err != nil {
			log.Printf("[Worker] mark failed for job %s: %v", job.ID, err)
		}
		return domain.ErrSendFailed(errMsg, false)
	}

	sent, err := MarkSent(ctx, p.jobs, job.TenantID, job.ID, result.ProviderMessageID)
	if err != nil {
		// The provider accepted the message but the status write
		// failed. Surface as non-retryable: a retry would double-send.
		log.Printf("[Worker] job %s sent but status write failed: %v", job.ID, err)
		return &domain.PipelineError{Code: domain.CodeSendFailed, Message: "sent but status write failed", Err: err}
	}

	if err := p.stats.IncrementSent(ctx, job.TenantID, job.CampaignRunID); err != nil {
		log.Printf("[Stats] increment sent for run %s: %v", job.CampaignRunID, err)
	}
	p.publish(ctx, domain.SubjectJobSent, sent, correlationID, map[string]any{
		"provider_message_id": result.ProviderMessageID,
	})
	return nil
}

// OnFailed handles a processing error after the fact: schedule a retry
// or, when attempts are exhausted or the error cannot succeed on
// retry, move the job to DEAD. Reports whether the job is finished
// (true) or owed another attempt (false).
func (p *Processor) OnFailed(ctx context.Context, tenantID, jobID string, attemptsMade int, retryAt time.Time, cause error) bool {
	job, err := p.jobs.FindByID(ctx, tenantID, jobID)
	if err != nil {
		log.Printf("[Worker] onFailed lookup for job %s: %v", jobID, err)
		return true
	}
	if domain.IsTerminal(job.Status) || job.Status == domain.StatusSent {
		return true
	}

	msg := cause.Error()
	if !domain.IsRetryable(cause) || attemptsMade >= p.maxAttempts {
		if attemptsMade > job.RetryCount {
			job.RetryCount = attemptsMade
		}
		p.EscalateDead(ctx, job, msg)
		return true
	}

	// Two edges: record the failure, then schedule the retry. The
	// retry count tracks attempts made so far.
	if job.Status == domain.StatusProcessing {
		if job, err = MarkFailed(ctx, p.jobs, tenantID, jobID, msg); err != nil {
			log.Printf("[Worker] mark failed for job %s: %v", jobID, err)
			return true
		}
		p.publish(ctx, domain.SubjectJobFailed, job, "", map[string]any{"error": msg, "attempt": attemptsMade})
	}

	retried, err := ScheduleRetry(ctx, p.jobs, tenantID, jobID, attemptsMade, retryAt)
	if err != nil {
		log.Printf("[Worker] schedule retry for job %s: %v", jobID, err)
		return true
	}
	p.publish(ctx, domain.SubjectJobRetrying, retried, "", map[string]any{
		"retry_count":     attemptsMade,
		"next_attempt_at": retryAt,
	})
	return false
}

// EscalateDead moves a job to DEAD, records the permanent failure, and
// counts it against the run. This is the only path that increments the
// run's failed counter, which keeps the count exactly once per job.
func (p *Processor) EscalateDead(ctx context.Context, job *domain.PipelineJob, errMsg string) {
	lastStatus := job.Status
	upd := TransitionUpdate{RetryCount: &job.RetryCount}
	if errMsg != "" {
		upd.ErrorMessage = &errMsg
	}
	dead, err := p.jobs.Transition(ctx, job.TenantID, job.ID, domain.StatusDead, upd)
	if err != nil {
		log.Printf("[Worker] mark dead for job %s: %v", job.ID, err)
		return
	}

	campaignID := job.CampaignID
	contactID := job.ContactID
	failure := &domain.PipelineFailure{
		TenantID:     job.TenantID,
		JobID:        job.ID,
		CampaignID:   &campaignID,
		ContactID:    &contactID,
		ErrorMessage: errMsg,
		LastStatus:   lastStatus,
		RetryCount:   dead.RetryCount,
	}
	if err := p.failures.Record(ctx, failure); err != nil {
		log.Printf("[Worker] record failure for job %s: %v", job.ID, err)
	}

	if err := p.stats.IncrementFailed(ctx, job.TenantID, job.CampaignRunID); err != nil {
		log.Printf("[Stats] increment failed for run %s: %v", job.CampaignRunID, err)
	}

	log.Printf("[Worker] job %s moved to DEAD after %d retries: %s", job.ID, dead.RetryCount, errMsg)
	p.publish(ctx, domain.SubjectJobDead, dead, "", map[string]any{"error": errMsg})
}

// skip terminally skips the job and counts it. Skips are outcomes, not
// errors; the caller's attempt succeeds.
func (p *Processor) skip(ctx context.Context, job *domain.PipelineJob, reason domain.SkipReason, msg string) error {
	if _, err := MarkSkipped(ctx, p.jobs, job.TenantID, job.ID, reason, msg); err != nil {
		return fmt.Errorf("skip job %s: %w", job.ID, err)
	}
	if err := p.stats.IncrementSkipped(ctx, job.TenantID, job.CampaignRunID); err != nil {
		log.Printf("[Stats] increment skipped for run %s: %v", job.CampaignRunID, err)
	}
	log.Printf("[Worker] job %s skipped (%s): %s", job.ID, reason, msg)
	return nil
}

func (p *Processor) publish(ctx context.Context, subject string, job *domain.PipelineJob, correlationID string, extra map[string]any) {
	payload := map[string]any{
		"job_id":          job.ID,
		"campaign_id":     job.CampaignID,
		"campaign_run_id": job.CampaignRunID,
		"contact_id":      job.ContactID,
		"channel":         string(job.Channel),
		"status":          string(job.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	p.bus.Publish(ctx, domain.NewEvent(subject, job.TenantID, correlationID, payload))
}

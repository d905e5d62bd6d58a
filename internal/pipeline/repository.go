// Package pipeline contains the outbound messaging pipeline: producer,
// worker/processor, retry controller, stats aggregator, and webhook
// reconciler. Storage and transport are reached through the interfaces
// in this file so the core logic stays testable with in-memory fakes.
package pipeline

import (
	"context"
	"time"

	"github.com/ignite/message-pipeline/internal/domain"
)

// TransitionUpdate carries the optional field writes applied together
// with a status change.
type TransitionUpdate struct {
	ErrorMessage      *string
	SkipReason        *domain.SkipReason
	ProviderMessageID *string
	RetryCount        *int
	NextAttemptAt     *time.Time
}

// HealthSnapshot is the global job backlog broken down by the statuses
// the health endpoint reports on.
type HealthSnapshot struct {
	Pending    int `json:"pending_jobs"`
	Processing int `json:"processing_jobs"`
	Failed     int `json:"failed_jobs"`
	Dead       int `json:"dead_jobs"`
}

// Healthy applies the operator alert thresholds: a pipeline is healthy
// while dead jobs stay under 100 and failed jobs under 1000.
func (h HealthSnapshot) Healthy() bool {
	return h.Dead < 100 && h.Failed < 1000
}

// JobFilter narrows job listings. Zero-valued fields are not applied.
type JobFilter struct {
	CampaignID    string
	CampaignRunID string
	ContactID     string
	Status        domain.JobStatus
	Channel       domain.Channel
	Limit         int
	Offset        int
}

// JobStore is the durable pipeline job store. All single-job reads and
// writes are tenant-scoped; cross-tenant access is a bug.
type JobStore interface {
	// CreateBulk inserts the jobs in one all-or-nothing call.
	CreateBulk(ctx context.Context, jobs []*domain.PipelineJob) error

	FindByID(ctx context.Context, tenantID, id string) (*domain.PipelineJob, error)

	// FindByProviderMessageID resolves a webhook's provider id to a job.
	// Returns (nil, nil) when no job matches.
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.PipelineJob, error)

	FindJobs(ctx context.Context, tenantID string, f JobFilter) ([]domain.PipelineJob, int, error)

	// AcquireNextPending claims the oldest due PENDING or QUEUED job and
	// moves it to PROCESSING in one locked transaction. Returns
	// (nil, nil) when no work is available.
	AcquireNextPending(ctx context.Context) (*domain.PipelineJob, error)

	// Transition moves the job along a legal state-machine edge, stamps
	// the per-state timestamp, and applies the update fields. Illegal
	// edges fail with *domain.InvalidStateTransition; unknown ids with
	// a pipeline_job_not_found error.
	Transition(ctx context.Context, tenantID, jobID string, to domain.JobStatus, upd TransitionUpdate) (*domain.PipelineJob, error)

	// MarkQueuedBulk moves freshly produced PENDING jobs to QUEUED in
	// one statement after a successful broker enqueue.
	MarkQueuedBulk(ctx context.Context, tenantID string, ids []string) error

	CountsByStatus(ctx context.Context, tenantID, campaignID string) (map[domain.JobStatus]int, error)

	// CountsByRun is CountsByStatus scoped to a single campaign run.
	CountsByRun(ctx context.Context, tenantID, runID string) (map[domain.JobStatus]int, error)

	// HealthCounts returns the global backlog snapshot for the health
	// endpoint.
	HealthCounts(ctx context.Context) (HealthSnapshot, error)

	// ListDueForRetry returns up to limit FAILED/RETRYING jobs whose
	// next_attempt_at is unset or past due, oldest first.
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.PipelineJob, error)

	// ListStuckProcessing returns PROCESSING jobs whose processing_at
	// is older than the cutoff.
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.PipelineJob, error)
}

// FailureLog records permanently failed jobs for operator review.
type FailureLog interface {
	Record(ctx context.Context, f *domain.PipelineFailure) error
	List(ctx context.Context, tenantID string, limit, offset int) ([]domain.PipelineFailure, int, error)
}

// RunStore tracks campaign-run counters. The increment operations are
// atomic single-statement updates returning the post-increment snapshot
// so the aggregator can decide on finalization without racing.
type RunStore interface {
	FindRun(ctx context.Context, tenantID, runID string) (*domain.CampaignRun, error)

	IncrementSent(ctx context.Context, runID string) (*domain.CampaignRun, error)
	IncrementFailed(ctx context.Context, runID string) (*domain.CampaignRun, error)
	IncrementSkipped(ctx context.Context, runID string) (*domain.CampaignRun, error)

	// FinalizeRun sets the terminal status iff the run is not already
	// terminal. Reports whether this call did the finalization.
	FinalizeRun(ctx context.Context, runID string, status domain.RunStatus) (bool, error)

	// SetCounts overwrites the counters from a ground-truth recount.
	SetCounts(ctx context.Context, runID string, sent, failed, skipped, processed int) error
}

// ContactRepo resolves recipients and records timeline activity.
// FindByID returns (nil, nil) for a missing contact; the worker maps
// that to a CONTACT_NOT_FOUND skip.
type ContactRepo interface {
	FindByID(ctx context.Context, tenantID, contactID string) (*domain.Contact, error)
	CreateTimelineEvent(ctx context.Context, ev *domain.TimelineEvent) error
}

// Renderer produces channel-shaped content for a job and its contact.
type Renderer interface {
	RenderForPipeline(ctx context.Context, job *domain.PipelineJob, contact *domain.Contact) (domain.Content, error)
}

package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pipeline"
)

// In-memory stores with the same transition semantics as the Postgres
// implementations, sized for handler tests.

type memJobs struct {
	mu    sync.Mutex
	jobs  map[string]*domain.PipelineJob
	order []string
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*domain.PipelineJob{}} }

func (s *memJobs) add(j *domain.PipelineJob) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.StatusPending
	}
	j.CreatedAt = time.Now()
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
}

func (s *memJobs) CreateBulk(ctx context.Context, jobs []*domain.PipelineJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.add(j)
	}
	return nil
}

func (s *memJobs) FindByID(ctx context.Context, tenantID, id string) (*domain.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, domain.ErrJobNotFound(id)
	}
	c := *j
	return &c, nil
}

func (s *memJobs) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.ProviderMessageID != nil && *j.ProviderMessageID == providerMessageID {
			c := *j
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memJobs) FindJobs(ctx context.Context, tenantID string, f pipeline.JobFilter) ([]domain.PipelineJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PipelineJob
	for _, id := range s.order {
		j := s.jobs[id]
		if j.TenantID != tenantID {
			continue
		}
		if f.CampaignID != "" && j.CampaignID != f.CampaignID {
			continue
		}
		if f.CampaignRunID != "" && j.CampaignRunID != f.CampaignRunID {
			continue
		}
		if f.ContactID != "" && j.ContactID != f.ContactID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Channel != "" && j.Channel != f.Channel {
			continue
		}
		out = append(out, *j)
	}
	return out, len(out), nil
}

func (s *memJobs) AcquireNextPending(ctx context.Context) (*domain.PipelineJob, error) {
	return nil, nil
}

func (s *memJobs) Transition(ctx context.Context, tenantID, jobID string, to domain.JobStatus, upd pipeline.TransitionUpdate) (*domain.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, domain.ErrJobNotFound(jobID)
	}
	if !domain.CanTransition(j.Status, to) {
		return nil, &domain.InvalidStateTransition{JobID: jobID, From: j.Status, To: to}
	}
	j.Status = to
	now := time.Now()
	switch to {
	case domain.StatusQueued:
		j.QueuedAt = &now
	case domain.StatusProcessing:
		j.ProcessingAt = &now
	case domain.StatusSent:
		j.SentAt = &now
	case domain.StatusDelivered:
		j.DeliveredAt = &now
	case domain.StatusFailed:
		j.FailedAt = &now
	case domain.StatusSkipped:
		j.SkippedAt = &now
	}
	if upd.ErrorMessage != nil {
		j.ErrorMessage = upd.ErrorMessage
	}
	if upd.SkipReason != nil {
		j.SkipReason = upd.SkipReason
	}
	if upd.ProviderMessageID != nil {
		j.ProviderMessageID = upd.ProviderMessageID
	}
	if upd.RetryCount != nil {
		j.RetryCount = *upd.RetryCount
	}
	if upd.NextAttemptAt != nil {
		j.NextAttemptAt = upd.NextAttemptAt
	}
	c := *j
	return &c, nil
}

func (s *memJobs) MarkQueuedBulk(ctx context.Context, tenantID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok && j.TenantID == tenantID && j.Status == domain.StatusPending {
			j.Status = domain.StatusQueued
			j.QueuedAt = &now
		}
	}
	return nil
}

func (s *memJobs) CountsByStatus(ctx context.Context, tenantID, campaignID string) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[domain.JobStatus]int{}
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.CampaignID == campaignID {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (s *memJobs) CountsByRun(ctx context.Context, tenantID, runID string) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[domain.JobStatus]int{}
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.CampaignRunID == runID {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (s *memJobs) HealthCounts(ctx context.Context) (pipeline.HealthSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h pipeline.HealthSnapshot
	for _, j := range s.jobs {
		switch j.Status {
		case domain.StatusPending:
			h.Pending++
		case domain.StatusProcessing:
			h.Processing++
		case domain.StatusFailed:
			h.Failed++
		case domain.StatusDead:
			h.Dead++
		}
	}
	return h, nil
}

func (s *memJobs) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.PipelineJob, error) {
	return nil, nil
}

func (s *memJobs) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.PipelineJob, error) {
	return nil, nil
}

type memFailures struct {
	mu       sync.Mutex
	failures []domain.PipelineFailure
}

func (l *memFailures) Record(ctx context.Context, f *domain.PipelineFailure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	l.failures = append(l.failures, *f)
	return nil
}

func (l *memFailures) List(ctx context.Context, tenantID string, limit, offset int) ([]domain.PipelineFailure, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.PipelineFailure
	for _, f := range l.failures {
		if f.TenantID == tenantID {
			out = append(out, f)
		}
	}
	return out, len(out), nil
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]*domain.CampaignRun
}

func newMemRuns() *memRuns { return &memRuns{runs: map[string]*domain.CampaignRun{}} }

func (s *memRuns) FindRun(ctx context.Context, tenantID, runID string) (*domain.CampaignRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.TenantID != tenantID {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (s *memRuns) increment(runID, counter string) (*domain.CampaignRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[runID]
	switch counter {
	case "sent":
		r.SentCount++
	case "failed":
		r.FailedCount++
	case "skipped":
		r.SkippedCount++
	}
	r.ProcessedCount++
	c := *r
	return &c, nil
}

func (s *memRuns) IncrementSent(ctx context.Context, runID string) (*domain.CampaignRun, error) {
	return s.increment(runID, "sent")
}

func (s *memRuns) IncrementFailed(ctx context.Context, runID string) (*domain.CampaignRun, error) {
	return s.increment(runID, "failed")
}

func (s *memRuns) IncrementSkipped(ctx context.Context, runID string) (*domain.CampaignRun, error) {
	return s.increment(runID, "skipped")
}

func (s *memRuns) FinalizeRun(ctx context.Context, runID string, status domain.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[runID]
	if r.Finalized() {
		return false, nil
	}
	r.Status = status
	now := time.Now()
	r.CompletedAt = &now
	return true, nil
}

func (s *memRuns) SetCounts(ctx context.Context, runID string, sent, failed, skipped, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[runID]
	r.SentCount = sent
	r.FailedCount = failed
	r.SkippedCount = skipped
	r.ProcessedCount = processed
	return nil
}

type memContacts struct {
	mu       sync.Mutex
	timeline []domain.TimelineEvent
}

func (c *memContacts) FindByID(ctx context.Context, tenantID, contactID string) (*domain.Contact, error) {
	return nil, nil
}

func (c *memContacts) CreateTimelineEvent(ctx context.Context, ev *domain.TimelineEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeline = append(c.timeline, *ev)
	return nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pipeline/sender"
)

// In-memory implementations of the storage interfaces, with the same
// transition and locking semantics as the Postgres versions.

type memJobStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.PipelineJob
	order []string
	seq   int
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]*domain.PipelineJob{}}
}

func copyJob(j *domain.PipelineJob) *domain.PipelineJob {
	c := *j
	return &c
}

func (s *memJobStore) CreateBulk(ctx context.Context, jobs []*domain.PipelineJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.ID == "" {
			j.ID = uuid.New().String()
		}
		if j.Status == "" {
			j.Status = domain.StatusPending
		}
		s.seq++
		j.CreatedAt = time.Unix(0, int64(s.seq))
		j.UpdatedAt = j.CreatedAt
		s.jobs[j.ID] = copyJob(j)
		s.order = append(s.order, j.ID)
	}
	return nil
}

func (s *memJobStore) FindByID(ctx context.Context, tenantID, id string) (*domain.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, domain.ErrJobNotFound(id)
	}
	return copyJob(j), nil
}

func (s *memJobStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.ProviderMessageID != nil && *j.ProviderMessageID == providerMessageID {
			return copyJob(j), nil
		}
	}
	return nil, nil
}

func (s *memJobStore) FindJobs(ctx context.Context, tenantID string, f JobFilter) ([]domain.PipelineJob, int, error) {
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
		out = append(out, *copyJob(j))
	}
	return out, len(out), nil
}

func (s *memJobStore) AcquireNextPending(ctx context.Context) (*domain.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != domain.StatusPending && j.Status != domain.StatusQueued {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		j.Status = domain.StatusProcessing
		t := time.Now()
		j.ProcessingAt = &t
		j.UpdatedAt = t
		return copyJob(j), nil
	}
	return nil, nil
}

func (s *memJobStore) Transition(ctx context.Context, tenantID, jobID string, to domain.JobStatus, upd TransitionUpdate) (*domain.PipelineJob, error) {
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
	j.UpdatedAt = now
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
	return copyJob(j), nil
}

func (s *memJobStore) MarkQueuedBulk(ctx context.Context, tenantID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok || j.TenantID != tenantID || j.Status != domain.StatusPending {
			continue
		}
		j.Status = domain.StatusQueued
		j.QueuedAt = &now
		j.UpdatedAt = now
	}
	return nil
}

func (s *memJobStore) CountsByStatus(ctx context.Context, tenantID, campaignID string) (map[domain.JobStatus]int, error) {
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

func (s *memJobStore) CountsByRun(ctx context.Context, tenantID, runID string) (map[domain.JobStatus]int, error) {
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

func (s *memJobStore) HealthCounts(ctx context.Context) (HealthSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h HealthSnapshot
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

func (s *memJobStore) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PipelineJob
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != domain.StatusFailed && j.Status != domain.StatusRetrying {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *copyJob(j))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memJobStore) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PipelineJob
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != domain.StatusProcessing || j.ProcessingAt == nil || !j.ProcessingAt.Before(cutoff) {
			continue
		}
		out = append(out, *copyJob(j))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type memFailureLog struct {
	mu       sync.Mutex
	failures []domain.PipelineFailure
}

func (l *memFailureLog) Record(ctx context.Context, f *domain.PipelineFailure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = time.Now()
	l.failures = append(l.failures, *f)
	return nil
}

func (l *memFailureLog) List(ctx context.Context, tenantID string, limit, offset int) ([]domain.PipelineFailure, int, error) {
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

type memRunStore struct {
	mu             sync.Mutex
	runs           map[string]*domain.CampaignRun
	campaignStatus map[string]domain.CampaignStatus
}

func newMemRunStore() *memRunStore {
	return &memRunStore{
		runs:           map[string]*domain.CampaignRun{},
		campaignStatus: map[string]domain.CampaignStatus{},
	}
}

func (s *memRunStore) addRun(run *domain.CampaignRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.Status == "" {
		run.Status = domain.RunRunning
	}
	s.runs[run.ID] = run
	s.campaignStatus[run.CampaignID] = domain.CampaignRunning
}

func (s *memRunStore) FindRun(ctx context.Context, tenantID, runID string) (*domain.CampaignRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.TenantID != tenantID {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (s *memRunStore) IncrementSent(ctx context.Context, runID string) (*domain.CampaignRun, error) {
	return s.bump(runID, func(r *domain.CampaignRun) { r.SentCount++ })
}

func (s *memRunStore) IncrementFailed(ctx context.Context, runID string) (*domain.CampaignRun, error) {
	return s.bump(runID, func(r *domain.CampaignRun) { r.FailedCount++ })
}

func (s *memRunStore) IncrementSkipped(ctx context.Context, runID string) (*domain.CampaignRun, error) {
	return s.bump(runID, func(r *domain.CampaignRun) { r.SkippedCount++ })
}

func (s *memRunStore) bump(runID string, f func(*domain.CampaignRun)) (*domain.CampaignRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("campaign run %s not found", runID)
	}
	f(r)
	r.ProcessedCount++
	c := *r
	return &c, nil
}

func (s *memRunStore) FinalizeRun(ctx context.Context, runID string, status domain.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("campaign run %s not found", runID)
	}
	if r.Finalized() {
		return false, nil
	}
	r.Status = status
	now := time.Now()
	r.CompletedAt = &now
	s.campaignStatus[r.CampaignID] = domain.CampaignStatus(status)
	return true, nil
}

func (s *memRunStore) SetCounts(ctx context.Context, runID string, sent, failed, skipped, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("campaign run %s not found", runID)
	}
	r.SentCount = sent
	r.FailedCount = failed
	r.SkippedCount = skipped
	r.ProcessedCount = processed
	return nil
}

func (s *memRunStore) campaign(campaignID string) domain.CampaignStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaignStatus[campaignID]
}

type memContacts struct {
	mu       sync.Mutex
	contacts map[string]*domain.Contact
	timeline []domain.TimelineEvent
}

func newMemContacts(contacts ...*domain.Contact) *memContacts {
	m := &memContacts{contacts: map[string]*domain.Contact{}}
	for _, c := range contacts {
		m.contacts[c.ID] = c
	}
	return m
}

func (m *memContacts) FindByID(ctx context.Context, tenantID, contactID string) (*domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memContacts) CreateTimelineEvent(ctx context.Context, ev *domain.TimelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = uuid.New().String()
	ev.OccurredAt = time.Now()
	m.timeline = append(m.timeline, *ev)
	return nil
}

// captureBus records every published event for assertions.
type captureBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *captureBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *captureBus) PublishBatch(ctx context.Context, events []domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events...)
}

func (b *captureBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Subject == subject {
			n++
		}
	}
	return n
}

// stubRenderer returns fixed email content, or a scripted error.
type stubRenderer struct {
	err error
}

func (r stubRenderer) RenderForPipeline(ctx context.Context, job *domain.PipelineJob, contact *domain.Contact) (domain.Content, error) {
	if r.err != nil {
		return domain.Content{}, r.err
	}
	return domain.Content{Email: &domain.EmailContent{
		Subject:   "Hello " + contact.FullName,
		HTMLBody:  "<p>Hello</p>",
		FromName:  "Acme",
		FromEmail: "news@acme.com",
	}}, nil
}

// scriptSender plays back a scripted sequence of send results. The
// recipient check mirrors the email sender's rules closely enough for
// the skip scenarios.
type scriptSender struct {
	mu      sync.Mutex
	channel domain.Channel
	results []sendOutcome
	calls   int
	sentTo  []string
	corr    []string
}

type sendOutcome struct {
	id        string
	err       string
	retryable bool
	transport error
}

func sendOK(id string) sendOutcome { return sendOutcome{id: id} }

func sendFail(msg string, retryable bool) sendOutcome {
	return sendOutcome{err: msg, retryable: retryable}
}

func newScriptSender(channel domain.Channel, results ...sendOutcome) *scriptSender {
	return &scriptSender{channel: channel, results: results}
}

func (s *scriptSender) Channel() domain.Channel { return s.channel }

func (s *scriptSender) ValidateRecipient(payload domain.Payload) *domain.InvalidRecipientError {
	addr := strings.TrimSpace(payload.Address)
	if addr == "" {
		return &domain.InvalidRecipientError{Reason: domain.SkipMissingEmail, Message: "no email on payload"}
	}
	if !strings.Contains(addr, "@") || !strings.Contains(addr[strings.Index(addr, "@"):], ".") {
		return &domain.InvalidRecipientError{Reason: domain.SkipInvalidEmail, Message: "malformed email: " + addr}
	}
	return nil
}

func (s *scriptSender) Send(ctx context.Context, job *domain.PipelineJob, content domain.Content, meta sender.Meta) (*sender.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.results) {
		return nil, fmt.Errorf("unexpected send call %d for job %s", s.calls+1, job.ID)
	}
	out := s.results[s.calls]
	s.calls++
	s.corr = append(s.corr, meta.CorrelationID)
	if out.transport != nil {
		return nil, out.transport
	}
	if out.err != "" {
		return &sender.SendResult{Success: false, Error: errors.New(out.err), Retryable: out.retryable}, nil
	}
	s.sentTo = append(s.sentTo, job.Payload.Address)
	return &sender.SendResult{Success: true, ProviderMessageID: out.id}, nil
}

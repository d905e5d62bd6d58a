package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pipeline"
	"github.com/ignite/message-pipeline/internal/pipeline/queue"
	"github.com/ignite/message-pipeline/internal/pkg/httputil"
)

// Handlers bundles the pipeline dependencies the operator endpoints
// reach into. broker and tenantCfgs are nil in polling mode.
type Handlers struct {
	jobs       pipeline.JobStore
	failures   pipeline.FailureLog
	stats      *pipeline.Stats
	producer   *pipeline.Producer
	broker     *queue.Broker
	tenantCfgs *queue.TenantConfigs
}

// NewHandlers wires the operator endpoints.
func NewHandlers(jobs pipeline.JobStore, failures pipeline.FailureLog, stats *pipeline.Stats, producer *pipeline.Producer, broker *queue.Broker, tenantCfgs *queue.TenantConfigs) *Handlers {
	return &Handlers{
		jobs:       jobs,
		failures:   failures,
		stats:      stats,
		producer:   producer,
		broker:     broker,
		tenantCfgs: tenantCfgs,
	}
}

// Liveness is the bare process probe.
//
//	GET /health
func (h *Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// PipelineHealth reports the global job backlog and whether it is
// within the operator alert thresholds.
//
//	GET /pipeline/health
func (h *Handlers) PipelineHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := h.jobs.HealthCounts(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"pendingJobs":    snap.Pending,
		"processingJobs": snap.Processing,
		"failedJobs":     snap.Failed,
		"deadJobs":       snap.Dead,
		"isHealthy":      snap.Healthy(),
	})
}

// Observe returns the broker's dashboard projection: queue depth,
// per-tenant in-flight counts, recent completions and failures.
//
//	GET /pipeline/observe
func (h *Handlers) Observe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "queue broker disabled (polling mode)")
		return
	}
	obs, err := h.broker.Observe(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, obs)
}

// ListJobs lists the tenant's jobs, filterable by campaign, run,
// contact, status, and channel.
//
//	GET /pipeline/jobs?campaign_id=&campaign_run_id=&contact_id=&status=&channel=&page=&limit=
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	page := ParsePagination(r, 50, 500)

	f := pipeline.JobFilter{
		CampaignID:    r.URL.Query().Get("campaign_id"),
		CampaignRunID: r.URL.Query().Get("campaign_run_id"),
		ContactID:     r.URL.Query().Get("contact_id"),
		Status:        domain.JobStatus(r.URL.Query().Get("status")),
		Channel:       domain.Channel(r.URL.Query().Get("channel")),
		Limit:         page.Limit,
		Offset:        page.Offset,
	}
	jobs, total, err := h.jobs.FindJobs(r.Context(), tenantID, f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(jobs, page, int64(total)))
}

// GetJob returns one job by id.
//
//	GET /pipeline/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.FindByID(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		if domain.IsJobNotFound(err) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, job)
}

// CampaignStats returns the tenant's job counts by status for one
// campaign.
//
//	GET /pipeline/jobs/campaign/{id}/stats
func (h *Handlers) CampaignStats(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	counts, err := h.jobs.CountsByStatus(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	total := 0
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
		total += n
	}
	httputil.OK(w, map[string]any{
		"campaign_id": chi.URLParam(r, "id"),
		"total":       total,
		"by_status":   byStatus,
	})
}

// ListFailures lists the tenant's permanent-failure audit records.
//
//	GET /pipeline/failures?page=&limit=
func (h *Handlers) ListFailures(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	page := ParsePagination(r, 50, 500)
	failures, total, err := h.failures.List(r.Context(), tenantID, page.Limit, page.Offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(failures, page, int64(total)))
}

// ListDead lists the tenant's DEAD jobs, the ones eligible for manual
// retry.
//
//	GET /pipeline/dead?page=&limit=
func (h *Handlers) ListDead(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	page := ParsePagination(r, 50, 500)
	jobs, total, err := h.jobs.FindJobs(r.Context(), tenantID, pipeline.JobFilter{
		Status: domain.StatusDead,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(jobs, page, int64(total)))
}

// RetryJob is the operator escape hatch: move a DEAD (or FAILED) job
// back to PENDING and re-queue it. The state machine decides whether
// the edge is legal; refusals come back as 400.
//
//	POST /pipeline/retry/{id}
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "id")

	job, err := h.jobs.Transition(r.Context(), tenantID, jobID, domain.StatusPending, pipeline.TransitionUpdate{})
	if err != nil {
		var ist *domain.InvalidStateTransition
		if errors.As(err, &ist) {
			httputil.BadRequest(w, ist.Error())
			return
		}
		if domain.IsJobNotFound(err) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}

	if h.broker != nil {
		if err := h.broker.Retry(r.Context(), tenantID, jobID); err != nil {
			// The job is PENDING either way; the poller or a later
			// enqueue picks it up.
			httputil.InternalError(w, err)
			return
		}
	}
	httputil.OK(w, job)
}

// Dispatch fans a campaign run out into pipeline jobs.
//
//	POST /pipeline/dispatch
func (h *Handlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req DispatchRequest
	if !decodeValid(w, r, &req) {
		return
	}

	result, err := h.producer.Dispatch(r.Context(), domain.RunInfo{
		RunID:             req.CampaignRunID,
		CampaignID:        req.CampaignID,
		TenantID:          tenantID,
		Channel:           req.Channel,
		TemplateVersionID: req.TemplateVersionID,
	}, req.Contacts())
	if err != nil {
		if domain.CodeOf(err) == domain.CodeChannelNotSupported {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, result)
}

// RecalculateRun rebuilds the run's counters from its jobs.
//
//	POST /pipeline/runs/{id}/recalculate
func (h *Handlers) RecalculateRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	run, err := h.stats.Recalculate(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, run)
}

// GetTenantConfig returns the tenant's queue configuration, defaults
// included.
//
//	GET /pipeline/tenants/{tenantID}/config
func (h *Handlers) GetTenantConfig(w http.ResponseWriter, r *http.Request) {
	if h.tenantCfgs == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "queue broker disabled (polling mode)")
		return
	}
	cfg, err := h.tenantCfgs.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, cfg)
}

// SetTenantConfig stores a queue configuration override.
//
//	PUT /pipeline/tenants/{tenantID}/config
func (h *Handlers) SetTenantConfig(w http.ResponseWriter, r *http.Request) {
	if h.tenantCfgs == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "queue broker disabled (polling mode)")
		return
	}
	var req TenantConfigRequest
	if !decodeValid(w, r, &req) {
		return
	}
	cfg := queue.TenantConfig{
		Priority:           req.Priority,
		DelayMs:            req.DelayMs,
		MaxConcurrent:      req.MaxConcurrent,
		RateLimitPerSecond: req.RateLimitPerSecond,
	}
	if err := h.tenantCfgs.Set(r.Context(), chi.URLParam(r, "tenantID"), cfg); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, cfg)
}

// ClearTenantConfig removes the tenant's override so defaults apply.
//
//	DELETE /pipeline/tenants/{tenantID}/config
func (h *Handlers) ClearTenantConfig(w http.ResponseWriter, r *http.Request) {
	if h.tenantCfgs == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "queue broker disabled (polling mode)")
		return
	}
	if err := h.tenantCfgs.Clear(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

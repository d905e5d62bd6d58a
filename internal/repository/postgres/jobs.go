// Package postgres implements the pipeline's storage interfaces
// against PostgreSQL using database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pipeline"
)

// jobColumns is the canonical select list for pipeline_jobs rows.
const jobColumns = `
	id, tenant_id, campaign_id, campaign_run_id, contact_id,
	template_version_id, channel, payload, status, retry_count,
	next_attempt_at, error_message, skip_reason, provider_message_id,
	queued_at, processing_at, sent_at, delivered_at, failed_at, skipped_at,
	created_at, updated_at`

// JobRepo implements pipeline.JobStore against PostgreSQL.
type JobRepo struct{ db *sql.DB }

// NewJobRepo creates a Postgres-backed job store.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

type jobScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s jobScanner) (*domain.PipelineJob, error) {
	j := &domain.PipelineJob{}
	var payloadJSON []byte
	var skipReason sql.NullString
	err := s.Scan(
		&j.ID, &j.TenantID, &j.CampaignID, &j.CampaignRunID, &j.ContactID,
		&j.TemplateVersionID, &j.Channel, &payloadJSON, &j.Status, &j.RetryCount,
		&j.NextAttemptAt, &j.ErrorMessage, &skipReason, &j.ProviderMessageID,
		&j.QueuedAt, &j.ProcessingAt, &j.SentAt, &j.DeliveredAt, &j.FailedAt, &j.SkippedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if skipReason.Valid {
		r := domain.SkipReason(skipReason.String)
		j.SkipReason = &r
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &j.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

// CreateBulk inserts all jobs via COPY inside one transaction.
// All-or-nothing: any failure rolls back the whole batch.
func (r *JobRepo) CreateBulk(ctx context.Context, jobs []*domain.PipelineJob) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create bulk: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("pipeline_jobs",
		"id", "tenant_id", "campaign_id", "campaign_run_id", "contact_id",
		"template_version_id", "channel", "payload", "status", "retry_count",
		"created_at", "updated_at",
	))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	now := time.Now().UTC()
	for _, j := range jobs {
		if j.ID == "" {
			j.ID = uuid.New().String()
		}
		if j.Status == "" {
			j.Status = domain.StatusPending
		}
		j.CreatedAt = now
		j.UpdatedAt = now
		payloadJSON, err := json.Marshal(j.Payload)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("encode payload for job %s: %w", j.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			j.ID, j.TenantID, j.CampaignID, j.CampaignRunID, j.ContactID,
			j.TemplateVersionID, string(j.Channel), string(payloadJSON), string(j.Status), j.RetryCount,
			now, now,
		); err != nil {
			stmt.Close()
			return fmt.Errorf("copy job %s: %w", j.ID, err)
		}
	}
	// Flush the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create bulk: %w", err)
	}
	return nil
}

func (r *JobRepo) FindByID(ctx context.Context, tenantID, id string) (*domain.PipelineJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+jobColumns+`
		FROM pipeline_jobs
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return j, nil
}

func (r *JobRepo) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.PipelineJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+jobColumns+`
		FROM pipeline_jobs
		WHERE provider_message_id = $1
	`, providerMessageID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job by provider id: %w", err)
	}
	return j, nil
}

func (r *JobRepo) FindJobs(ctx context.Context, tenantID string, f pipeline.JobFilter) ([]domain.PipelineJob, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := "WHERE tenant_id = $1"
	args := []interface{}{tenantID}
	idx := 2
	if f.CampaignID != "" {
		where += fmt.Sprintf(" AND campaign_id = $%d", idx)
		args = append(args, f.CampaignID)
		idx++
	}
	if f.CampaignRunID != "" {
		where += fmt.Sprintf(" AND campaign_run_id = $%d", idx)
		args = append(args, f.CampaignRunID)
		idx++
	}
	if f.ContactID != "" {
		where += fmt.Sprintf(" AND contact_id = $%d", idx)
		args = append(args, f.ContactID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.Channel != "" {
		where += fmt.Sprintf(" AND channel = $%d", idx)
		args = append(args, string(f.Channel))
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pipeline_jobs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	q := "SELECT" + jobColumns + " FROM pipeline_jobs " + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, total, rows.Err()
}

// AcquireNextPending claims the oldest due PENDING or QUEUED job across
// all tenants, moving it to PROCESSING. Safe for concurrent pollers via
// FOR UPDATE SKIP LOCKED.
func (r *JobRepo) AcquireNextPending(ctx context.Context) (*domain.PipelineJob, error) {
	row := r.db.QueryRowContext(ctx, `
		WITH claimed AS (
			UPDATE pipeline_jobs
			SET status = 'PROCESSING',
			    processing_at = NOW(),
			    updated_at = NOW()
			WHERE id IN (
				SELECT j.id FROM pipeline_jobs j
				WHERE j.status IN ('PENDING', 'QUEUED')
				  AND (j.next_attempt_at IS NULL OR j.next_attempt_at <= NOW())
				ORDER BY j.created_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns+`
		)
		SELECT`+jobColumns+`
		FROM claimed
	`)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire next pending: %w", err)
	}
	return j, nil
}

// Transition applies one state-machine edge: lock the row, validate the
// edge, write the new status with its per-state timestamp and the
// caller's field updates.
func (r *JobRepo) Transition(ctx context.Context, tenantID, jobID string, to domain.JobStatus, upd pipeline.TransitionUpdate) (*domain.PipelineJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var from domain.JobStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM pipeline_jobs
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, jobID, tenantID).Scan(&from)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	if !domain.CanTransition(from, to) {
		return nil, &domain.InvalidStateTransition{JobID: jobID, From: from, To: to}
	}

	sets := []string{"status = $1", "updated_at = NOW()"}
	args := []interface{}{string(to)}
	idx := 2
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	// Stamped on every entry into the status, not only the first.
	if col := domain.StatusTimestampColumn(to); col != "" {
		sets = append(sets, col+" = NOW()")
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.SkipReason != nil {
		add("skip_reason", string(*upd.SkipReason))
	}
	if upd.ProviderMessageID != nil {
		add("provider_message_id", *upd.ProviderMessageID)
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.NextAttemptAt != nil {
		add("next_attempt_at", *upd.NextAttemptAt)
	}

	q := fmt.Sprintf(`
		UPDATE pipeline_jobs SET %s
		WHERE id = $%d AND tenant_id = $%d
		RETURNING `+jobColumns, strings.Join(sets, ", "), idx, idx+1)
	args = append(args, jobID, tenantID)

	j, err := scanJob(tx.QueryRowContext(ctx, q, args...))
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return j, nil
}

// MarkQueuedBulk flips freshly created PENDING jobs to QUEUED after a
// successful broker enqueue. Jobs no longer PENDING are left alone.
func (r *JobRepo) MarkQueuedBulk(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_jobs
		SET status = 'QUEUED', queued_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND id = ANY($2) AND status = 'PENDING'
	`, tenantID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark queued bulk: %w", err)
	}
	return nil
}

func (r *JobRepo) CountsByStatus(ctx context.Context, tenantID, campaignID string) (map[domain.JobStatus]int, error) {
	return r.statusCounts(ctx, "campaign_id", tenantID, campaignID)
}

func (r *JobRepo) CountsByRun(ctx context.Context, tenantID, runID string) (map[domain.JobStatus]int, error) {
	return r.statusCounts(ctx, "campaign_run_id", tenantID, runID)
}

func (r *JobRepo) statusCounts(ctx context.Context, scopeCol, tenantID, scopeID string) (map[domain.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT status, COUNT(*)
		FROM pipeline_jobs
		WHERE tenant_id = $1 AND %s = $2
		GROUP BY status
	`, scopeCol), tenantID, scopeID)
	if err != nil {
		return nil, fmt.Errorf("counts by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *JobRepo) HealthCounts(ctx context.Context) (pipeline.HealthSnapshot, error) {
	var h pipeline.HealthSnapshot
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'DEAD')
		FROM pipeline_jobs
	`).Scan(&h.Pending, &h.Processing, &h.Failed, &h.Dead)
	if err != nil {
		return pipeline.HealthSnapshot{}, fmt.Errorf("health counts: %w", err)
	}
	return h, nil
}

func (r *JobRepo) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.PipelineJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+jobColumns+`
		FROM pipeline_jobs
		WHERE status IN ('FAILED', 'RETRYING')
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY COALESCE(next_attempt_at, created_at) ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due for retry: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *JobRepo) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.PipelineJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+jobColumns+`
		FROM pipeline_jobs
		WHERE status = 'PROCESSING' AND processing_at < $1
		ORDER BY processing_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck processing: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

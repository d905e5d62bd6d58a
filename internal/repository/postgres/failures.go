package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/message-pipeline/internal/domain"
)

// FailureRepo implements pipeline.FailureLog against PostgreSQL.
type FailureRepo struct{ db *sql.DB }

// NewFailureRepo creates a Postgres-backed failure log.
func NewFailureRepo(db *sql.DB) *FailureRepo { return &FailureRepo{db: db} }

func (r *FailureRepo) Record(ctx context.Context, f *domain.PipelineFailure) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline_failures
			(id, tenant_id, job_id, campaign_id, contact_id,
			 error_message, last_status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, f.ID, f.TenantID, f.JobID, f.CampaignID, f.ContactID,
		f.ErrorMessage, string(f.LastStatus), f.RetryCount, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

func (r *FailureRepo) List(ctx context.Context, tenantID string, limit, offset int) ([]domain.PipelineFailure, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_failures WHERE tenant_id = $1`, tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count failures: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, job_id, campaign_id, contact_id,
		       error_message, last_status, retry_count, created_at
		FROM pipeline_failures
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineFailure
	for rows.Next() {
		var f domain.PipelineFailure
		if err := rows.Scan(
			&f.ID, &f.TenantID, &f.JobID, &f.CampaignID, &f.ContactID,
			&f.ErrorMessage, &f.LastStatus, &f.RetryCount, &f.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/message-pipeline/internal/domain"
)

const runColumns = `
	id, tenant_id, campaign_id, status, total_recipients,
	processed_count, sent_count, failed_count, skipped_count,
	started_at, completed_at`

// RunRepo implements pipeline.RunStore against PostgreSQL.
type RunRepo struct{ db *sql.DB }

// NewRunRepo creates a Postgres-backed campaign run store.
func NewRunRepo(db *sql.DB) *RunRepo { return &RunRepo{db: db} }

func scanRun(s jobScanner) (*domain.CampaignRun, error) {
	r := &domain.CampaignRun{}
	err := s.Scan(
		&r.ID, &r.TenantID, &r.CampaignID, &r.Status, &r.TotalRecipients,
		&r.ProcessedCount, &r.SentCount, &r.FailedCount, &r.SkippedCount,
		&r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RunRepo) FindRun(ctx context.Context, tenantID, runID string) (*domain.CampaignRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+runColumns+`
		FROM campaign_runs
		WHERE id = $1 AND tenant_id = $2
	`, runID, tenantID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find run: %w", err)
	}
	return run, nil
}

// increment bumps one outcome counter plus processed_count in a single
// atomic statement and returns the post-increment snapshot.
func (r *RunRepo) increment(ctx context.Context, runID, counterCol string) (*domain.CampaignRun, error) {
	q := fmt.Sprintf(`
		UPDATE campaign_runs
		SET %s = %s + 1,
		    processed_count = processed_count + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+runColumns, counterCol, counterCol)
	run, err := scanRun(r.db.QueryRowContext(ctx, q, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", counterCol, err)
	}
	return run, nil
}

func (r *RunRepo) IncrementSent(ctx context.Context, runID string) (*domain.CampaignRun, error) {
	return r.increment(ctx, runID, "sent_count")
}

func (r *RunRepo) IncrementFailed(ctx context.Context, runID string) (*domain.CampaignRun, error) {
	return r.increment(ctx, runID, "failed_count")
}

func (r *RunRepo) IncrementSkipped(ctx context.Context, runID string) (*domain.CampaignRun, error) {
	return r.increment(ctx, runID, "skipped_count")
}

// FinalizeRun sets the terminal status and mirrors it onto the parent
// campaign, guarded so an already-finalized run is never overwritten.
// Reports whether this call won the race.
func (r *RunRepo) FinalizeRun(ctx context.Context, runID string, status domain.RunStatus) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("finalize run: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_runs
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status NOT IN ('COMPLETED', 'FAILED')
	`, string(status), runID)
	if err != nil {
		return false, fmt.Errorf("finalize run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $1, updated_at = NOW()
		WHERE id = (SELECT campaign_id FROM campaign_runs WHERE id = $2)
	`, string(status), runID)
	if err != nil {
		return false, fmt.Errorf("finalize run: mirror campaign: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("finalize run: commit: %w", err)
	}
	return true, nil
}

// SetCounts overwrites the counters from a ground-truth recount of the
// run's jobs.
func (r *RunRepo) SetCounts(ctx context.Context, runID string, sent, failed, skipped, processed int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_runs
		SET sent_count = $1, failed_count = $2, skipped_count = $3,
		    processed_count = $4, updated_at = NOW()
		WHERE id = $5
	`, sent, failed, skipped, processed, runID)
	if err != nil {
		return fmt.Errorf("set counts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("campaign run %s not found", runID)
	}
	return nil
}

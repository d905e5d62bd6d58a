package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pipeline"
)

var jobCols = []string{
	"id", "tenant_id", "campaign_id", "campaign_run_id", "contact_id",
	"template_version_id", "channel", "payload", "status", "retry_count",
	"next_attempt_at", "error_message", "skip_reason", "provider_message_id",
	"queued_at", "processing_at", "sent_at", "delivered_at", "failed_at", "skipped_at",
	"created_at", "updated_at",
}

func jobRow(id, tenantID string, status domain.JobStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(jobCols).AddRow(
		id, tenantID, "camp-1", "run-1", "contact-1",
		nil, "email", []byte(`{"address":"a@example.com"}`), string(status), 0,
		nil, nil, nil, nil,
		nil, nil, nil, nil, nil, nil,
		now, now,
	)
}

func newJobRepo(t *testing.T) (*JobRepo, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewJobRepo(db), mock, db
}

func TestFindByIDNotFound(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectQuery("SELECT(.|\n)+FROM pipeline_jobs").
		WithArgs("missing", "t1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "t1", "missing")
	if !domain.IsJobNotFound(err) {
		t.Fatalf("expected job-not-found, got %v", err)
	}
}

func TestFindByIDDecodesPayload(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectQuery("SELECT(.|\n)+FROM pipeline_jobs").
		WithArgs("j1", "t1").
		WillReturnRows(jobRow("j1", "t1", domain.StatusPending))

	j, err := repo.FindByID(context.Background(), "t1", "j1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if j.Payload.Address != "a@example.com" {
		t.Errorf("payload address = %q", j.Payload.Address)
	}
	if j.Status != domain.StatusPending {
		t.Errorf("status = %s", j.Status)
	}
}

func TestFindJobsFiltersByContactAndChannel(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("t1", "contact-1", "sms").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT(.|\n)+FROM pipeline_jobs").
		WithArgs("t1", "contact-1", "sms", 50, 0).
		WillReturnRows(jobRow("j1", "t1", domain.StatusSent))

	jobs, total, err := repo.FindJobs(context.Background(), "t1", pipeline.JobFilter{
		ContactID: "contact-1",
		Channel:   domain.ChannelSMS,
	})
	if err != nil {
		t.Fatalf("find jobs: %v", err)
	}
	if total != 1 || len(jobs) != 1 {
		t.Fatalf("total = %d, rows = %d", total, len(jobs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestTransitionLegalEdge(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM pipeline_jobs").
		WithArgs("j1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PROCESSING"))
	mock.ExpectQuery("UPDATE pipeline_jobs SET").
		WillReturnRows(jobRow("j1", "t1", domain.StatusSent))
	mock.ExpectCommit()

	pmid := "prov-1"
	j, err := repo.Transition(context.Background(), "t1", "j1", domain.StatusSent, pipeline.TransitionUpdate{
		ProviderMessageID: &pmid,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if j.Status != domain.StatusSent {
		t.Errorf("status = %s, want SENT", j.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestTransitionIllegalEdgeRollsBack(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM pipeline_jobs").
		WithArgs("j1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("DELIVERED"))
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), "t1", "j1", domain.StatusQueued, pipeline.TransitionUpdate{})
	var ist *domain.InvalidStateTransition
	if !errors.As(err, &ist) {
		t.Fatalf("expected InvalidStateTransition, got %v", err)
	}
	if ist.From != domain.StatusDelivered || ist.To != domain.StatusQueued {
		t.Errorf("edge = %s -> %s", ist.From, ist.To)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM pipeline_jobs").
		WithArgs("ghost", "t1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), "t1", "ghost", domain.StatusQueued, pipeline.TransitionUpdate{})
	if !domain.IsJobNotFound(err) {
		t.Fatalf("expected job-not-found, got %v", err)
	}
}

func TestAcquireNextPendingEmpty(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectQuery("WITH claimed AS").WillReturnError(sql.ErrNoRows)

	j, err := repo.AcquireNextPending(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if j != nil {
		t.Fatalf("expected nil, got %+v", j)
	}
}

func TestAcquireNextPendingClaims(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectQuery("WITH claimed AS").
		WillReturnRows(jobRow("j1", "t1", domain.StatusProcessing))

	j, err := repo.AcquireNextPending(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if j == nil || j.Status != domain.StatusProcessing {
		t.Fatalf("claimed = %+v", j)
	}
}

func TestMarkQueuedBulk(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectExec("UPDATE pipeline_jobs").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.MarkQueuedBulk(context.Background(), "t1", []string{"j1", "j2"}); err != nil {
		t.Fatalf("mark queued bulk: %v", err)
	}
	// Empty id list is a no-op with no SQL.
	if err := repo.MarkQueuedBulk(context.Background(), "t1", nil); err != nil {
		t.Fatalf("empty bulk: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestHealthCounts(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectQuery("SELECT(.|\n)+FROM pipeline_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"pending", "processing", "failed", "dead"}).
			AddRow(5, 2, 340, 12))

	h, err := repo.HealthCounts(context.Background())
	if err != nil {
		t.Fatalf("health counts: %v", err)
	}
	if h.Pending != 5 || h.Processing != 2 || h.Failed != 340 || h.Dead != 12 {
		t.Errorf("counts = %+v", h)
	}
	if !h.Healthy() {
		t.Error("counts under thresholds should report healthy")
	}
}

func TestCountsByStatus(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WithArgs("t1", "camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("SENT", 90).
			AddRow("SKIPPED", 7).
			AddRow("DEAD", 3))

	counts, err := repo.CountsByStatus(context.Background(), "t1", "camp-1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.StatusSent] != 90 || counts[domain.StatusSkipped] != 7 || counts[domain.StatusDead] != 3 {
		t.Errorf("counts = %v", counts)
	}
}

func TestListDueForRetry(t *testing.T) {
	repo, mock, _ := newJobRepo(t)

	mock.ExpectQuery("SELECT(.|\n)+FROM pipeline_jobs").
		WillReturnRows(jobRow("j1", "t1", domain.StatusFailed))

	jobs, err := repo.ListDueForRetry(context.Background(), time.Now(), 100)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != domain.StatusFailed {
		t.Fatalf("jobs = %+v", jobs)
	}
}

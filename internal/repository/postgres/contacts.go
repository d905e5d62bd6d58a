package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/message-pipeline/internal/domain"
)

// ContactRepo implements pipeline.ContactRepo against PostgreSQL.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

// FindByID loads a contact. Missing contacts return (nil, nil); the
// worker maps that to a CONTACT_NOT_FOUND skip rather than an error.
func (r *ContactRepo) FindByID(ctx context.Context, tenantID, contactID string) (*domain.Contact, error) {
	c := &domain.Contact{}
	var email, phone, fullName sql.NullString
	var attrsJSON []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, phone, full_name, COALESCE(attributes, '{}')
		FROM contacts
		WHERE id = $1 AND tenant_id = $2
	`, contactID, tenantID).Scan(&c.ID, &c.TenantID, &email, &phone, &fullName, &attrsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find contact: %w", err)
	}
	c.Email = email.String
	c.Phone = phone.String
	c.FullName = fullName.String
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &c.Attributes); err != nil {
			return nil, fmt.Errorf("decode contact attributes: %w", err)
		}
	}
	return c, nil
}

// CreateTimelineEvent writes one contact activity record. Callers treat
// failures as best-effort and only log them.
func (r *ContactRepo) CreateTimelineEvent(ctx context.Context, ev *domain.TimelineEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contact_timeline_events
			(id, tenant_id, contact_id, event_type, campaign_id, job_id,
			 ip_address, user_agent, url, detail, occurred_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''),
		        NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)
	`, ev.ID, ev.TenantID, ev.ContactID, string(ev.Type), ev.CampaignID, ev.JobID,
		ev.IPAddress, ev.UserAgent, ev.URL, ev.Detail, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("create timeline event: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/template"
)

// TemplateRepo implements template.VersionSource against PostgreSQL.
type TemplateRepo struct{ db *sql.DB }

// NewTemplateRepo creates a Postgres-backed template version source.
func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db} }

// FindVersion loads a template version. Missing versions return
// (nil, nil); the renderer maps that to TemplateNotFound.
func (r *TemplateRepo) FindVersion(ctx context.Context, tenantID, versionID string) (*template.Version, error) {
	v := &template.Version{}
	var channel string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, channel,
		       COALESCE(subject, ''), COALESCE(html_body, ''), COALESCE(text_body, ''),
		       COALESCE(from_name, ''), COALESCE(from_email, ''), COALESCE(reply_to, ''),
		       COALESCE(sms_body, ''), COALESCE(sender_id, ''),
		       COALESCE(wa_template_name, ''), COALESCE(wa_language, ''), COALESCE(wa_body, ''),
		       COALESCE(push_title, ''), COALESCE(push_body, ''),
		       COALESCE(image_url, ''), COALESCE(action_url, '')
		FROM template_versions
		WHERE id = $1 AND tenant_id = $2
	`, versionID, tenantID).Scan(
		&v.ID, &v.TenantID, &channel,
		&v.Subject, &v.HTMLBody, &v.TextBody,
		&v.FromName, &v.FromEmail, &v.ReplyTo,
		&v.SMSBody, &v.SenderID,
		&v.WhatsAppTemplateName, &v.WhatsAppLanguage, &v.WhatsAppBody,
		&v.PushTitle, &v.PushBody,
		&v.ImageURL, &v.ActionURL,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find template version: %w", err)
	}
	v.Channel = domain.Channel(channel)
	return v, nil
}

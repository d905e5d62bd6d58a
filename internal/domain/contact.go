package domain

import "time"

// Contact is the resolved recipient record loaded from the contact
// service. Only the fields the pipeline reads are modeled here.
type Contact struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	FullName   string            `json:"full_name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ContactRecord is the producer's input shape for one recipient.
type ContactRecord struct {
	ID         string            `json:"id"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	FullName   string            `json:"full_name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// TimelineEventType classifies contact timeline entries written during
// webhook reconciliation.
type TimelineEventType string

const (
	TimelineEmailBounced  TimelineEventType = "EMAIL_BOUNCED"
	TimelineEmailOpened   TimelineEventType = "EMAIL_OPENED"
	TimelineEmailClicked  TimelineEventType = "EMAIL_CLICKED"
	TimelineConsentUpdate TimelineEventType = "CONSENT_UPDATED"
)

// TimelineEvent is a best-effort contact activity record. Failures to
// write one never fail the webhook that produced it.
type TimelineEvent struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	ContactID  string            `json:"contact_id"`
	Type       TimelineEventType `json:"type"`
	CampaignID string            `json:"campaign_id,omitempty"`
	JobID      string            `json:"job_id,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	URL        string            `json:"url,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

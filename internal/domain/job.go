package domain

import (
	"time"
)

// Channel identifies the delivery channel for a pipeline job.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPush     Channel = "push"
)

// ParseChannel maps a string to a Channel. Unknown values return a
// non-retryable ChannelNotSupported error.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelPush:
		return Channel(s), nil
	default:
		return "", ErrChannelNotSupported(s)
	}
}

// JobStatus is the persisted state of a pipeline job.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusSent       JobStatus = "SENT"
	StatusDelivered  JobStatus = "DELIVERED"
	StatusFailed     JobStatus = "FAILED"
	StatusRetrying   JobStatus = "RETRYING"
	StatusDead       JobStatus = "DEAD"
	StatusSkipped    JobStatus = "SKIPPED"
)

// AllStatuses lists every job status, in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending, StatusQueued, StatusProcessing, StatusSent,
	StatusDelivered, StatusFailed, StatusRetrying, StatusDead, StatusSkipped,
}

// validTransitions is the full edge set of the job state machine.
// DELIVERED and SKIPPED are terminal. DEAD -> PENDING and
// FAILED -> PENDING are the operator-initiated requeue paths.
var validTransitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusQueued, StatusSkipped, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusSkipped, StatusFailed},
	StatusProcessing: {StatusSent, StatusFailed, StatusSkipped, StatusDead},
	StatusSent:       {StatusDelivered, StatusFailed},
	StatusDelivered:  {},
	StatusFailed:     {StatusRetrying, StatusDead, StatusPending},
	StatusRetrying:   {StatusQueued, StatusProcessing, StatusSent, StatusFailed, StatusDead},
	StatusDead:       {StatusPending},
	StatusSkipped:    {},
}

// CanTransition reports whether from -> to is a legal edge.
// No state may transition to itself.
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing edges.
func IsTerminal(s JobStatus) bool {
	return len(validTransitions[s]) == 0
}

// SkipReason explains why a job ended in SKIPPED.
type SkipReason string

const (
	SkipMissingEmail    SkipReason = "missing_email"
	SkipInvalidEmail    SkipReason = "invalid_email"
	SkipMissingPhone    SkipReason = "missing_phone"
	SkipInvalidPhone    SkipReason = "invalid_phone"
	SkipUnsubscribed    SkipReason = "unsubscribed"
	SkipContactNotFound SkipReason = "contact_not_found"
	SkipTemplateError   SkipReason = "template_error"
	SkipDuplicateSend   SkipReason = "duplicate_send"
	SkipOther           SkipReason = "other"
)

// Payload carries the resolved recipient address and pass-through
// variables for one job. Stored as JSONB alongside the job row.
type Payload struct {
	Address    string         `json:"address"`
	FullName   string         `json:"full_name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PipelineJob is one row representing the intent to send one message
// to one contact via one channel within a campaign run.
type PipelineJob struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	CampaignID        string     `json:"campaign_id"`
	CampaignRunID     string     `json:"campaign_run_id"`
	ContactID         string     `json:"contact_id"`
	TemplateVersionID *string    `json:"template_version_id,omitempty"`
	Channel           Channel    `json:"channel"`
	Payload           Payload    `json:"payload"`
	Status            JobStatus  `json:"status"`
	RetryCount        int        `json:"retry_count"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	SkipReason        *SkipReason `json:"skip_reason,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`

	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	SkippedAt    *time.Time `json:"skipped_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusTimestampColumn returns the per-state timestamp column stamped
// on entry into the given status, or "" for states without one
// (PENDING, RETRYING, DEAD).
func StatusTimestampColumn(s JobStatus) string {
	switch s {
	case StatusQueued:
		return "queued_at"
	case StatusProcessing:
		return "processing_at"
	case StatusSent:
		return "sent_at"
	case StatusDelivered:
		return "delivered_at"
	case StatusFailed:
		return "failed_at"
	case StatusSkipped:
		return "skipped_at"
	default:
		return ""
	}
}

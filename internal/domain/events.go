package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects published on the bus.
const (
	SubjectJobCreated   = "pipeline.job.created"
	SubjectJobStarted   = "pipeline.job.started"
	SubjectJobSent      = "pipeline.job.sent"
	SubjectJobDelivered = "pipeline.job.delivered"
	SubjectJobFailed    = "pipeline.job.failed"
	SubjectJobRetrying  = "pipeline.job.retrying"
	SubjectJobDead      = "pipeline.job.dead"

	SubjectBatchCreated   = "pipeline.batch.created"
	SubjectBatchCompleted = "pipeline.batch.completed"

	SubjectRunCompleted = "pipeline.campaign_run.completed"
)

// EventVersion is the envelope schema version.
const EventVersion = "1"

// EventSource identifies this service in published envelopes.
const EventSource = "message-pipeline"

// Event is the envelope published for every pipeline event.
type Event struct {
	EventID       string    `json:"event_id"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	Source        string    `json:"source"`
	Subject       string    `json:"subject"`
	Payload       any       `json:"payload,omitempty"`
}

// NewEvent builds an envelope with a fresh id and current timestamp.
func NewEvent(subject, tenantID, correlationID string, payload any) Event {
	return Event{
		EventID:       uuid.New().String(),
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Version:       EventVersion,
		Source:        EventSource,
		Subject:       subject,
		Payload:       payload,
	}
}

package domain

import "time"

// PipelineFailure is an append-only audit record written when a job is
// escalated to DEAD or when a webhook reports a hard bounce. Rows are
// never updated or deleted by the pipeline.
type PipelineFailure struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	JobID        string    `json:"job_id"`
	CampaignID   *string   `json:"campaign_id,omitempty"`
	ContactID    *string   `json:"contact_id,omitempty"`
	ErrorMessage string    `json:"error_message"`
	LastStatus   JobStatus `json:"last_status"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

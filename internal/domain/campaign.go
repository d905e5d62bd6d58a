package domain

import "time"

// RunStatus is the lifecycle state of a campaign run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// CampaignStatus mirrors the run outcome onto the parent campaign when
// a run finalizes.
type CampaignStatus string

const (
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignFailed    CampaignStatus = "FAILED"
)

// CampaignRun is one execution of a campaign against a resolved
// audience. The pipeline owns its counters and terminal status; the
// rest of the row belongs to the campaign service.
type CampaignRun struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	CampaignID      string     `json:"campaign_id"`
	TotalRecipients int        `json:"total_recipients"`
	ProcessedCount  int        `json:"processed_count"`
	SentCount       int        `json:"sent_count"`
	FailedCount     int        `json:"failed_count"`
	SkippedCount    int        `json:"skipped_count"`
	Status          RunStatus  `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Finalized reports whether the run has reached a terminal status.
func (r *CampaignRun) Finalized() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// RunInfo is the producer's view of a campaign run: just enough to
// create jobs for its recipients.
type RunInfo struct {
	RunID             string
	CampaignID        string
	TenantID          string
	Channel           string
	TemplateVersionID *string
}

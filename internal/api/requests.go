package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pkg/httputil"
)

var validate = validator.New()

// decodeValid decodes the JSON body into dst and runs its validation
// tags in one pass. Writes a 400 and returns false on either failure.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !httputil.Decode(w, r, dst) {
		return false
	}
	if err := validate.Struct(dst); err != nil {
		httputil.BadRequest(w, "validation failed: "+err.Error())
		return false
	}
	return true
}

// DispatchRequest asks the producer to fan a campaign run out to its
// recipients.
type DispatchRequest struct {
	CampaignID        string             `json:"campaign_id" validate:"required"`
	CampaignRunID     string             `json:"campaign_run_id" validate:"required"`
	Channel           string             `json:"channel" validate:"required,oneof=email sms whatsapp push"`
	TemplateVersionID *string            `json:"template_version_id,omitempty"`
	Recipients        []RecipientRequest `json:"recipients" validate:"dive"`
}

// RecipientRequest is one recipient in a dispatch request.
type RecipientRequest struct {
	ID         string            `json:"id" validate:"required"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	FullName   string            `json:"full_name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Contacts converts the request recipients to producer input records.
func (r *DispatchRequest) Contacts() []domain.ContactRecord {
	out := make([]domain.ContactRecord, 0, len(r.Recipients))
	for _, rec := range r.Recipients {
		out = append(out, domain.ContactRecord{
			ID:         rec.ID,
			Email:      rec.Email,
			Phone:      rec.Phone,
			FullName:   rec.FullName,
			Attributes: rec.Attributes,
		})
	}
	return out
}

// TenantConfigRequest overrides a tenant's queue configuration.
type TenantConfigRequest struct {
	Priority           int `json:"priority" validate:"required,min=1,max=10"`
	DelayMs            int `json:"delay_ms" validate:"min=0"`
	MaxConcurrent      int `json:"max_concurrent" validate:"required,min=1"`
	RateLimitPerSecond int `json:"rate_limit_per_second" validate:"min=0"`
}

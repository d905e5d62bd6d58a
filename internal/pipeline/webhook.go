package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/events"
)

// ProviderEvent is one entry from the email provider's event webhook.
type ProviderEvent struct {
	Event     string `json:"event"`
	Email     string `json:"email,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	MessageID string `json:"sg_message_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Type      string `json:"type,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"useragent,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Reconciler folds provider webhook events back into job state:
// delivery confirmations, bounces, and engagement activity. Webhook
// processing is idempotent; replayed batches settle into the same
// state.
type Reconciler struct {
	jobs     JobStore
	contacts ContactRepo
	failures FailureLog
	bus      events.Publisher

	// verificationKey is the provider's base64 signing key. Empty
	// means signature checks are skipped with a warning.
	verificationKey string
}

// NewReconciler wires the webhook reconciler.
func NewReconciler(jobs JobStore, contacts ContactRepo, failures FailureLog, bus events.Publisher, verificationKey string) *Reconciler {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Reconciler{
		jobs:            jobs,
		contacts:        contacts,
		failures:        failures,
		bus:             bus,
		verificationKey: verificationKey,
	}
}

// VerifySignature checks the provider's HMAC-SHA256 signature over
// timestamp || body. Returns true when the webhook should be accepted.
// Without a configured key every request is accepted, loudly.
func (r *Reconciler) VerifySignature(timestamp string, body []byte, signature string) bool {
	if r.verificationKey == "" {
		log.Printf("[Webhook] no verification key configured, accepting unverified webhook")
		return true
	}

	key, err := base64.StdEncoding.DecodeString(r.verificationKey)
	if err != nil {
		log.Printf("[Webhook] verification key is not valid base64: %v", err)
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// ProcessEvents reconciles a webhook batch. Per-event failures are
// logged and skipped; one malformed event never blocks the rest.
func (r *Reconciler) ProcessEvents(ctx context.Context, batch []ProviderEvent) {
	for _, ev := range batch {
		if err := r.processEvent(ctx, ev); err != nil {
			log.Printf("[Webhook] event %s for message %s: %v", ev.Event, ev.MessageID, err)
		}
	}
}

// providerID strips the provider's internal routing suffix, everything
// from the first dot on, leaving the id we stored at send time.
func providerID(raw string) string {
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func (r *Reconciler) processEvent(ctx context.Context, ev ProviderEvent) error {
	id := providerID(ev.MessageID)
	if id == "" {
		log.Printf("[Webhook] %s event without message id, dropping", ev.Event)
		return nil
	}

	job, err := r.jobs.FindByProviderMessageID(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup provider message %s: %w", id, err)
	}
	if job == nil {
		log.Printf("[Webhook] no job for provider message %s (%s event), dropping", id, ev.Event)
		return nil
	}

	switch ev.Event {
	case "delivered":
		return r.markDelivered(ctx, job)

	case "bounce":
		msg := fmt.Sprintf("Bounce(%s): %s", ev.Type, ev.Reason)
		return r.markBounced(ctx, job, ev, msg)

	case "dropped":
		msg := fmt.Sprintf("Dropped: %s", ev.Reason)
		return r.markBounced(ctx, job, ev, msg)

	case "open":
		r.timeline(ctx, job, domain.TimelineEmailOpened, ev, "")
		return nil

	case "click":
		r.timeline(ctx, job, domain.TimelineEmailClicked, ev, ev.URL)
		return nil

	case "spamreport", "unsubscribe", "group_unsubscribe":
		r.timeline(ctx, job, domain.TimelineConsentUpdate, ev, "")
		return nil

	case "deferred", "processed":
		log.Printf("[Webhook] %s for job %s, no state change", ev.Event, job.ID)
		return nil

	default:
		log.Printf("[Webhook] unhandled event type %q for job %s", ev.Event, job.ID)
		return nil
	}
}

// markDelivered confirms delivery for a SENT job. Any other current
// status means the event raced or replayed; it is dropped.
func (r *Reconciler) markDelivered(ctx context.Context, job *domain.PipelineJob) error {
	if job.Status != domain.StatusSent {
		log.Printf("[Webhook] delivered event for job %s in %s, ignoring", job.ID, job.Status)
		return nil
	}
	delivered, err := MarkDelivered(ctx, r.jobs, job.TenantID, job.ID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	r.bus.Publish(ctx, domain.NewEvent(domain.SubjectJobDelivered, job.TenantID, "", map[string]any{
		"job_id":      delivered.ID,
		"campaign_id": delivered.CampaignID,
		"contact_id":  delivered.ContactID,
	}))
	return nil
}

// markBounced fails a SENT job on provider bounce or drop, records the
// failure, and leaves a bounce on the contact timeline.
func (r *Reconciler) markBounced(ctx context.Context, job *domain.PipelineJob, ev ProviderEvent, msg string) error {
	if job.Status != domain.StatusSent {
		log.Printf("[Webhook] %s event for job %s in %s, ignoring", ev.Event, job.ID, job.Status)
		return nil
	}
	failed, err := MarkFailed(ctx, r.jobs, job.TenantID, job.ID, msg)
	if err != nil {
		return fmt.Errorf("mark bounced: %w", err)
	}

	campaignID := job.CampaignID
	contactID := job.ContactID
	if err := r.failures.Record(ctx, &domain.PipelineFailure{
		TenantID:     job.TenantID,
		JobID:        job.ID,
		CampaignID:   &campaignID,
		ContactID:    &contactID,
		ErrorMessage: msg,
		LastStatus:   domain.StatusSent,
		RetryCount:   job.RetryCount,
	}); err != nil {
		log.Printf("[Webhook] record bounce failure for job %s: %v", job.ID, err)
	}

	r.timeline(ctx, job, domain.TimelineEmailBounced, ev, "")

	r.bus.Publish(ctx, domain.NewEvent(domain.SubjectJobFailed, job.TenantID, "", map[string]any{
		"job_id":      failed.ID,
		"campaign_id": failed.CampaignID,
		"contact_id":  failed.ContactID,
		"error":       msg,
	}))
	return nil
}

// timeline records contact activity, best-effort. A write failure is
// logged and the webhook still succeeds.
func (r *Reconciler) timeline(ctx context.Context, job *domain.PipelineJob, typ domain.TimelineEventType, ev ProviderEvent, url string) {
	detail := ev.Reason
	if typ == domain.TimelineConsentUpdate {
		detail = ev.Event
	}
	err := r.contacts.CreateTimelineEvent(ctx, &domain.TimelineEvent{
		TenantID:   job.TenantID,
		ContactID:  job.ContactID,
		Type:       typ,
		CampaignID: job.CampaignID,
		JobID:      job.ID,
		IPAddress:  ev.IP,
		UserAgent:  ev.UserAgent,
		URL:        url,
		Detail:     detail,
	})
	if err != nil {
		log.Printf("[Webhook] timeline %s for contact %s: %v", typ, job.ContactID, err)
	}
}

package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pipeline"
)

const webhookKey = "c2lnbmluZy1rZXk=" // base64("signing-key")

func newWebhookRouter(t *testing.T, key string) (*memJobs, *memContacts, http.Handler) {
	t.Helper()
	jobs := newMemJobs()
	contacts := &memContacts{}
	rec := pipeline.NewReconciler(jobs, contacts, &memFailures{}, nil, key)
	wh := NewWebhookHandler(rec)

	h := NewHandlers(jobs, &memFailures{}, pipeline.NewStats(newMemRuns(), jobs, nil), nil, nil, nil)
	return jobs, contacts, SetupRoutes(h, wh)
}

func sign(key, timestamp string, body []byte) string {
	raw, _ := base64.StdEncoding.DecodeString(key)
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postEvents(router http.Handler, body []byte, timestamp, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/email/events", bytes.NewReader(body))
	if timestamp != "" {
		req.Header.Set(timestampHeader, timestamp)
	}
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func sentJob(t *testing.T, jobs *memJobs, providerID string) *domain.PipelineJob {
	t.Helper()
	job := &domain.PipelineJob{TenantID: "t1", CampaignID: "c1", ContactID: "ct1", Status: domain.StatusSent}
	job.ProviderMessageID = &providerID
	require.NoError(t, jobs.CreateBulk(context.Background(), []*domain.PipelineJob{job}))
	return job
}

func TestWebhookSignatureMismatch(t *testing.T) {
	_, _, router := newWebhookRouter(t, webhookKey)
	body := []byte(`[{"event":"delivered","sg_message_id":"m1"}]`)

	w := postEvents(router, body, "1700000000", "bogus")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookEmptyBatch(t *testing.T) {
	_, _, router := newWebhookRouter(t, "")
	w := postEvents(router, []byte(`[]`), "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookDelivered(t *testing.T) {
	jobs, _, router := newWebhookRouter(t, webhookKey)
	job := sentJob(t, jobs, "m1")

	body := []byte(`[{"event":"delivered","sg_message_id":"m1.recvd"}]`)
	ts := "1700000000"
	w := postEvents(router, body, ts, sign(webhookKey, ts, body))
	require.Equal(t, http.StatusOK, w.Code)

	got, err := jobs.FindByID(context.Background(), "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)
}

func TestWebhookBounceRecordsTimeline(t *testing.T) {
	jobs, contacts, router := newWebhookRouter(t, "")
	job := sentJob(t, jobs, "m2")

	body := []byte(`[{"event":"bounce","sg_message_id":"m2","type":"hard","reason":"user unknown"}]`)
	w := postEvents(router, body, "", "")
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := jobs.FindByID(context.Background(), "t1", job.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "Bounce(hard): user unknown")

	require.Len(t, contacts.timeline, 1)
	assert.Equal(t, domain.TimelineEmailBounced, contacts.timeline[0].Type)
}

func TestWebhookUnknownProviderIDIsDropped(t *testing.T) {
	jobs, _, router := newWebhookRouter(t, "")
	job := sentJob(t, jobs, "m3")

	body := []byte(`[{"event":"delivered","sg_message_id":"someone-elses-id"}]`)
	w := postEvents(router, body, "", "")
	// Foreign events return 200 so the provider does not retry.
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := jobs.FindByID(context.Background(), "t1", job.ID)
	assert.Equal(t, domain.StatusSent, got.Status)
}

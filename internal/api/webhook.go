package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ignite/message-pipeline/internal/pipeline"
	"github.com/ignite/message-pipeline/internal/pkg/httputil"
)

// Signature headers sent by the email provider alongside event batches.
const (
	signatureHeader = "X-Webhook-Signature"
	timestampHeader = "X-Webhook-Timestamp"
)

// WebhookHandler accepts provider event batches and hands them to the
// reconciler.
type WebhookHandler struct {
	reconciler *pipeline.Reconciler
}

// NewWebhookHandler wires the webhook endpoint.
func NewWebhookHandler(reconciler *pipeline.Reconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// HandleEmailEvents ingests a JSON array of provider events. The
// signature is verified over timestamp || raw body before parsing.
// Per-event processing errors still return 200: the provider would
// otherwise retry the whole batch forever.
//
//	POST /webhooks/email/events
func (h *WebhookHandler) HandleEmailEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}

	if !h.reconciler.VerifySignature(r.Header.Get(timestampHeader), body, r.Header.Get(signatureHeader)) {
		httputil.Error(w, http.StatusForbidden, "signature verification failed")
		return
	}

	var batch []pipeline.ProviderEvent
	if err := json.Unmarshal(body, &batch); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if len(batch) == 0 {
		httputil.BadRequest(w, "empty event batch")
		return
	}

	h.reconciler.ProcessEvents(r.Context(), batch)
	httputil.OK(w, map[string]bool{"ok": true})
}

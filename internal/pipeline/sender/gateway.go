package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/message-pipeline/internal/pkg/httpretry"
)

// gateway is the shared HTTP provider client behind the SMS, WhatsApp,
// and push senders. Transient failures are retried by the underlying
// httpretry client; what reaches postJSON's error path is final.
type gateway struct {
	baseURL string
	apiKey  string
	client  httpretry.HTTPDoer
}

func newGateway(baseURL, apiKey string, client httpretry.HTTPDoer) gateway {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return gateway{baseURL: baseURL, apiKey: apiKey, client: client}
}

// gatewayResponse is the provider's accepted-message body.
type gatewayResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// postJSON sends the payload and interprets the response into a
// SendResult. A 2xx is success; a 4xx is a hard provider rejection
// (non-retryable); anything else survived the retry client's attempts
// and stays retryable.
func (g gateway) postJSON(ctx context.Context, path string, payload interface{}) (*SendResult, error) {
	if g.baseURL == "" {
		return nil, fmt.Errorf("gateway base URL not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		// Transport failure after retries: leave it to the broker.
		return &SendResult{Success: false, Error: err, Retryable: true}, nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("gateway error %d: %s", resp.StatusCode, string(respBody))
		return &SendResult{
			Success:   false,
			Error:     err,
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}, nil
	}

	var parsed gatewayResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		// Accepted status but an unreadable body: the message id is
		// unknown, so the attempt cannot be recorded as sent.
		return &SendResult{
			Success:   false,
			Error:     fmt.Errorf("decode gateway response: %w (body: %q)", err, respBody),
			Retryable: true,
		}, nil
	}
	return &SendResult{Success: true, ProviderMessageID: parsed.MessageID}, nil
}

package sender

import (
	"context"
	"fmt"
	"log"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pkg/httpretry"
	"github.com/ignite/message-pipeline/internal/pkg/logger"
)

// SMSSender dispatches SMS jobs through an HTTP SMS gateway.
type SMSSender struct {
	gateway
}

// NewSMSSender creates an SMS gateway sender. A nil client selects the
// default retrying HTTP client.
func NewSMSSender(baseURL, apiKey string, client httpretry.HTTPDoer) *SMSSender {
	return &SMSSender{gateway: newGateway(baseURL, apiKey, client)}
}

func (s *SMSSender) Channel() domain.Channel { return domain.ChannelSMS }

func (s *SMSSender) ValidateRecipient(payload domain.Payload) *domain.InvalidRecipientError {
	return validatePhoneRecipient(payload)
}

func (s *SMSSender) Send(ctx context.Context, job *domain.PipelineJob, content domain.Content, meta Meta) (*SendResult, error) {
	sms := content.SMS
	if sms == nil {
		return nil, fmt.Errorf("sms sender got %s content", content.Kind())
	}

	result, err := s.postJSON(ctx, "/v1/messages", map[string]interface{}{
		"to":             job.Payload.Address,
		"body":           sms.Body,
		"sender_id":      sms.SenderID,
		"reference":      job.ID,
		"correlation_id": meta.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	if result.Success {
		log.Printf("[SMSSender] sent to %s (id: %s)", logger.RedactPhone(job.Payload.Address), result.ProviderMessageID)
	}
	return result, nil
}

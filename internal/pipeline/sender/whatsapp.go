package sender

import (
	"context"
	"fmt"
	"log"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pkg/httpretry"
	"github.com/ignite/message-pipeline/internal/pkg/logger"
)

// WhatsAppSender dispatches WhatsApp template messages through an HTTP
// Business API gateway.
type WhatsAppSender struct {
	gateway
}

// NewWhatsAppSender creates a WhatsApp gateway sender.
func NewWhatsAppSender(baseURL, apiKey string, client httpretry.HTTPDoer) *WhatsAppSender {
	return &WhatsAppSender{gateway: newGateway(baseURL, apiKey, client)}
}

func (s *WhatsAppSender) Channel() domain.Channel { return domain.ChannelWhatsApp }

func (s *WhatsAppSender) ValidateRecipient(payload domain.Payload) *domain.InvalidRecipientError {
	return validatePhoneRecipient(payload)
}

func (s *WhatsAppSender) Send(ctx context.Context, job *domain.PipelineJob, content domain.Content, meta Meta) (*SendResult, error) {
	wa := content.WhatsApp
	if wa == nil {
		return nil, fmt.Errorf("whatsapp sender got %s content", content.Kind())
	}

	result, err := s.postJSON(ctx, "/v1/template-messages", map[string]interface{}{
		"to":             job.Payload.Address,
		"template_name":  wa.TemplateName,
		"language":       wa.Language,
		"body":           wa.Body,
		"parameters":     wa.Parameters,
		"reference":      job.ID,
		"correlation_id": meta.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	if result.Success {
		log.Printf("[WhatsAppSender] sent to %s (id: %s)", logger.RedactPhone(job.Payload.Address), result.ProviderMessageID)
	}
	return result, nil
}

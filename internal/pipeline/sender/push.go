package sender

import (
	"context"
	"fmt"
	"log"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pkg/httpretry"
)

// PushSender dispatches push notification jobs through an HTTP
// notification gateway addressed by device token.
type PushSender struct {
	gateway
}

// NewPushSender creates a push gateway sender.
func NewPushSender(baseURL, apiKey string, client httpretry.HTTPDoer) *PushSender {
	return &PushSender{gateway: newGateway(baseURL, apiKey, client)}
}

func (s *PushSender) Channel() domain.Channel { return domain.ChannelPush }

func (s *PushSender) ValidateRecipient(payload domain.Payload) *domain.InvalidRecipientError {
	return validatePushRecipient(payload)
}

func (s *PushSender) Send(ctx context.Context, job *domain.PipelineJob, content domain.Content, meta Meta) (*SendResult, error) {
	push := content.Push
	if push == nil {
		return nil, fmt.Errorf("push sender got %s content", content.Kind())
	}

	result, err := s.postJSON(ctx, "/v1/notifications", map[string]interface{}{
		"token":          job.Payload.Address,
		"title":          push.Title,
		"body":           push.Body,
		"image_url":      push.ImageURL,
		"action_url":     push.ActionURL,
		"reference":      job.ID,
		"correlation_id": meta.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	if result.Success {
		log.Printf("[PushSender] sent notification for job %s (id: %s)", job.ID, result.ProviderMessageID)
	}
	return result, nil
}

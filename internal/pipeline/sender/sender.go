// Package sender contains the channel sender adapters. Each adapter
// validates recipients for its channel and dispatches rendered content
// through one provider:
//   - email.go:    AWS SES v2
//   - sms.go:      HTTP SMS gateway
//   - whatsapp.go: HTTP WhatsApp Business gateway
//   - push.go:     HTTP push notification gateway
package sender

import (
	"context"

	"github.com/ignite/message-pipeline/internal/domain"
)

// SendResult is the outcome of one dispatch attempt. Retryable only
// matters when Success is false.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	Error             error
	Retryable         bool
}

// Meta carries per-attempt tracing metadata to the provider so
// provider-side events can be correlated back to the originating
// dispatch.
type Meta struct {
	CorrelationID string
}

// Sender dispatches one rendered message over one channel.
type Sender interface {
	Channel() domain.Channel

	// ValidateRecipient checks the job payload's address for this
	// channel. A non-nil result maps directly to a skip.
	ValidateRecipient(payload domain.Payload) *domain.InvalidRecipientError

	Send(ctx context.Context, job *domain.PipelineJob, content domain.Content, meta Meta) (*SendResult, error)
}

// Registry maps channels to their configured senders.
type Registry struct {
	senders map[domain.Channel]Sender
}

// NewRegistry builds a registry from the given senders.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[domain.Channel]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

// Register adds or replaces the sender for its channel.
func (r *Registry) Register(s Sender) {
	r.senders[s.Channel()] = s
}

// For returns the sender for the channel, or a non-retryable
// ChannelNotSupported error when none is configured.
func (r *Registry) For(ch domain.Channel) (Sender, error) {
	s, ok := r.senders[ch]
	if !ok {
		return nil, domain.ErrChannelNotSupported(string(ch))
	}
	return s, nil
}

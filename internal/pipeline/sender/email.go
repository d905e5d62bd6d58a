package sender

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/pkg/logger"
)

// sesAPI is the slice of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailSender dispatches email jobs through AWS SES v2.
type EmailSender struct {
	client sesAPI
	region string
}

// NewEmailSender creates an SES email sender. Static credentials are
// optional; without them the default AWS credential chain applies.
func NewEmailSender(accessKey, secretKey, region string) *EmailSender {
	if region == "" {
		region = "us-east-1"
	}
	s := &EmailSender{region: region}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		log.Printf("[EmailSender] Warning: failed to initialize AWS config: %v", err)
		return s
	}
	s.client = sesv2.NewFromConfig(cfg)
	return s
}

// NewEmailSenderWithClient injects an SES client, used by tests.
func NewEmailSenderWithClient(client sesAPI) *EmailSender {
	return &EmailSender{client: client, region: "us-east-1"}
}

func (s *EmailSender) Channel() domain.Channel { return domain.ChannelEmail }

func (s *EmailSender) ValidateRecipient(payload domain.Payload) *domain.InvalidRecipientError {
	return validateEmailRecipient(payload)
}

// Send delivers one email through SES. Provider rejections that cannot
// succeed on retry (bad message, unverified identity, paused sending)
// come back non-retryable; throttling and transport errors stay
// retryable for the broker's backoff.
func (s *EmailSender) Send(ctx context.Context, job *domain.PipelineJob, content domain.Content, meta Meta) (*SendResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("SES client not initialized - check credentials")
	}
	email := content.Email
	if email == nil {
		return nil, fmt.Errorf("email sender got %s content", content.Kind())
	}

	from := email.FromEmail
	if email.FromName != "" {
		from = fmt.Sprintf("%s <%s>", email.FromName, email.FromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{job.Payload.Address}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(email.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(email.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(job.CampaignID)},
			{Name: aws.String("job_id"), Value: aws.String(job.ID)},
		},
	}
	if meta.CorrelationID != "" {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name: aws.String("correlation_id"), Value: aws.String(meta.CorrelationID),
		})
	}
	if email.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(email.TextBody), Charset: aws.String("UTF-8")}
	}
	if email.ReplyTo != "" {
		input.ReplyToAddresses = []string{email.ReplyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[EmailSender] send to %s failed: %v", logger.RedactEmail(job.Payload.Address), err)
		return &SendResult{Success: false, Error: err, Retryable: sesRetryable(err)}, nil
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	log.Printf("[EmailSender] sent to %s (id: %s)", logger.RedactEmail(job.Payload.Address), messageID)

	return &SendResult{Success: true, ProviderMessageID: messageID}, nil
}

// sesRetryable classifies SES errors. Unknown errors default to
// retryable (transient transport failures are the common case).
func sesRetryable(err error) bool {
	var rejected *types.MessageRejected
	var badReq *types.BadRequestException
	var notVerified *types.MailFromDomainNotVerifiedException
	var suspended *types.AccountSuspendedException
	var paused *types.SendingPausedException
	if errors.As(err, &rejected) || errors.As(err, &badReq) ||
		errors.As(err, &notVerified) || errors.As(err, &suspended) ||
		errors.As(err, &paused) {
		return false
	}
	return true
}

package domain

// Content is the rendered, channel-shaped message body. Exactly one
// variant is non-nil; Kind() identifies it.
type Content struct {
	Email    *EmailContent    `json:"email,omitempty"`
	SMS      *SMSContent      `json:"sms,omitempty"`
	WhatsApp *WhatsAppContent `json:"whatsapp,omitempty"`
	Push     *PushContent     `json:"push,omitempty"`
}

// Kind returns the channel this content was rendered for, or "" when
// no variant is set.
func (c *Content) Kind() Channel {
	switch {
	case c == nil:
		return ""
	case c.Email != nil:
		return ChannelEmail
	case c.SMS != nil:
		return ChannelSMS
	case c.WhatsApp != nil:
		return ChannelWhatsApp
	case c.Push != nil:
		return ChannelPush
	default:
		return ""
	}
}

// EmailContent is a rendered email message.
type EmailContent struct {
	Subject   string `json:"subject"`
	HTMLBody  string `json:"html_body"`
	TextBody  string `json:"text_body,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	FromEmail string `json:"from_email,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// SMSContent is a rendered SMS message.
type SMSContent struct {
	Body     string `json:"body"`
	SenderID string `json:"sender_id,omitempty"`
}

// WhatsAppContent is a rendered WhatsApp template message.
type WhatsAppContent struct {
	TemplateName string   `json:"template_name"`
	Language     string   `json:"language"`
	Body         string   `json:"body"`
	Parameters   []string `json:"parameters,omitempty"`
}

// PushContent is a rendered push notification.
type PushContent struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	ImageURL  string `json:"image_url,omitempty"`
	ActionURL string `json:"action_url,omitempty"`
}

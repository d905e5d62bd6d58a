// Package template renders channel-shaped message content from stored
// template versions using the Liquid template language.
package template

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/message-pipeline/internal/domain"
)

// Version is a stored template version. Each version is bound to one
// channel; only the fields for that channel are populated.
type Version struct {
	ID       string
	TenantID string
	Channel  domain.Channel

	// Email
	Subject   string
	HTMLBody  string
	TextBody  string
	FromName  string
	FromEmail string
	ReplyTo   string

	// SMS
	SMSBody  string
	SenderID string

	// WhatsApp
	WhatsAppTemplateName string
	WhatsAppLanguage     string
	WhatsAppBody         string

	// Push
	PushTitle string
	PushBody  string
	ImageURL  string
	ActionURL string
}

// VersionSource resolves template versions. Returns (nil, nil) when the
// version does not exist for the tenant.
type VersionSource interface {
	FindVersion(ctx context.Context, tenantID, versionID string) (*Version, error)
}

// Renderer parses and renders template versions with a compiled-template
// cache keyed by version id.
type Renderer struct {
	engine   *liquid.Engine
	versions VersionSource
	cache    sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a Renderer with the standard filter set registered.
func NewRenderer(versions VersionSource) *Renderer {
	r := &Renderer{
		engine:   liquid.NewEngine(),
		versions: versions,
	}
	r.registerFilters()
	return r
}

// registerFilters adds the personalization filters templates rely on
func (r *Renderer) registerFilters() {
	// Default value filter: {{ first_name | default: "Friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// Truncate with ellipsis: {{ bio | truncate: 50 }}
	r.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// URL encode: {{ email | urlencode }}
	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape (safety): {{ user_input | escape }}
	r.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// RenderForPipeline resolves the job's template version and renders
// channel-shaped content from the contact's attributes. A missing
// version yields domain.ErrTemplateNotFound and parse/render failures
// a non-retryable domain.ErrTemplateRender; both the worker records as
// a template skip. Only version-store lookup failures stay retryable.
func (r *Renderer) RenderForPipeline(ctx context.Context, job *domain.PipelineJob, contact *domain.Contact) (domain.Content, error) {
	if job.TemplateVersionID == nil || *job.TemplateVersionID == "" {
		return domain.Content{}, domain.ErrTemplateNotFound("(unset)")
	}
	versionID := *job.TemplateVersionID

	v, err := r.versions.FindVersion(ctx, job.TenantID, versionID)
	if err != nil {
		return domain.Content{}, fmt.Errorf("template version lookup: %w", err)
	}
	if v == nil {
		return domain.Content{}, domain.ErrTemplateNotFound(versionID)
	}

	rctx := renderContext(job, contact)

	switch job.Channel {
	case domain.ChannelEmail:
		subject, err := r.render(v.ID+":subject", v.Subject, rctx)
		if err != nil {
			return domain.Content{}, err
		}
		htmlBody, err := r.render(v.ID+":html", v.HTMLBody, rctx)
		if err != nil {
			return domain.Content{}, err
		}
		textBody, err := r.render(v.ID+":text", v.TextBody, rctx)
		if err != nil {
			return domain.Content{}, err
		}
		return domain.Content{Email: &domain.EmailContent{
			Subject:   subject,
			HTMLBody:  htmlBody,
			TextBody:  textBody,
			FromName:  v.FromName,
			FromEmail: v.FromEmail,
			ReplyTo:   v.ReplyTo,
		}}, nil

	case domain.ChannelSMS:
		body, err := r.render(v.ID+":sms", v.SMSBody, rctx)
		if err != nil {
			return domain.Content{}, err
		}
		return domain.Content{SMS: &domain.SMSContent{
			Body:     body,
			SenderID: v.SenderID,
		}}, nil

	case domain.ChannelWhatsApp:
		body, err := r.render(v.ID+":wa", v.WhatsAppBody, rctx)
		if err != nil {
			return domain.Content{}, err
		}
		return domain.Content{WhatsApp: &domain.WhatsAppContent{
			TemplateName: v.WhatsAppTemplateName,
			Language:     v.WhatsAppLanguage,
			Body:         body,
			Parameters:   templateParameters(contact),
		}}, nil

	case domain.ChannelPush:
		title, err := r.render(v.ID+":title", v.PushTitle, rctx)
		if err != nil {
			return domain.Content{}, err
		}
		body, err := r.render(v.ID+":push", v.PushBody, rctx)
		if err != nil {
			return domain.Content{}, err
		}
		return domain.Content{Push: &domain.PushContent{
			Title:     title,
			Body:      body,
			ImageURL:  v.ImageURL,
			ActionURL: v.ActionURL,
		}}, nil
	}

	return domain.Content{}, domain.ErrChannelNotSupported(string(job.Channel))
}

// render parses and renders a single template string, caching the
// compiled template under the given key.
func (r *Renderer) render(cacheKey, templateStr string, ctx map[string]interface{}) (string, error) {
	if templateStr == "" {
		return "", nil
	}
	tpl, ok := r.cache.Load(cacheKey)
	if !ok {
		parsed, err := r.engine.ParseString(templateStr)
		if err != nil {
			return "", domain.ErrTemplateRender(fmt.Errorf("parse: %w", err))
		}
		r.cache.Store(cacheKey, parsed)
		tpl = parsed
	}
	out, err := tpl.(*liquid.Template).RenderString(ctx)
	if err != nil {
		return "", domain.ErrTemplateRender(err)
	}
	return out, nil
}

// renderContext builds the variable map exposed to templates. Contact
// attributes are merged flat; reserved keys win over attributes.
func renderContext(job *domain.PipelineJob, contact *domain.Contact) map[string]interface{} {
	ctx := make(map[string]interface{})
	for k, v := range contact.Attributes {
		ctx[k] = v
	}
	ctx["first_name"] = firstName(contact.FullName)
	ctx["full_name"] = contact.FullName
	ctx["email"] = contact.Email
	ctx["phone"] = contact.Phone
	ctx["contact_id"] = contact.ID
	ctx["campaign_id"] = job.CampaignID
	return ctx
}

// templateParameters flattens contact attributes into the positional
// string parameters WhatsApp template sends expect. Keys are sorted so
// parameter order is stable across sends.
func templateParameters(contact *domain.Contact) []string {
	if len(contact.Attributes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(contact.Attributes))
	for k := range contact.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]string, 0, len(keys))
	for _, k := range keys {
		params = append(params, contact.Attributes[k])
	}
	return params
}

func firstName(fullName string) string {
	fields := strings.Fields(fullName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

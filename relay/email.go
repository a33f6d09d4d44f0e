package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/mail"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sendgrid/rest"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/giantswarm/authgate/instrumentation"
)

// DefaultSendTimeout bounds one call to the mail provider
const DefaultSendTimeout = 10 * time.Second

var (
	// ErrUnknownTemplate is returned when the request names a template that is not configured
	ErrUnknownTemplate = errors.New("unknown email template")

	// ErrDeliveryFailed wraps transport errors and non-2xx answers from the mail provider
	ErrDeliveryFailed = errors.New("email delivery failed")
)

// Sender is the subset of *sendgrid.Client the relay uses
type Sender interface {
	SendWithContext(ctx context.Context, email *sgmail.SGMailV3) (*rest.Response, error)
}

// EmailTemplate is the source of one named email.
// Subject and Text use text/template, HTML uses html/template so request data
// is escaped. Data keys are referenced as {{.key}}; a missing key is an error.
type EmailTemplate struct {
	Subject string
	HTML    string
	Text    string
}

// DefaultEmailTemplates returns the built-in templates
func DefaultEmailTemplates() map[string]EmailTemplate {
	return map[string]EmailTemplate{
		"notification": {
			Subject: "{{.subject}}",
			HTML:    "<!DOCTYPE html><html><body><p>{{.message}}</p></body></html>",
			Text:    "{{.message}}",
		},
	}
}

// EmailConfig configures an EmailRelay
type EmailConfig struct {
	FromEmail string
	FromName  string

	// Sandbox asks the provider to validate without delivering
	Sandbox bool

	// Templates maps template names to their sources (default: DefaultEmailTemplates)
	Templates map[string]EmailTemplate

	// SendTimeout bounds each provider call (default: 10s)
	SendTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// EmailRequest is the payload of POST /v1/email/send
type EmailRequest struct {
	To       string            `json:"to" validate:"required,email,max=254"`
	ToName   string            `json:"to_name" validate:"max=128"`
	Template string            `json:"template" validate:"required,max=64"`
	Data     map[string]string `json:"data" validate:"max=32,dive,keys,min=1,max=64,endkeys,max=4096"`
}

// EmailReceipt identifies a relayed email
type EmailReceipt struct {
	MessageID string `json:"message_id"`
	Status    int    `json:"provider_status"`
}

type compiledTemplate struct {
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// EmailRelay renders templated emails and hands them to SendGrid
type EmailRelay struct {
	sender      Sender
	from        *sgmail.Email
	sandbox     bool
	templates   map[string]*compiledTemplate
	sendTimeout time.Duration
	validate    *validator.Validate
	logger      *slog.Logger

	instrumentation *instrumentation.Instrumentation
}

// NewEmailRelay parses the configured templates and returns a relay using sender
func NewEmailRelay(sender Sender, cfg EmailConfig) (*EmailRelay, error) {
	if sender == nil {
		return nil, fmt.Errorf("email sender is required")
	}
	if _, err := mail.ParseAddress(cfg.FromEmail); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", cfg.FromEmail, err)
	}
	if cfg.Templates == nil {
		cfg.Templates = DefaultEmailTemplates()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	validate, err := newValidator()
	if err != nil {
		return nil, err
	}

	templates := make(map[string]*compiledTemplate, len(cfg.Templates))
	for name, src := range cfg.Templates {
		ct, err := compileTemplate(name, src)
		if err != nil {
			return nil, err
		}
		templates[name] = ct
	}

	return &EmailRelay{
		sender:      sender,
		from:        sgmail.NewEmail(cfg.FromName, cfg.FromEmail),
		sandbox:     cfg.Sandbox,
		templates:   templates,
		sendTimeout: cfg.SendTimeout,
		validate:    validate,
		logger:      cfg.Logger,
	}, nil
}

func compileTemplate(name string, src EmailTemplate) (*compiledTemplate, error) {
	if src.Subject == "" || (src.HTML == "" && src.Text == "") {
		return nil, fmt.Errorf("template %q needs a subject and an HTML or text body", name)
	}

	ct := &compiledTemplate{}
	var err error
	if ct.subject, err = texttemplate.New(name + ".subject").Option("missingkey=error").Parse(src.Subject); err != nil {
		return nil, fmt.Errorf("template %q subject: %w", name, err)
	}
	if src.HTML != "" {
		if ct.html, err = htmltemplate.New(name + ".html").Option("missingkey=error").Parse(src.HTML); err != nil {
			return nil, fmt.Errorf("template %q html: %w", name, err)
		}
	}
	if src.Text != "" {
		if ct.text, err = texttemplate.New(name + ".text").Option("missingkey=error").Parse(src.Text); err != nil {
			return nil, fmt.Errorf("template %q text: %w", name, err)
		}
	}
	return ct, nil
}

// SetInstrumentation enables relay metrics
func (r *EmailRelay) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.instrumentation = inst
}

// Send validates req, renders its template and relays the result.
// Validation failures are *ValidationError, unknown templates ErrUnknownTemplate,
// provider failures wrap ErrDeliveryFailed.
func (r *EmailRelay) Send(ctx context.Context, req EmailRequest) (*EmailReceipt, error) {
	receipt, err := r.send(ctx, req)
	if r.instrumentation != nil {
		r.instrumentation.Metrics().RecordRelayOperation(ctx, "email", err == nil)
	}
	return receipt, err
}

func (r *EmailRelay) send(ctx context.Context, req EmailRequest) (*EmailReceipt, error) {
	if err := validateStruct(r.validate, req); err != nil {
		return nil, err
	}

	tmpl, ok := r.templates[req.Template]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, req.Template)
	}

	subject, html, text, err := tmpl.render(req.Data)
	if err != nil {
		return nil, &ValidationError{Fields: []FieldError{{
			Field:   "data",
			Message: fmt.Sprintf("template %q could not be rendered: %v", req.Template, err),
			Code:    "validation_template",
		}}}
	}

	messageID := uuid.NewString()
	msg := sgmail.NewSingleEmail(r.from, subject, sgmail.NewEmail(req.ToName, req.To), text, html)
	msg.SetHeader("X-Entity-Ref-ID", messageID)
	if len(msg.Personalizations) > 0 {
		msg.Personalizations[0].SetCustomArg("message_id", messageID)
	}
	if r.sandbox {
		ms := sgmail.NewMailSettings()
		ms.SetSandboxMode(sgmail.NewSetting(true))
		msg.MailSettings = ms
	}

	sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	resp, err := r.sender.SendWithContext(sctx, msg)
	if err != nil {
		r.logger.Error("Email provider call failed",
			"message_id", messageID,
			"template", req.Template,
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Error("Email provider rejected message",
			"message_id", messageID,
			"template", req.Template,
			"status", resp.StatusCode)
		return nil, fmt.Errorf("%w: provider returned status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	r.logger.Info("Email relayed",
		"message_id", messageID,
		"template", req.Template,
		"sandbox", r.sandbox)

	return &EmailReceipt{MessageID: messageID, Status: resp.StatusCode}, nil
}

func (t *compiledTemplate) render(data map[string]string) (subject, html, text string, err error) {
	if data == nil {
		data = map[string]string{}
	}

	var buf bytes.Buffer
	if err = t.subject.Execute(&buf, data); err != nil {
		return "", "", "", err
	}
	// Header injection guard
	subject = strings.Join(strings.Fields(buf.String()), " ")

	if t.html != nil {
		buf.Reset()
		if err = t.html.Execute(&buf, data); err != nil {
			return "", "", "", err
		}
		html = buf.String()
	}
	if t.text != nil {
		buf.Reset()
		if err = t.text.Execute(&buf, data); err != nil {
			return "", "", "", err
		}
		text = buf.String()
	}
	return subject, html, text, nil
}

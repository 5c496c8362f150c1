// Package mail renders billing notification templates and delivers them
// over SMTP.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	gomail "github.com/go-mail/mail"
	"github.com/rs/zerolog"
)

type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Template IDs.
const (
	TemplateInvoiceIssued   = "invoice-issued"
	TemplatePaymentReceived = "payment-received"
)

type Template struct {
	ID      string
	Subject string
	Text    string
}

// Templates holds {{key}} style templates.
type Templates struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplates() *Templates {
	t := &Templates{templates: make(map[string]Template)}
	t.Register(Template{
		ID:      TemplateInvoiceIssued,
		Subject: "Invoice {{invoice_number}} from {{hospital}}",
		Text: "Dear {{patient_name}},\n\nInvoice {{invoice_number}} for {{currency}} {{total}} has been issued. " +
			"Outstanding balance: {{currency}} {{balance}}.\n\nThank you.",
	})
	t.Register(Template{
		ID:      TemplatePaymentReceived,
		Subject: "Payment received for invoice {{invoice_number}}",
		Text: "Dear {{patient_name}},\n\nWe received {{currency}} {{amount}} against invoice {{invoice_number}}. " +
			"Remaining balance: {{currency}} {{balance}} ({{status}}).\n\nThank you.",
	})
	return t
}

func (t *Templates) Register(tpl Template) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates[tpl.ID] = tpl
}

// Render substitutes data into the template. Unknown placeholders are left
// in place.
func (t *Templates) Render(id string, data map[string]string) (subject, body string, err error) {
	t.mu.RLock()
	tpl, ok := t.templates[id]
	t.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", id)
	}
	subject, body = tpl.Subject, tpl.Text
	for k, v := range data {
		ph := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, ph, v)
		body = strings.ReplaceAll(body, ph, v)
	}
	return subject, body, nil
}

// Mailer renders a template and hands the result to a Sender.
type Mailer struct {
	templates *Templates
	sender    Sender
}

func NewMailer(templates *Templates, sender Sender) *Mailer {
	return &Mailer{templates: templates, sender: sender}
}

func (m *Mailer) SendTemplate(ctx context.Context, to, templateID string, data map[string]string) error {
	if to == "" {
		return fmt.Errorf("mail: empty recipient")
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return err
	}
	return m.sender.Send(ctx, Message{To: to, Subject: subject, Text: body})
}

type SMTPSender struct {
	Host     string
	Port     int
	From     string
	User     string
	Password string
	SSL      bool
	logger   zerolog.Logger
}

func NewSMTPSender(host string, port int, from, user, password string, logger zerolog.Logger) *SMTPSender {
	return &SMTPSender{
		Host:     host,
		Port:     port,
		From:     from,
		User:     user,
		Password: password,
		SSL:      port == 465,
		logger:   logger.With().Str("component", "smtp").Logger(),
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
	}
	if msg.HTML != "" {
		if msg.Text == "" {
			m.SetBody("text/html", msg.HTML)
		} else {
			m.AddAlternative("text/html", msg.HTML)
		}
	}

	d := gomail.NewDialer(s.Host, s.Port, s.User, s.Password)
	d.TLSConfig = &tls.Config{ServerName: s.Host}
	d.SSL = s.SSL

	if err := d.DialAndSend(m); err != nil {
		s.logger.Error().Err(err).Str("to", msg.To).Msg("smtp send failed")
		return fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("mail sent")
	return nil
}

// LogSender writes messages to the log instead of sending them. Used when
// SMTP_HOST is unset.
type LogSender struct{ Logger zerolog.Logger }

func (l LogSender) Send(_ context.Context, msg Message) error {
	l.Logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("mail (not sent, smtp disabled)")
	return nil
}

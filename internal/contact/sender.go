// Package contact delivers messages from the storefront contact form.
package contact

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"sort"
	"strconv"
	"strings"

	"github.com/jordan-wright/email"
	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/platform/config"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

const (
	maxSubjectLength = 200
	maxBodyLength    = 5000
)

// Message is one submission of the contact form.
type Message struct {
	Name    string
	Email   string
	Subject string
	Body    string
}

// ValidationError lists invalid form fields with a human-readable problem.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return "contact: invalid " + strings.Join(names, ", ")
}

// Normalize trims every field.
func (m Message) Normalize() Message {
	return Message{
		Name:    strings.TrimSpace(m.Name),
		Email:   strings.TrimSpace(m.Email),
		Subject: strings.TrimSpace(m.Subject),
		Body:    strings.TrimSpace(m.Body),
	}
}

// Validate checks required fields and lengths.
func (m Message) Validate() error {
	fields := map[string]string{}
	if m.Name == "" {
		fields["name"] = "Please enter your name."
	}
	if _, err := mail.ParseAddress(m.Email); err != nil || m.Email == "" {
		fields["email"] = "Please enter a valid email address."
	}
	if m.Subject == "" {
		fields["subject"] = "Please enter a subject."
	} else if len(m.Subject) > maxSubjectLength {
		fields["subject"] = "Subject is too long."
	}
	if m.Body == "" {
		fields["message"] = "Please enter a message."
	} else if len(m.Body) > maxBodyLength {
		fields["message"] = "Message is too long."
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Sender delivers contact messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NewSender returns an SMTP sender when a host is configured, otherwise a
// sender that only logs the message.
func NewSender(cfg config.ContactConfig) (Sender, error) {
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return LogSender{}, nil
	}
	return NewSMTPSender(cfg)
}

// SMTPSender sends each message as a plain-text email to the store inbox.
type SMTPSender struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

// NewSMTPSender validates cfg and builds a sender.
func NewSMTPSender(cfg config.ContactConfig) (*SMTPSender, error) {
	host := strings.TrimSpace(cfg.SMTPHost)
	if host == "" {
		return nil, errors.New("contact: smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" || strings.TrimSpace(cfg.To) == "" {
		return nil, errors.New("contact: from and to addresses are required")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, host)
	}
	return &SMTPSender{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		auth: auth,
		from: strings.TrimSpace(cfg.From),
		to:   []string{strings.TrimSpace(cfg.To)},
		send: func(e *email.Email, addr string, auth smtp.Auth) error { return e.Send(addr, auth) },
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	msg = msg.Normalize()
	if err := msg.Validate(); err != nil {
		return err
	}
	e := email.NewEmail()
	e.From = s.from
	e.To = s.to
	e.ReplyTo = []string{msg.Email}
	e.Subject = "[Contact] " + msg.Subject
	e.Text = []byte(fmt.Sprintf("From: %s <%s>\n\n%s\n", msg.Name, msg.Email, msg.Body))

	logger := requestctx.Logger(ctx)
	if err := s.send(e, s.addr, s.auth); err != nil {
		logger.Error("contact email failed", zap.String("reply_to", msg.Email), zap.Error(err))
		return fmt.Errorf("contact: send: %w", err)
	}
	logger.Info("contact email sent", zap.String("reply_to", msg.Email))
	return nil
}

// LogSender records messages in the log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	msg = msg.Normalize()
	if err := msg.Validate(); err != nil {
		return err
	}
	requestctx.Logger(ctx).Info("contact message received",
		zap.String("name", msg.Name),
		zap.String("email", msg.Email),
		zap.String("subject", msg.Subject),
		zap.Int("length", len(msg.Body)))
	return nil
}

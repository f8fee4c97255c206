package contact

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"finitefield.org/ebookstore/internal/platform/config"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

var validMessage = Message{Name: " Asha ", Email: "asha@example.com", Subject: "Missing download", Body: "Order order_1 never arrived."}

func TestValidate(t *testing.T) {
	err := Message{Email: "not-an-email"}.Validate()
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	require.Len(t, vErr.Fields, 4)
	require.Equal(t, "contact: invalid email, message, name, subject", err.Error())

	require.NoError(t, validMessage.Normalize().Validate())
}

func TestSMTPSenderBuildsEmail(t *testing.T) {
	sender, err := NewSMTPSender(config.ContactConfig{
		SMTPHost: "smtp.example.com",
		SMTPUser: "mailer",
		From:     "store@example.com",
		To:       "support@example.com",
	})
	require.NoError(t, err)

	var (
		sent *email.Email
		addr string
	)
	sender.send = func(e *email.Email, a string, _ smtp.Auth) error {
		sent, addr = e, a
		return nil
	}

	require.NoError(t, sender.Send(context.Background(), validMessage))
	require.Equal(t, "smtp.example.com:587", addr)
	require.Equal(t, []string{"support@example.com"}, sent.To)
	require.Equal(t, []string{"asha@example.com"}, sent.ReplyTo)
	require.Equal(t, "[Contact] Missing download", sent.Subject)
	require.Contains(t, string(sent.Text), "From: Asha <asha@example.com>")
}

func TestSMTPSenderWrapsFailure(t *testing.T) {
	sender, err := NewSMTPSender(config.ContactConfig{SMTPHost: "h", SMTPPort: 25, From: "a@example.com", To: "b@example.com"})
	require.NoError(t, err)
	boom := errors.New("connection refused")
	sender.send = func(*email.Email, string, smtp.Auth) error { return boom }

	require.ErrorIs(t, sender.Send(context.Background(), validMessage), boom)
}

func TestNewSenderFallsBackToLog(t *testing.T) {
	sender, err := NewSender(config.ContactConfig{})
	require.NoError(t, err)
	require.IsType(t, LogSender{}, sender)

	core, logs := observer.New(zap.InfoLevel)
	ctx := requestctx.WithLogger(context.Background(), zap.New(core))
	require.NoError(t, sender.Send(ctx, validMessage))
	require.Equal(t, 1, logs.FilterMessage("contact message received").Len())

	_, err = NewSender(config.ContactConfig{SMTPHost: "smtp.example.com"})
	require.Error(t, err)
}

package provider

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// Email sends outbound notifications over SMTP via go-mail.
type Email struct {
	client *mail.Client
	from   string
}

// NewEmail constructs an Email provider against an SMTP relay.
func NewEmail(from, smtpHost, smtpUser, smtpPass string, smtpPort int) (*Email, error) {
	client, err := mail.NewClient(smtpHost,
		mail.WithPort(smtpPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(smtpUser),
		mail.WithPassword(smtpPass),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("email: new client: %w", err)
	}
	return &Email{client: client, from: from}, nil
}

// Name implements messenger.Provider.
func (e *Email) Name() string { return "email" }

// Send implements messenger.Provider, returning the generated Message-ID
// as the provider delivery ID.
func (e *Email) Send(ctx context.Context, recipient, subject, message string) (string, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.from); err != nil {
		return "", fmt.Errorf("email: from: %w", err)
	}
	if err := msg.To(recipient); err != nil {
		return "", fmt.Errorf("email: to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, message)

	if err := e.client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", fmt.Errorf("email: send: %w", err)
	}
	return msg.GetMessageID(), nil
}

package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mailersend/mailersend-go"
)

// emailService is the part of the MailerSend client the notifier uses.
type emailService interface {
	NewMessage() *mailersend.Message
	Send(ctx context.Context, message *mailersend.Message) (*mailersend.Response, error)
}

// MailerSend emails the decision to the user's contact address.
type MailerSend struct {
	email  emailService
	from   mailersend.From
	logger *slog.Logger
}

func NewMailerSend(apiKey, fromName, fromEmail string, logger *slog.Logger) (*MailerSend, error) {
	if apiKey == "" || fromEmail == "" {
		return nil, fmt.Errorf("mailersend requires an API key and a sender address")
	}
	return newMailerSend(mailersend.NewMailersend(apiKey).Email, fromName, fromEmail, logger), nil
}

func newMailerSend(email emailService, fromName, fromEmail string, logger *slog.Logger) *MailerSend {
	return &MailerSend{
		email:  email,
		from:   mailersend.From{Name: fromName, Email: fromEmail},
		logger: logger,
	}
}

func (m *MailerSend) NotifyDecision(ctx context.Context, d Decision) error {
	if d.Email == "" {
		m.logger.InfoContext(ctx, "no email on record, skipping decision email", "user_id", d.UserID.String())
		return nil
	}

	subject, text := decisionEmail(d)
	msg := m.email.NewMessage()
	msg.SetFrom(m.from)
	msg.SetRecipients([]mailersend.Recipient{{Name: d.FullName, Email: d.Email}})
	msg.SetSubject(subject)
	msg.SetText(text)

	res, err := m.email.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("mailersend send: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("mailersend error: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	m.logger.InfoContext(ctx, "decision email sent",
		"user_id", d.UserID.String(),
		"message_id", res.Header.Get("X-Message-Id"),
	)
	return nil
}

func decisionEmail(d Decision) (subject, text string) {
	greeting := "Hello"
	if d.FullName != "" {
		greeting = "Hello " + d.FullName
	}
	if d.Approved {
		return "Your identity verification was approved",
			greeting + ",\n\nYour identity verification has been approved. Any held payment is now released.\n"
	}
	text = greeting + ",\n\nYour identity verification could not be approved."
	if d.Notes != "" {
		text += "\n\nReviewer notes: " + d.Notes
	}
	return "Your identity verification needs attention", text + "\n"
}

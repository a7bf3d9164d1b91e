// Package mail sends operator-facing notifications, currently only password
// reset messages.
package mail

import (
	"context"
	"fmt"
	"net/smtp"

	"linkage.org/internal/obs"
)

// Mailer is the outbound mail capability consumed by the directory service.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTP sends through a STARTTLS-capable relay.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	ReplyTo  string
}

var _ Mailer = (*SMTP)(nil)

func (m *SMTP) Send(_ context.Context, to, subject, body string) error {
	replyTo := m.ReplyTo
	if replyTo == "" {
		replyTo = m.Username
	}
	msg := fmt.Sprintf("From: %s\r\nReply-To: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.Username, replyTo, to, subject, body)

	addr := fmt.Sprintf("%s:%d", m.Host, m.Port)
	auth := smtp.PlainAuth("", m.Username, m.Password, m.Host)
	if err := smtp.SendMail(addr, auth, m.Username, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("mail send: %w", err)
	}
	return nil
}

// Noop logs instead of sending; used when no relay is configured.
type Noop struct{}

var _ Mailer = Noop{}

func (Noop) Send(_ context.Context, to, subject, _ string) error {
	obs.Log(map[string]any{
		"level":   "warn",
		"msg":     "mail transport not configured, dropping message",
		"to":      to,
		"subject": subject,
	})
	return nil
}

package notification

import (
	"Go2NetWatch/internal/config"
	"fmt"
	"net/smtp"
	"strings"
)

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends alert summaries as HTML mail.
type EmailNotifier struct {
	cfg  config.SMTPConfig
	auth smtp.Auth
	send SendFunc
}

// NewEmailNotifier creates a notifier for cfg. Authentication is skipped when no
// username is configured.
func NewEmailNotifier(cfg config.SMTPConfig) *EmailNotifier {
	return NewEmailNotifierWithSender(cfg, smtp.SendMail)
}

func NewEmailNotifierWithSender(cfg config.SMTPConfig, send SendFunc) *EmailNotifier {
	n := &EmailNotifier{cfg: cfg, send: send}
	if cfg.Username != "" {
		// PlainAuth will not send credentials until the server identifies itself as a trusted one.
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return n
}

// Recipients returns the trimmed, non-empty addresses of the To list.
func (n *EmailNotifier) Recipients() []string {
	var out []string
	for _, r := range strings.Split(n.cfg.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Send mails subject and body to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	recipients := n.Recipients()
	if len(recipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	msg := []byte("To: " + strings.Join(recipients, ", ") + "\r\n" +
		"From: " + n.cfg.From + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" +
		body)

	if err := n.send(addr, n.auth, n.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

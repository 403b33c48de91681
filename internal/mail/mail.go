// Package mail delivers transactional messages. The SMTP sender is used in
// deployments; the console sender stands in when SMTP is unconfigured so
// local reset flows stay usable.
package mail

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"binwatch/internal/observability"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

func (c Config) Configured() bool {
	return c.Host != "" && c.From != ""
}

// SMTPSender sends over plain SMTP with optional AUTH.
type SMTPSender struct {
	config Config
}

func NewSMTPSender(config Config) *SMTPSender {
	return &SMTPSender{config: config}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, textBody, htmlBody string) error {
	from := s.config.From
	headers := []string{
		fmt.Sprintf("From: %s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), from),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", mime.QEncoding.Encode("utf-8", subject)),
		"MIME-Version: 1.0",
	}

	var body string
	if htmlBody != "" {
		headers = append(headers, `Content-Type: text/html; charset="utf-8"`)
		body = htmlBody
	} else {
		headers = append(headers, `Content-Type: text/plain; charset="utf-8"`)
		body = textBody
	}

	message := strings.Join(headers, "\r\n") + "\r\n\r\n" + body

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	addr := s.config.Host + ":" + s.config.Port
	if err := smtp.SendMail(addr, auth, from, []string{to}, []byte(message)); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

// ConsoleSender logs the message instead of delivering it. The text body
// (which carries the reset URL) is logged in full.
type ConsoleSender struct {
	logger *observability.Logger
}

func NewConsoleSender(logger *observability.Logger) *ConsoleSender {
	return &ConsoleSender{logger: logger}
}

func (s *ConsoleSender) Send(ctx context.Context, to, subject, textBody, htmlBody string) error {
	s.logger.Info("mail_console_delivery", map[string]any{
		"to":      to,
		"subject": subject,
		"body":    textBody,
	})
	return nil
}

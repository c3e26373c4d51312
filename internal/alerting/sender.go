package alerting

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender relays mail through an SMTP server. PLAIN auth is used when a
// username is configured.
type SMTPSender struct {
	addr     string
	username string
	password string
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender returns a sender relaying through addr (host:port).
func NewSMTPSender(addr, username, password string) *SMTPSender {
	return &SMTPSender{addr: addr, username: username, password: password, sendMail: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("SMTPSender.Send: no recipients")
	}

	var auth smtp.Auth
	if s.username != "" {
		host, _, err := net.SplitHostPort(s.addr)
		if err != nil {
			return fmt.Errorf("SMTPSender.Send: %w", err)
		}
		auth = smtp.PlainAuth("", s.username, s.password, host)
	}

	if err := s.sendMail(s.addr, auth, msg.From, msg.To, renderMIME(msg)); err != nil {
		return fmt.Errorf("SMTPSender.Send: %w", err)
	}
	return nil
}

func renderMIME(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogSender writes messages to the logger instead of sending them.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a sender for development setups without SMTP.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("alert_message",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

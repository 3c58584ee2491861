// Package mailer は認証メールの送信機能を提供する。
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
)

// Mailer はメール送信のインターフェース。
type Mailer interface {
	// Send は指定アドレスへメールを送信する。
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer はSMTP経由でメールを送信するMailerの実装。
type SMTPMailer struct {
	host string
	port string
	user string
	pass string
	from string
}

// NewSMTPMailer はSMTPMailerを生成する。
func NewSMTPMailer(host, port, user, pass, from string) *SMTPMailer {
	return &SMTPMailer{
		host: host,
		port: port,
		user: user,
		pass: pass,
		from: from,
	}
}

// Send はSMTPサーバー経由でメールを送信する。
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	addr := net.JoinHostPort(m.host, m.port)

	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.pass, m.host)
	}

	msg := strings.Join([]string{
		fmt.Sprintf("From: %s", m.from),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="UTF-8"`,
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(addr, auth, m.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}
	return nil
}

// LogMailer はメールを送信せずログに出力するMailerの実装。
// SMTP設定がない開発環境で使用する。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send はメール内容をログに出力する。
func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.logger.Info("mail (not sent, SMTP not configured)",
		"to", to,
		"subject", subject,
		"body", body,
	)
	return nil
}

// compile-time interface check
var _ Mailer = (*SMTPMailer)(nil)
var _ Mailer = (*LogMailer)(nil)

// Package mailer はエクスポート完了通知メールの送信を提供します。
package mailer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/visit-export/internal/config"
)

// Message は送信するメールです。
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender はメール送信の共通インターフェースです。戻り値はプロバイダーのメッセージIDです。
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// NewSender は MAIL_PROVIDER に応じた Sender を返します。
func NewSender(cfg *config.Config, logger logrus.FieldLogger) (Sender, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	switch cfg.MailProvider {
	case config.MailProviderSendGrid:
		return NewSendGridSender(cfg.SendGridAPIKey, cfg.MailFrom, logger)
	case config.MailProviderMailgun:
		return NewMailgunSender(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailFrom, cfg.MailgunAPIBase, logger)
	case config.MailProviderLog, "":
		return NewLogSender(cfg.MailFrom, logger), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.MailProvider)
	}
}

// ExportReady はエクスポート完了通知のメールを組み立てます。
func ExportReady(to, resourceName, downloadURL string) Message {
	name := strings.TrimSpace(resourceName)
	if name == "" {
		name = "your resource"
	}
	subject := fmt.Sprintf("Your visit export for %s is ready", name)
	text := fmt.Sprintf("The visit export for %s is ready.\n\nDownload it here: %s\n\nThe link expires after a while; request a new export if it no longer works.\n", name, downloadURL)
	body := fmt.Sprintf(
		`<p>The visit export for <strong>%s</strong> is ready.</p><p><a href="%s">Download the CSV</a></p><p>The link expires after a while; request a new export if it no longer works.</p>`,
		html.EscapeString(name), html.EscapeString(downloadURL),
	)
	return Message{To: to, Subject: subject, Text: text, HTML: body}
}

// LogSender は送信せずにログへ出力します。開発環境用です。
type LogSender struct {
	from   string
	logger logrus.FieldLogger
}

// NewLogSender は LogSender を作成します。
func NewLogSender(from string, logger logrus.FieldLogger) *LogSender {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSender{from: from, logger: logger}
}

// Send はメール内容をログに記録します。
func (s *LogSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.logger.WithFields(logrus.Fields{
		"id":      id,
		"from":    firstNonEmpty(msg.From, s.from),
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("mail not sent (log provider)\n" + msg.Text)
	return id, ctx.Err()
}

func validate(msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("mail recipient is required")
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return errors.New("mail subject is required")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package mailer

import (
	"context"
	"errors"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/sirupsen/logrus"
)

// MailgunSender は Mailgun で送信します。
type MailgunSender struct {
	mg     *mailgun.MailgunImpl
	from   string
	logger logrus.FieldLogger
}

// NewMailgunSender は MailgunSender を作成します。apiBase が空なら既定のエンドポイントを使います。
func NewMailgunSender(domain, key, from, apiBase string, logger logrus.FieldLogger) (*MailgunSender, error) {
	if domain == "" || key == "" || from == "" {
		return nil, errors.New("invalid Mailgun configuration")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	mg := mailgun.NewMailgun(domain, key)
	if apiBase != "" {
		mg.SetAPIBase(apiBase)
	}
	return &MailgunSender{mg: mg, from: from, logger: logger}, nil
}

// Send はメールを送信します。
func (s *MailgunSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}
	message := s.mg.NewMessage(firstNonEmpty(msg.From, s.from), msg.Subject, msg.Text, msg.To)
	if msg.HTML != "" {
		message.SetHtml(msg.HTML)
	}

	_, id, err := s.mg.Send(ctx, message)
	if err != nil {
		s.logger.WithError(err).Error("mailgun send failed")
		return "", err
	}
	s.logger.WithFields(logrus.Fields{"to": msg.To, "id": id}).Info("email queued via mailgun")
	return id, nil
}

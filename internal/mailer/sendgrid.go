package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
)

const sendGridHost = "https://api.sendgrid.com"

// SendGridSender は SendGrid の v3 Mail Send API で送信します。
type SendGridSender struct {
	key    string
	from   string
	host   string
	logger logrus.FieldLogger
}

// NewSendGridSender は SendGridSender を作成します。
func NewSendGridSender(key, from string, logger logrus.FieldLogger) (*SendGridSender, error) {
	if key == "" || from == "" {
		return nil, errors.New("invalid SendGrid configuration")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SendGridSender{key: key, from: from, host: sendGridHost, logger: logger}, nil
}

// Send はメールを送信します。
func (s *SendGridSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}
	from := mail.NewEmail("", firstNonEmpty(msg.From, s.from))
	to := mail.NewEmail("", msg.To)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Text, msg.HTML)

	request := sendgrid.GetRequest(s.key, "/v3/mail/send", s.host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(message)

	response, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		s.logger.WithError(err).Error("sendgrid request failed")
		return "", err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		err := fmt.Errorf("failed to send email, status code: %d", response.StatusCode)
		s.logger.WithError(err).WithField("body", response.Body).Error("sendgrid rejected message")
		return "", err
	}

	var id string
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		id = ids[0]
	}
	s.logger.WithFields(logrus.Fields{"to": msg.To, "id": id}).Info("email sent via sendgrid")
	return id, nil
}

package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/visit-export/internal/config"
)

func TestNewSenderSelectsProvider(t *testing.T) {
	logger, _ := test.NewNullLogger()

	s, err := NewSender(&config.Config{MailProvider: config.MailProviderLog, MailFrom: "no-reply@example.com"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	s, err = NewSender(&config.Config{MailProvider: config.MailProviderSendGrid, SendGridAPIKey: "k", MailFrom: "a@example.com"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &SendGridSender{}, s)

	s, err = NewSender(&config.Config{MailProvider: config.MailProviderMailgun, MailgunDomain: "mg.example.com", MailgunAPIKey: "k", MailFrom: "a@example.com"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MailgunSender{}, s)

	_, err = NewSender(&config.Config{MailProvider: config.MailProviderSendGrid, MailFrom: "a@example.com"}, logger)
	assert.Error(t, err)

	_, err = NewSender(&config.Config{MailProvider: "fax"}, logger)
	assert.Error(t, err)
}

func TestLogSenderRecordsMessage(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := NewLogSender("no-reply@example.com", logger)

	id, err := s.Send(context.Background(), ExportReady("me@example.com", "Acme", "https://app.example.com/x"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "me@example.com", entry.Data["to"])
	assert.Equal(t, "no-reply@example.com", entry.Data["from"])
	assert.Contains(t, entry.Message, "https://app.example.com/x")

	_, err = s.Send(context.Background(), Message{Subject: "no recipient"})
	assert.Error(t, err)
}

func TestExportReadyEscapesHTML(t *testing.T) {
	msg := ExportReady("me@example.com", "<Board>", "https://x/?a=1&b=2")
	assert.Equal(t, "Your visit export for <Board> is ready", msg.Subject)
	assert.Contains(t, msg.HTML, "&lt;Board&gt;")
	assert.Contains(t, msg.HTML, "a=1&amp;b=2")
	assert.Contains(t, msg.Text, "https://x/?a=1&b=2")

	assert.Contains(t, ExportReady("me@example.com", " ", "u").Subject, "your resource")
}

func TestSendGridSenderPostsMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("X-Message-Id", "msg-42")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	s, err := NewSendGridSender("key-1", "no-reply@example.com", logger)
	require.NoError(t, err)
	s.host = srv.URL

	id, err := s.Send(context.Background(), ExportReady("me@example.com", "Acme", "https://app/x"))
	require.NoError(t, err)
	assert.Equal(t, "msg-42", id)

	from := got["from"].(map[string]any)
	assert.Equal(t, "no-reply@example.com", from["email"])
	assert.Equal(t, "Your visit export for Acme is ready", got["subject"])
}

func TestSendGridSenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	s, err := NewSendGridSender("bad", "no-reply@example.com", logger)
	require.NoError(t, err)
	s.host = srv.URL

	_, err = s.Send(context.Background(), ExportReady("me@example.com", "Acme", "u"))
	assert.ErrorContains(t, err, "401")
}

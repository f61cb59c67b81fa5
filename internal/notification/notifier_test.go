package notification

import (
	"Go2NetWatch/internal/config"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func TestSendBuildsHTMLMessage(t *testing.T) {
	var got sentMail
	cfg := config.SMTPConfig{Host: "mail.local", Port: 2525, Username: "u", Password: "p", From: "nw@local", To: "a@x, b@x,"}
	n := NewEmailNotifierWithSender(cfg, func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		got = sentMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)}
		return nil
	})

	require.NoError(t, n.Send("Alert", "<h1>hi</h1>"))
	assert.Equal(t, "mail.local:2525", got.addr)
	assert.NotNil(t, got.auth)
	assert.Equal(t, "nw@local", got.from)
	assert.Equal(t, []string{"a@x", "b@x"}, got.to)
	assert.Contains(t, got.msg, "Subject: Alert\r\n")
	assert.Contains(t, got.msg, "Content-Type: text/html")
	assert.Contains(t, got.msg, "\r\n\r\n<h1>hi</h1>")
}

func TestSendWithoutCredentialsSkipsAuth(t *testing.T) {
	var auth smtp.Auth = smtp.PlainAuth("", "x", "y", "z")
	n := NewEmailNotifierWithSender(config.SMTPConfig{Host: "h", Port: 25, To: "a@x"}, func(_ string, a smtp.Auth, _ string, _ []string, _ []byte) error {
		auth = a
		return nil
	})
	require.NoError(t, n.Send("s", "b"))
	assert.Nil(t, auth)
}

func TestSendErrors(t *testing.T) {
	n := NewEmailNotifierWithSender(config.SMTPConfig{Host: "h", Port: 25}, nil)
	assert.Error(t, n.Send("s", "b"))

	boom := errors.New("refused")
	n = NewEmailNotifierWithSender(config.SMTPConfig{Host: "h", Port: 25, To: "a@x"}, func(string, smtp.Auth, string, []string, []byte) error {
		return boom
	})
	assert.ErrorIs(t, n.Send("s", "b"), boom)
}

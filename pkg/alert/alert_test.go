package alert

import (
	"bytes"
	"errors"
	"log/slog"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lettuce/pkg/config"
)

func TestNew_SelectsAlerter(t *testing.T) {
	a := New(config.AlertConfig{}, nil)
	_, ok := a.(*LogAlerter)
	assert.True(t, ok)

	a = New(config.AlertConfig{Enabled: true, SMTPHost: "smtp.example.com", To: []string{"ops@example.com"}}, nil)
	_, ok = a.(*EmailAlerter)
	assert.True(t, ok)
}

func TestEmailAlerter_SendsMessage(t *testing.T) {
	cfg := config.AlertConfig{
		Enabled:  true,
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		From:     "lettuce@example.com",
		To:       []string{"ops@example.com", "oncall@example.com"},
	}
	a := NewEmailAlerter(cfg)

	var gotAddr string
	var gotMsg []byte
	a.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, cfg.From, from)
		assert.Equal(t, cfg.To, to)
		return nil
	}

	require.NoError(t, a.Alert("breaker open", "classifier failing"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: breaker open\r\n")
	assert.Contains(t, string(gotMsg), "To: ops@example.com,oncall@example.com\r\n")
}

func TestEmailAlerter_WrapsSendError(t *testing.T) {
	a := NewEmailAlerter(config.AlertConfig{Enabled: true, SMTPHost: "h", To: []string{"x"}})
	sendErr := errors.New("dial failed")
	a.send = func(string, smtp.Auth, string, []string, []byte) error { return sendErr }

	err := a.Alert("s", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, sendErr)
}

func TestEmailAlerter_DisabledIsSilent(t *testing.T) {
	a := NewEmailAlerter(config.AlertConfig{})
	a.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called when disabled")
		return nil
	}
	assert.NoError(t, a.Alert("s", "m"))
}

func TestLogAlerter(t *testing.T) {
	var buf bytes.Buffer
	a := NewLogAlerter(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, a.Alert("breaker open", "too many failures"))
	assert.Equal(t, 1, a.Count())
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "too many failures")
}

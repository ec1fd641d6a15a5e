package alert

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"

	"github.com/soundprediction/lettuce/pkg/config"
)

// Alerter defines an interface for sending alerts
type Alerter interface {
	Alert(subject, message string) error
}

// New returns an EmailAlerter when alerting is enabled and a LogAlerter otherwise.
func New(cfg config.AlertConfig, logger *slog.Logger) Alerter {
	if cfg.Enabled && cfg.SMTPHost != "" && len(cfg.To) > 0 {
		return NewEmailAlerter(cfg)
	}
	return NewLogAlerter(logger)
}

// EmailAlerter implements Alerter using SMTP
type EmailAlerter struct {
	cfg  config.AlertConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailAlerter creates a new email alerter
func NewEmailAlerter(cfg config.AlertConfig) *EmailAlerter {
	return &EmailAlerter{
		cfg:  cfg,
		send: smtp.SendMail,
	}
}

// Alert sends an email with the given subject and message
func (a *EmailAlerter) Alert(subject, message string) error {
	if !a.cfg.Enabled {
		return nil
	}

	auth := smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.SMTPHost)
	addr := fmt.Sprintf("%s:%d", a.cfg.SMTPHost, a.cfg.SMTPPort)

	if err := a.send(addr, auth, a.cfg.From, a.cfg.To, buildMessage(a.cfg.To, subject, message)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

func buildMessage(to []string, subject, message string) []byte {
	return []byte(fmt.Sprintf("To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", strings.Join(to, ","), subject, message))
}

// LogAlerter writes alerts to a logger at ERROR level.
// Paired with the telemetry Parquet handler they end up in the error log.
type LogAlerter struct {
	logger *slog.Logger

	mu    sync.Mutex
	count int
}

// NewLogAlerter creates a LogAlerter. A nil logger uses slog.Default().
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

// Alert logs the alert.
func (a *LogAlerter) Alert(subject, message string) error {
	a.mu.Lock()
	a.count++
	a.mu.Unlock()

	a.logger.Error(subject, "alert", true, "message", message)
	return nil
}

// Count returns the number of alerts raised so far.
func (a *LogAlerter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// NoOpAlerter is a dummy alerter for when alerting is disabled
type NoOpAlerter struct{}

func (n *NoOpAlerter) Alert(subject, message string) error {
	return nil
}

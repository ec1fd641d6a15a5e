package nlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soundprediction/lettuce/pkg/alert"
	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/types"
)

// CircuitBreakerClassifier wraps a Classifier with circuit breaking logic
type CircuitBreakerClassifier struct {
	classifier Classifier
	cb         *gobreaker.CircuitBreaker
	alerter    alert.Alerter
	name       string
}

// NewCircuitBreakerClassifier creates a new circuit breaker wrapper. An alert
// is raised every time the breaker opens.
func NewCircuitBreakerClassifier(classifier Classifier, cfg config.CircuitBreakerConfig, alerter alert.Alerter, logger *slog.Logger) *CircuitBreakerClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = &alert.NoOpAlerter{}
	}
	ratio := cfg.ReadyToTripRatio
	if ratio <= 0 {
		ratio = 0.6
	}
	name := classifier.Name()

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.Interval) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= ratio
		},
		// A caller giving up is not a model failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("classifier circuit breaker changed state",
				"classifier", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				msg := fmt.Sprintf("Circuit Breaker '%s' changed status from %s to %s. Too many failures detected.", name, from, to)
				if err := alerter.Alert(fmt.Sprintf("URGENT: Circuit Breaker Tripped - %s", name), msg); err != nil {
					logger.Error("failed to send circuit breaker alert", "error", err)
				}
			}
		},
	}

	return &CircuitBreakerClassifier{
		classifier: classifier,
		cb:         gobreaker.NewCircuitBreaker(st),
		alerter:    alerter,
		name:       name,
	}
}

// Classify implements Classifier
func (c *CircuitBreakerClassifier) Classify(ctx context.Context, windows []types.Window) ([]Prediction, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return c.classifier.Classify(ctx, windows)
	})
	if err != nil {
		return nil, err
	}
	return resp.([]Prediction), nil
}

// State reports the breaker state.
func (c *CircuitBreakerClassifier) State() gobreaker.State {
	return c.cb.State()
}

// Health reports an error while the breaker is open.
func (c *CircuitBreakerClassifier) Health(context.Context) error {
	if c.cb.State() == gobreaker.StateOpen {
		return fmt.Errorf("circuit breaker for %s is open", c.name)
	}
	return nil
}

// Name implements Classifier
func (c *CircuitBreakerClassifier) Name() string {
	return c.name
}

// Close implements Classifier
func (c *CircuitBreakerClassifier) Close() error {
	return c.classifier.Close()
}

// Unwrap returns the wrapped classifier.
func (c *CircuitBreakerClassifier) Unwrap() Classifier {
	return c.classifier
}

// Wrap applies retry inside a circuit breaker according to configuration.
// Retries run inside the breaker so one request counts once.
func Wrap(c Classifier, retry config.RetryConfig, breaker config.CircuitBreakerConfig, alerter alert.Alerter, logger *slog.Logger) Classifier {
	if retry.Enabled {
		c = NewRetryClassifier(c, &RetryConfig{
			MaxRetries:        retry.MaxRetries,
			InitialDelay:      retry.InitialDelay,
			MaxDelay:          retry.MaxDelay,
			BackoffMultiplier: retry.BackoffMultiplier,
		}, logger)
	}
	if breaker.Enabled {
		c = NewCircuitBreakerClassifier(c, breaker, alerter, logger)
	}
	return c
}

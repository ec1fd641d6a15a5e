package nlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/soundprediction/lettuce/pkg/types"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int
	// InitialDelay is the initial delay before the first retry (default: 1 second)
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries (default: 60 seconds)
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryClassifier wraps a Classifier and retries transient failures with
// exponential backoff
type RetryClassifier struct {
	classifier Classifier
	config     *RetryConfig
	logger     *slog.Logger
}

// NewRetryClassifier creates a new retry wrapper
func NewRetryClassifier(classifier Classifier, config *RetryConfig, logger *slog.Logger) *RetryClassifier {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RetryClassifier{
		classifier: classifier,
		config:     config,
		logger:     logger,
	}
}

// Classify implements Classifier with retry logic
func (r *RetryClassifier) Classify(ctx context.Context, windows []types.Window) ([]Prediction, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			r.logger.Warn("retrying classifier call",
				"classifier", r.classifier.Name(),
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		preds, err := r.classifier.Classify(ctx, windows)
		if err == nil {
			return preds, nil
		}
		lastErr = err

		if ctx.Err() != nil || !isRetryableError(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

// Name implements Classifier
func (r *RetryClassifier) Name() string {
	return r.classifier.Name()
}

// Close implements Classifier
func (r *RetryClassifier) Close() error {
	return r.classifier.Close()
}

// Unwrap returns the wrapped classifier.
func (r *RetryClassifier) Unwrap() Classifier {
	return r.classifier
}

// calculateDelay calculates the delay for a given retry attempt using exponential backoff
func (r *RetryClassifier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	return time.Duration(delay)
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, ErrRateLimit) || errors.Is(err, ErrEmptyResponse) {
		return true
	}

	type httpErrorWithStatusCode interface {
		HTTPStatusCode() int
	}
	var httpErr httpErrorWithStatusCode
	if errors.As(err, &httpErr) {
		statusCode := httpErr.HTTPStatusCode()
		return statusCode >= 500 || statusCode == http.StatusTooManyRequests
	}

	errMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"500", "internal server error",
		"502", "bad gateway",
		"503", "service unavailable",
		"504", "gateway timeout",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"rate limit",
		"too many requests",
		"429",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lettuce"
	"github.com/soundprediction/lettuce/pkg/client"
	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/nlp"
	"github.com/soundprediction/lettuce/pkg/server"
	"github.com/soundprediction/lettuce/pkg/tokenizer"
)

func newTestClient(t *testing.T) *client.Client {
	t.Helper()
	d, err := lettuce.NewDetector(nlp.NewStaticClassifier(0.7), tokenizer.NewSubword(nil), nil, nil)
	require.NoError(t, err)

	s := server.New(&config.Config{
		Server: config.ServerConfig{Host: "localhost", Port: 0, Mode: gin.TestMode, RequestTimeout: 5 * time.Second},
	}, d, nil)
	s.Setup()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return client.New(ts.URL+"/", nil)
}

var contexts = []string{"The sky is blue."}

const (
	question = "What color is the sky?"
	answer   = "The sky is green."
)

func TestDetectTokens(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.DetectTokens(context.Background(), contexts, question, answer, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Predictions)
	for _, p := range resp.Predictions {
		assert.InDelta(t, 0.7, p.HallucinationScore, 1e-9)
	}
}

func TestDetectSpans(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.DetectSpans(context.Background(), contexts, question, answer, nil)
	require.NoError(t, err)
	require.Len(t, resp.Predictions, 1)
	span := resp.Predictions[0]
	assert.Equal(t, 0, span.Start)
	assert.Equal(t, answer[span.Start:span.End], span.Text)
	assert.InDelta(t, 0.7, span.HallucinationScore, 1e-9)
}

func TestDetectSpansThreshold(t *testing.T) {
	c := newTestClient(t)

	threshold := 0.9
	resp, err := c.DetectSpans(context.Background(), contexts, question, answer, &client.Options{Threshold: &threshold})
	require.NoError(t, err)
	assert.Empty(t, resp.Predictions)
}

func TestInvalidParameter(t *testing.T) {
	c := newTestClient(t)

	threshold := 2.0
	_, err := c.DetectSpans(context.Background(), contexts, question, answer, &client.Options{Threshold: &threshold})
	require.Error(t, err)

	var se *nlp.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestRateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/lettucedetect/token", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer ts.Close()

	c := client.New(ts.URL, &client.Config{HTTPClient: ts.Client()})
	_, err := c.DetectTokens(context.Background(), nil, "", answer, nil)

	var rl *nlp.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Contains(t, rl.Error(), "rate limit exceeded")
}

func TestQueryParameters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0.25", r.URL.Query().Get("threshold"))
		assert.Equal(t, "16", r.URL.Query().Get("stride"))
		assert.Equal(t, "256", r.URL.Query().Get("max_tokens"))
		_, _ = w.Write([]byte(`{"predictions":[]}`))
	}))
	defer ts.Close()

	threshold, stride, maxTokens := 0.25, 16, 256
	c := client.New(ts.URL, nil)
	resp, err := c.DetectSpans(context.Background(), contexts, question, answer,
		&client.Options{Threshold: &threshold, Stride: &stride, MaxTokens: &maxTokens})
	require.NoError(t, err)
	assert.Empty(t, resp.Predictions)
}

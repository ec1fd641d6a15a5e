// Package client is a Go client for the lettuce HTTP API.
//
//	c := client.New("http://127.0.0.1:8000", nil)
//	resp, err := c.DetectSpans(ctx, contexts, question, answer)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/soundprediction/lettuce/pkg/nlp"
	"github.com/soundprediction/lettuce/pkg/server/dto"
)

const (
	tokenEndpoint = "/v1/lettucedetect/token"
	spansEndpoint = "/v1/lettucedetect/spans"
)

// Config holds client settings.
type Config struct {
	// Timeout bounds each request. Zero means 60 seconds.
	Timeout time.Duration
	// HTTPClient overrides the transport, e.g. in tests.
	HTTPClient *http.Client
}

// Options are the per-call query parameters accepted by the server.
type Options struct {
	Threshold *float64
	Stride    *int
	MaxTokens *int
}

// Client calls a lettuce server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL, e.g. "http://127.0.0.1:8000".
func New(baseURL string, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// DetectTokens scores every token of answer.
func (c *Client) DetectTokens(ctx context.Context, contexts []string, question, answer string, opts *Options) (*dto.TokenDetectionResponse, error) {
	var resp dto.TokenDetectionResponse
	if err := c.post(ctx, tokenEndpoint, contexts, question, answer, opts, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DetectSpans returns the hallucinated spans of answer.
func (c *Client) DetectSpans(ctx context.Context, contexts []string, question, answer string, opts *Options) (*dto.SpanDetectionResponse, error) {
	var resp dto.SpanDetectionResponse
	if err := c.post(ctx, spansEndpoint, contexts, question, answer, opts, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, endpoint string, contexts []string, question, answer string, opts *Options, out interface{}) error {
	if contexts == nil {
		contexts = []string{}
	}
	body, err := json.Marshal(dto.DetectionRequest{Contexts: contexts, Question: question, Answer: &answer})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	u := c.baseURL + endpoint
	if q := opts.query(); q != "" {
		u += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e dto.ErrorResponse
		detail := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			detail = e.Error
			if e.Message != "" {
				detail += ": " + e.Message
			}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nlp.NewRateLimitError(detail)
		}
		return &nlp.StatusError{StatusCode: resp.StatusCode, Detail: detail}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (o *Options) query() string {
	if o == nil {
		return ""
	}
	v := url.Values{}
	if o.Threshold != nil {
		v.Set("threshold", strconv.FormatFloat(*o.Threshold, 'f', -1, 64))
	}
	if o.Stride != nil {
		v.Set("stride", strconv.Itoa(*o.Stride))
	}
	if o.MaxTokens != nil {
		v.Set("max_tokens", strconv.Itoa(*o.MaxTokens))
	}
	return v.Encode()
}

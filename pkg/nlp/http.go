package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/soundprediction/lettuce/pkg/types"
)

// HTTPConfig configures an HTTPClassifier.
type HTTPConfig struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Model    string        `json:"model"`
	Timeout  time.Duration `json:"timeout"`
}

// HTTPClassifier calls a token classification server.
//
// The server receives POST {endpoint}/classify with one entry per window and
// answers with one prediction per window.
type HTTPClassifier struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

type classifyWindow struct {
	Index    int      `json:"index"`
	IDs      []int    `json:"ids"`
	Tokens   []string `json:"tokens"`
	Segments []string `json:"segments"`
}

type classifyRequest struct {
	Model   string           `json:"model,omitempty"`
	Windows []classifyWindow `json:"windows"`
}

type classifyResponse struct {
	Predictions []Prediction `json:"predictions"`
}

// NewHTTPClassifier creates an HTTPClassifier.
func NewHTTPClassifier(cfg HTTPConfig) (*HTTPClassifier, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint URL is required")
	}
	if err := validateBaseURL(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClassifier{
		baseURL:    strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name implements Classifier.
func (c *HTTPClassifier) Name() string {
	if c.model != "" {
		return "http:" + c.model
	}
	return "http"
}

// Health checks the server's /health endpoint.
func (c *HTTPClassifier) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, windows []types.Window) ([]Prediction, error) {
	body := classifyRequest{Model: c.model, Windows: make([]classifyWindow, len(windows))}
	for i, w := range windows {
		cw := classifyWindow{
			Index:    w.Index,
			IDs:      w.IDs(),
			Tokens:   make([]string, len(w.Tokens)),
			Segments: make([]string, len(w.Tokens)),
		}
		for j, tok := range w.Tokens {
			cw.Tokens[j] = tok.Text
			cw.Segments[j] = string(tok.Segment)
		}
		body.Windows[i] = cw
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewRateLimitError()
	}
	if resp.StatusCode != http.StatusOK {
		var apiError struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(respBody, &apiError)
		return nil, &StatusError{StatusCode: resp.StatusCode, Detail: apiError.Detail}
	}

	var out classifyResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Predictions) == 0 && len(windows) > 0 {
		return nil, NewEmptyResponseError("model server returned no predictions")
	}
	return out.Predictions, nil
}

// Close implements Classifier.
func (c *HTTPClassifier) Close() error {
	return nil
}

func (c *HTTPClassifier) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

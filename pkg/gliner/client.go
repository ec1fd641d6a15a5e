package gliner

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/soundprediction/go-gline-rs/pkg/gline"

	"github.com/soundprediction/lettuce/pkg/nlp"
)

// Client wraps a GLiNER span model. Calls are serialised on the model handle.
type Client struct {
	spanModel *gline.Model
	mu        sync.Mutex
}

// NewClient loads a span model from a local directory holding model.onnx and
// tokenizer.json, or from a Hugging Face model id.
func NewClient(modelID string) (*Client, error) {
	if err := gline.Init(); err != nil {
		return nil, fmt.Errorf("failed to init gline: %w", err)
	}

	if _, err := os.Stat(modelID); err == nil {
		modelPath := filepath.Join(modelID, "model.onnx")
		tokPath := filepath.Join(modelID, "tokenizer.json")
		m, err := gline.NewSpanModel(modelPath, tokPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load span model from %s: %w", modelID, err)
		}
		return &Client{spanModel: m}, nil
	}

	m, err := gline.NewSpanModelFromHF(modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load span model %s: %w", modelID, err)
	}
	return &Client{spanModel: m}, nil
}

// Close releases the model.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spanModel != nil {
		c.spanModel.Close()
		c.spanModel = nil
	}
	return nil
}

// ExtractEntities labels spans of text with the given zero-shot labels.
func (c *Client) ExtractEntities(text string, labels []string) ([]nlp.EntityScore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spanModel == nil {
		return nil, fmt.Errorf("span model not loaded")
	}

	results, err := c.spanModel.Predict([]string{text}, labels)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return []nlp.EntityScore{}, nil
	}

	entities := make([]nlp.EntityScore, 0, len(results[0]))
	for _, e := range results[0] {
		entities = append(entities, nlp.EntityScore{
			Text:  e.Text,
			Label: e.Label,
			Score: float64(e.Probability),
		})
	}
	return entities, nil
}

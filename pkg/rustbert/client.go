package rustbert

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/soundprediction/go-rust-bert/pkg/rustbert"

	"github.com/soundprediction/lettuce/pkg/nlp"
)

// Client wraps a go-rust-bert token classification model.
// The model handle is not safe for concurrent use; calls are serialised.
type Client struct {
	config   Config
	nerModel *rustbert.NERModel
	logger   *slog.Logger
	mu       sync.Mutex
}

// Config holds configuration for RustBert models
type Config struct {
	// ModelID is a Hugging Face model id with a token classification head.
	// Empty loads the library's default BERT NER model.
	ModelID string
}

// NewClient creates a new RustBert client. Models load on first use.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: cfg,
		logger: logger,
	}
}

// LoadModel loads the token classification model.
// If ModelID is set, it downloads artifacts and loads from files.
func (c *Client) LoadModel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *Client) loadLocked() error {
	if c.nerModel != nil {
		return nil
	}

	if c.config.ModelID != "" {
		c.logger.Info("loading token classification model", "model", c.config.ModelID)
		modelPath, configPath, vocabPath, mergesPath, err := rustbert.DownloadArtifacts(c.config.ModelID, "")
		if err != nil {
			return fmt.Errorf("failed to download artifacts for %s: %w", c.config.ModelID, err)
		}

		m, err := rustbert.NewNERModelFromFiles(modelPath, configPath, vocabPath, mergesPath, rustbert.ModelTypeBert)
		if err != nil {
			return fmt.Errorf("failed to create token classification model: %w", err)
		}
		c.nerModel = m
		return nil
	}

	c.logger.Info("loading default BERT token classification model")
	m, err := rustbert.NewNERModel()
	if err != nil {
		return fmt.Errorf("failed to create NER model: %w", err)
	}
	c.nerModel = m
	return nil
}

// Close closes the loaded model.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nerModel != nil {
		c.nerModel.Close()
		c.nerModel = nil
	}
	return nil
}

// Predict labels the words of text. The model is loaded on first use.
func (c *Client) Predict(text string) ([]nlp.EntityScore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(); err != nil {
		return nil, err
	}

	results, err := c.nerModel.Predict(text)
	if err != nil {
		return nil, fmt.Errorf("token classification failed: %w", err)
	}

	entities := make([]nlp.EntityScore, len(results))
	for i, r := range results {
		entities[i] = nlp.EntityScore{
			Text:  r.Word,
			Label: r.Label,
			Score: float64(r.Score),
		}
	}
	return entities, nil
}

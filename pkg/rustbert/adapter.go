// Package rustbert scores windows with a native token classification model
// loaded through go-rust-bert.
package rustbert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/nlp"
	"github.com/soundprediction/lettuce/pkg/types"
)

// DefaultHallucinationLabel is the label hallucinated words carry.
const DefaultHallucinationLabel = "HALLUCINATED"

// Predictor labels the words of a text.
type Predictor interface {
	Predict(text string) ([]nlp.EntityScore, error)
	Close() error
}

// Classifier adapts a Predictor to nlp.Classifier. Each window is rendered
// as text, labelled, and the hallucination label's scores are aligned back
// onto the window's answer tokens.
type Classifier struct {
	predictor Predictor
	label     string
	name      string
	logger    *slog.Logger
}

// NewClassifier creates a Classifier. An empty label uses DefaultHallucinationLabel.
func NewClassifier(p Predictor, name, label string, logger *slog.Logger) *Classifier {
	if label == "" {
		label = DefaultHallucinationLabel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{predictor: p, label: label, name: name, logger: logger}
}

// Classify implements nlp.Classifier.
func (c *Classifier) Classify(ctx context.Context, windows []types.Window) ([]nlp.Prediction, error) {
	preds := make([]nlp.Prediction, 0, len(windows))
	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, _ := nlp.WindowText(w)
		entities, err := c.predictor.Predict(text)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", w.Index, err)
		}
		probs := nlp.AlignEntities(w, entities, c.label)
		c.logger.Debug("scored window", "classifier", c.name, "window", w.Index, "entities", len(entities))
		preds = append(preds, nlp.Prediction{WindowIndex: w.Index, Probs: probs})
	}
	return preds, nil
}

// Name implements nlp.Classifier.
func (c *Classifier) Name() string {
	return "rustbert:" + c.name
}

// Close implements nlp.Classifier.
func (c *Classifier) Close() error {
	return c.predictor.Close()
}

// Factory builds a rustbert classifier from model configuration.
func Factory(cfg config.ModelConfig, logger *slog.Logger) (nlp.Classifier, error) {
	client := NewClient(Config{ModelID: cfg.Model}, logger)
	if err := client.LoadModel(); err != nil {
		return nil, err
	}
	name := cfg.Model
	if name == "" {
		name = "bert-ner"
	}
	return NewClassifier(client, name, cfg.HallucinationLabel, logger), nil
}

// Register adds the rustbert provider to r.
func Register(r *nlp.Registry) {
	r.Register(nlp.ProviderRustBert, Factory)
}

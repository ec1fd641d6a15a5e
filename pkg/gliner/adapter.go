// Package gliner scores windows with a zero-shot GLiNER span model. Spans the
// model assigns to any configured label are treated as hallucinated and their
// probability is spread over the answer tokens they cover.
package gliner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/nlp"
	"github.com/soundprediction/lettuce/pkg/types"
)

// DefaultLabels are used when no labels are configured.
var DefaultLabels = []string{"hallucinated claim", "unsupported fact"}

// SpanExtractor labels spans of a text.
type SpanExtractor interface {
	ExtractEntities(text string, labels []string) ([]nlp.EntityScore, error)
	Close() error
}

// Classifier adapts a SpanExtractor to nlp.Classifier.
type Classifier struct {
	extractor SpanExtractor
	labels    []string
	name      string
	logger    *slog.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(extractor SpanExtractor, name string, labels []string, logger *slog.Logger) *Classifier {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{extractor: extractor, labels: labels, name: name, logger: logger}
}

// Classify implements nlp.Classifier.
func (c *Classifier) Classify(ctx context.Context, windows []types.Window) ([]nlp.Prediction, error) {
	preds := make([]nlp.Prediction, 0, len(windows))
	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, _ := nlp.WindowText(w)
		spans, err := c.extractor.ExtractEntities(text, c.labels)
		if err != nil {
			return nil, fmt.Errorf("window %d: span extraction failed: %w", w.Index, err)
		}
		c.logger.Debug("GLiNER scored window", "window", w.Index, "spans", len(spans))
		preds = append(preds, nlp.Prediction{
			WindowIndex: w.Index,
			Probs:       nlp.AlignEntities(w, spans, ""),
		})
	}
	return preds, nil
}

// Name implements nlp.Classifier.
func (c *Classifier) Name() string {
	return "gliner:" + c.name
}

// Close implements nlp.Classifier.
func (c *Classifier) Close() error {
	return c.extractor.Close()
}

// Factory builds a GLiNER classifier from model configuration.
func Factory(cfg config.ModelConfig, logger *slog.Logger) (nlp.Classifier, error) {
	model := cfg.Model
	if model == "" {
		model = "urchade/gliner_small-v2.1"
	}
	client, err := NewClient(model)
	if err != nil {
		return nil, err
	}
	return NewClassifier(client, model, cfg.Labels, logger), nil
}

// Register adds the gliner provider to r.
func Register(r *nlp.Registry) {
	r.Register(nlp.ProviderGLiNER, Factory)
}

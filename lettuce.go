package lettuce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soundprediction/lettuce/pkg/cache"
	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/nlp"
	"github.com/soundprediction/lettuce/pkg/packer"
	"github.com/soundprediction/lettuce/pkg/reconcile"
	"github.com/soundprediction/lettuce/pkg/spans"
	"github.com/soundprediction/lettuce/pkg/telemetry"
	"github.com/soundprediction/lettuce/pkg/tokenizer"
	"github.com/soundprediction/lettuce/pkg/types"
)

const (
	// DefaultBatchSize is the number of windows sent to the classifier per call.
	DefaultBatchSize = 8
	// DefaultConcurrency bounds the classifier calls in flight for one request.
	DefaultConcurrency = 4
)

// HallucinationDetector is the caller-facing detection API.
type HallucinationDetector interface {
	// Predict runs the full pipeline and returns the projection named by format.
	// opts may be nil.
	Predict(ctx context.Context, req types.DetectionRequest, format types.OutputFormat, opts *PredictOptions) (*types.DetectionResult, error)

	// DetectSpans returns the hallucinated spans of answer.
	DetectSpans(ctx context.Context, contexts []string, question, answer string) ([]types.SpanRecord, error)

	// DetectTokens returns one record per answer token.
	DetectTokens(ctx context.Context, contexts []string, question, answer string) ([]types.TokenRecord, error)

	// Close releases the classifier and any attached cache or audit sink.
	Close() error
}

// AuditSink receives one record per finished detection.
type AuditSink interface {
	RecordDetection(ctx context.Context, rec telemetry.DetectionRecord) error
}

// Config holds configuration for the Detector.
type Config struct {
	// Packing bounds window construction.
	Packing packer.Config

	// Threshold is the flagging threshold. Nil defers to the classifier's
	// calibration, then to spans.DefaultThreshold.
	Threshold *float64

	// Policy merges scores of tokens seen by several windows. Nil means max.
	Policy reconcile.Policy

	// Aggregator computes span confidence. Nil means max.
	Aggregator spans.Aggregator

	BatchSize   int
	Concurrency int

	// Ranker, when set, orders contexts before they are truncated.
	Ranker packer.ContextRanker

	// Cache, Metrics and Audit are optional.
	Cache   *cache.Cache
	Metrics *telemetry.Metrics
	Audit   AuditSink
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() *Config {
	return &Config{
		Packing:     packer.DefaultConfig(),
		Policy:      reconcile.Max,
		Aggregator:  spans.Max,
		BatchSize:   DefaultBatchSize,
		Concurrency: DefaultConcurrency,
	}
}

// NewConfig builds a detector configuration from the detection section of
// the application configuration.
func NewConfig(dc config.DetectionConfig) (*Config, error) {
	policy, err := reconcile.ParsePolicy(dc.Aggregation)
	if err != nil {
		return nil, err
	}
	agg, err := spans.ParseAggregator(dc.SpanConfidence)
	if err != nil {
		return nil, err
	}
	if dc.Threshold != nil {
		if err := spans.ValidateThreshold(*dc.Threshold); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	cfg.Packing = packer.Config{
		MaxTokens:        dc.MaxTokens,
		OverlapRatio:     dc.OverlapRatio,
		Stride:           dc.Stride,
		MinContextTokens: dc.MinContextTokens,
		MinContextRatio:  dc.MinContextRatio,
	}
	if cfg.Packing.MaxTokens == 0 {
		cfg.Packing.MaxTokens = packer.DefaultMaxTokens
	}
	if dc.Threshold != nil {
		threshold := *dc.Threshold
		cfg.Threshold = &threshold
	}
	cfg.Policy = policy
	cfg.Aggregator = agg
	if dc.BatchSize > 0 {
		cfg.BatchSize = dc.BatchSize
	}
	if dc.Concurrency > 0 {
		cfg.Concurrency = dc.Concurrency
	}
	return cfg, nil
}

// PredictOptions override detector settings for a single call.
type PredictOptions struct {
	Threshold *float64
	Stride    *int
	MaxTokens *int
}

// Detector is the main implementation of HallucinationDetector. It is safe
// for concurrent use; the classifier is the only long-lived resource.
type Detector struct {
	classifier nlp.Classifier
	tokenizer  tokenizer.Tokenizer
	packer     *packer.Packer
	config     *Config
	logger     *slog.Logger
}

var _ HallucinationDetector = (*Detector)(nil)

// NewDetector creates a Detector. A nil config uses DefaultConfig and a nil
// logger uses slog.Default.
func NewDetector(classifier nlp.Classifier, tok tokenizer.Tokenizer, config *Config, logger *slog.Logger) (*Detector, error) {
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if tok == nil {
		return nil, errors.New("tokenizer is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := *config
	if cfg.Policy == nil {
		cfg.Policy = reconcile.Max
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = spans.Max
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if err := cfg.Packing.Validate(); err != nil {
		return nil, err
	}
	if cfg.Threshold != nil {
		if err := spans.ValidateThreshold(*cfg.Threshold); err != nil {
			return nil, err
		}
	}

	opts := []packer.Option{packer.WithLogger(logger)}
	if cfg.Ranker != nil {
		opts = append(opts, packer.WithContextRanker(cfg.Ranker))
	}

	return &Detector{
		classifier: classifier,
		tokenizer:  tok,
		packer:     packer.New(tok, cfg.Packing, opts...),
		config:     &cfg,
		logger:     logger,
	}, nil
}

// Classifier returns the detector's model adapter.
func (d *Detector) Classifier() nlp.Classifier {
	return d.classifier
}

// Threshold returns the threshold used when a call does not override it.
func (d *Detector) Threshold() float64 {
	if d.config.Threshold != nil {
		return *d.config.Threshold
	}
	if t, ok := nlp.CalibratedThreshold(d.classifier); ok {
		return t
	}
	return spans.DefaultThreshold
}

// DetectSpans implements HallucinationDetector.
func (d *Detector) DetectSpans(ctx context.Context, contexts []string, question, answer string) ([]types.SpanRecord, error) {
	res, err := d.Predict(ctx, types.NewDetectionRequest(contexts, question, answer), types.FormatSpans, nil)
	if err != nil {
		return nil, err
	}
	return res.Spans, nil
}

// DetectTokens implements HallucinationDetector.
func (d *Detector) DetectTokens(ctx context.Context, contexts []string, question, answer string) ([]types.TokenRecord, error) {
	res, err := d.Predict(ctx, types.NewDetectionRequest(contexts, question, answer), types.FormatTokens, nil)
	if err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

// Close implements HallucinationDetector.
func (d *Detector) Close() error {
	var errs []error
	if err := d.classifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close classifier: %w", err))
	}
	if d.config.Cache != nil {
		if err := d.config.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
		}
	}
	if c, ok := d.config.Audit.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

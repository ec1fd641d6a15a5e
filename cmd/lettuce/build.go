package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/soundprediction/lettuce"
	"github.com/soundprediction/lettuce/pkg/alert"
	"github.com/soundprediction/lettuce/pkg/cache"
	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/crossencoder"
	"github.com/soundprediction/lettuce/pkg/gliner"
	lettuceLogger "github.com/soundprediction/lettuce/pkg/logger"
	"github.com/soundprediction/lettuce/pkg/nlp"
	"github.com/soundprediction/lettuce/pkg/rustbert"
	"github.com/soundprediction/lettuce/pkg/telemetry"
	"github.com/soundprediction/lettuce/pkg/tokenizer"
)

// runtime holds everything built from configuration that must be closed on exit.
type runtime struct {
	logger   *slog.Logger
	detector *lettuce.Detector
	closers  []io.Closer
}

func (r *runtime) Close() error {
	var errs []error
	if r.detector != nil {
		errs = append(errs, r.detector.Close())
	}
	// Loggers last so shutdown errors are still recorded.
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

// newRegistry returns the classifier registry with every native provider.
func newRegistry() *nlp.Registry {
	r := nlp.NewRegistry()
	rustbert.Register(r)
	gliner.Register(r)
	return r
}

func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	base := lettuceLogger.New(cfg.Log, os.Stderr)
	if cfg.Telemetry.ParquetPath == "" {
		return base, nil
	}
	ph, err := telemetry.NewParquetHandler(base.Handler(), cfg.Telemetry.ParquetPath)
	if err != nil {
		base.Warn("error tracking disabled", "error", err)
		return base, nil
	}
	base.Debug("error tracking enabled", "path", cfg.Telemetry.ParquetPath)
	return slog.New(ph), ph
}

func newTokenizer(cfg config.TokenizerConfig) (tokenizer.Tokenizer, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "subword":
		return tokenizer.NewSubword(&tokenizer.SubwordConfig{
			MaxPieceRunes: cfg.MaxPieceRunes,
			Lowercase:     cfg.Lowercase,
		}), nil
	case "tiktoken":
		return tokenizer.NewTiktoken(cfg.Encoding)
	default:
		return nil, fmt.Errorf("unsupported tokenizer: %s", cfg.Kind)
	}
}

// newRanker builds the optional context ranker. "local" selects term
// frequency similarity; any other value names an embedeverything reranker.
func newRanker(model string) (*crossencoder.ContextRanker, error) {
	if model == "" {
		return nil, nil
	}
	provider, cfg := crossencoder.ProviderEmbedEverything, crossencoder.Config{Model: model}
	if model == string(crossencoder.ProviderLocal) {
		provider, cfg = crossencoder.ProviderLocal, crossencoder.Config{}
	}
	client, err := crossencoder.NewClient(provider, cfg)
	if err != nil {
		return nil, err
	}
	return crossencoder.NewContextRanker(client), nil
}

// build assembles the detector described by cfg.
func build(cfg *config.Config) (rt *runtime, err error) {
	rt = &runtime{}
	logger, closer := newLogger(cfg)
	rt.logger = logger
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}

	tok, err := newTokenizer(cfg.Tokenizer)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	dc, err := lettuce.NewConfig(cfg.Detection)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("invalid detection config: %w", err)
	}
	defer func() {
		if err != nil {
			closeConfig(dc)
			_ = rt.Close()
			rt = nil
		}
	}()

	ranker, err := newRanker(cfg.Model.Reranker)
	if err != nil {
		return rt, fmt.Errorf("failed to create context ranker: %w", err)
	}
	if ranker != nil {
		rt.closers = append(rt.closers, ranker)
		dc.Ranker = ranker
	}

	if cfg.Cache.Enabled {
		c, err := cache.Open(cfg.Cache, logger)
		if err != nil {
			return rt, fmt.Errorf("failed to open cache: %w", err)
		}
		dc.Cache = c
	}

	if cfg.Telemetry.Metrics {
		m, err := telemetry.NewMetrics(nil, nil)
		if err != nil {
			return rt, fmt.Errorf("failed to create metrics: %w", err)
		}
		dc.Metrics = m
	}

	if cfg.Telemetry.AuditDetections && cfg.Telemetry.ParquetPath != "" {
		sink, err := telemetry.NewAuditSink(cfg.Telemetry.ParquetPath, 0)
		if err != nil {
			return rt, fmt.Errorf("failed to create audit sink: %w", err)
		}
		dc.Audit = sink
		logger.Info("detection audit enabled", "pattern", sink.Pattern())
	}

	base, err := newRegistry().New(cfg.Model, logger)
	if err != nil {
		return rt, err
	}
	classifier := nlp.Wrap(base, cfg.Retry, cfg.CircuitBreaker, alert.New(cfg.Alert, logger), logger)

	d, err := lettuce.NewDetector(classifier, tok, dc, logger)
	if err != nil {
		_ = classifier.Close()
		return rt, err
	}
	rt.detector = d
	return rt, nil
}

// closeConfig releases resources held by dc when no detector took ownership.
func closeConfig(dc *lettuce.Config) {
	if dc.Cache != nil {
		_ = dc.Cache.Close()
	}
	if c, ok := dc.Audit.(io.Closer); ok {
		_ = c.Close()
	}
}

package lettuce

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/soundprediction/lettuce/pkg/cache"
	"github.com/soundprediction/lettuce/pkg/format"
	"github.com/soundprediction/lettuce/pkg/nlp"
	"github.com/soundprediction/lettuce/pkg/packer"
	"github.com/soundprediction/lettuce/pkg/reconcile"
	"github.com/soundprediction/lettuce/pkg/spans"
	"github.com/soundprediction/lettuce/pkg/telemetry"
	"github.com/soundprediction/lettuce/pkg/types"
	"github.com/soundprediction/lettuce/pkg/utils"
)

// params are the effective settings of one call.
type params struct {
	threshold float64
	packing   packer.Config
}

func (d *Detector) resolve(opts *PredictOptions) (params, error) {
	p := params{threshold: d.Threshold(), packing: d.packer.Config()}
	if opts != nil {
		if opts.Threshold != nil {
			p.threshold = *opts.Threshold
		}
		if opts.Stride != nil {
			p.packing.Stride = *opts.Stride
		}
		if opts.MaxTokens != nil {
			p.packing.MaxTokens = *opts.MaxTokens
		}
	}
	if err := spans.ValidateThreshold(p.threshold); err != nil {
		return p, err
	}
	if err := p.packing.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Predict implements HallucinationDetector.
func (d *Detector) Predict(ctx context.Context, req types.DetectionRequest, f types.OutputFormat, opts *PredictOptions) (res *types.DetectionResult, err error) {
	start := time.Now()
	logger := d.logger
	if id, ok := ctx.Value(types.ContextKeyRequestID).(string); ok {
		logger = logger.With("request_id", id)
	}

	var span trace.Span
	if d.config.Metrics != nil {
		ctx, span = d.config.Metrics.StartDetectSpan(ctx, d.classifier.Name(), f.String())
		defer span.End()
	}

	var (
		p       params
		spanSet []types.Span
		cached  bool
	)
	defer func() {
		windows, count := 0, len(spanSet)
		if res != nil {
			windows = res.Windows
			if cached {
				count = len(res.Spans)
			}
		}
		if d.config.Metrics != nil {
			d.config.Metrics.RecordDetect(ctx, span, time.Since(start), windows, count, err)
		}
		if d.config.Audit != nil {
			d.audit(ctx, logger, f, p.threshold, req, windows, spanSet, cached, time.Since(start), err)
		}
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err = d.resolve(opts)
	if err != nil {
		return nil, err
	}

	answer := req.AnswerText()
	if answer == "" {
		return format.Result(f, nil, nil, p.threshold, 0), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewCanceledError("validation", err)
	}

	var key string
	if d.config.Cache != nil {
		key, err = cache.Key(d.classifier.Name(), d.tokenizer.Name(), p.packing,
			d.config.Policy.Name(), d.config.Aggregator.Name(), p.threshold, f,
			req.Contexts, req.Question, answer)
		if err != nil {
			return nil, err
		}
		hit, ok, cerr := d.config.Cache.Get(key)
		if cerr != nil {
			logger.Warn("Failed to read detection cache", "error", cerr)
		}
		if ok {
			cached = true
			if d.config.Metrics != nil {
				d.config.Metrics.RecordCacheHit(ctx)
			}
			return hit, nil
		}
	}

	stageCtx, stage := d.startStage(ctx, "pack")
	packing, err := d.packer.WithConfig(p.packing).Pack(stageCtx, req)
	stage.End()
	if err != nil {
		return nil, err
	}
	windows := packing.Windows
	logger.Debug("Packed detection request",
		"windows", len(windows), "answer_tokens", len(packing.AnswerTokens), "overlap", packing.Overlap)

	stageCtx, stage = d.startStage(ctx, "score")
	preds, err := d.score(stageCtx, windows)
	stage.End()
	if err != nil {
		return nil, err
	}
	rows, err := nlp.ValidatePredictions(d.classifier.Name(), windows, preds)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewCanceledError("reconciliation", err)
	}

	_, stage = d.startStage(ctx, "reconcile")
	scores, err := reconcile.Reconcile(answer, windows, rows, d.config.Policy)
	if err == nil {
		spanSet, err = spans.Extract(answer, scores, p.threshold, d.config.Aggregator)
	}
	stage.End()
	if err != nil {
		return nil, err
	}

	res = format.Result(f, scores, spanSet, p.threshold, len(windows))
	if len(spanSet) > 0 {
		logger.Info("Hallucinated spans found", "count", len(spanSet), "windows", len(windows))
	}

	if key != "" {
		if err := d.config.Cache.Set(key, res); err != nil {
			logger.Warn("Failed to write detection cache", "error", err)
		}
	}
	return res, nil
}

// startStage opens a child span for one pipeline stage when tracing is enabled.
func (d *Detector) startStage(ctx context.Context, name string) (context.Context, trace.Span) {
	if d.config.Metrics == nil {
		return ctx, noop.Span{}
	}
	return d.config.Metrics.StartStageSpan(ctx, name)
}

// score sends windows to the classifier in batches, at most
// Concurrency batches at a time, and returns every prediction.
func (d *Detector) score(ctx context.Context, windows []types.Window) ([]nlp.Prediction, error) {
	batches := batchWindows(windows, d.config.BatchSize)
	results := make([][]nlp.Prediction, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			return utils.Guard(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				preds, err := d.classifier.Classify(gctx, batch)
				if err != nil {
					return err
				}
				results[i] = preds
				return nil
			})
		})
	}

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, types.NewCanceledError("scoring", ctxErr)
	}
	if err != nil {
		if errors.Is(err, types.ErrModelAdapter) {
			return nil, err
		}
		return nil, types.NewAdapterError(d.classifier.Name(), -1, "classification failed", err)
	}

	var preds []nlp.Prediction
	for _, r := range results {
		preds = append(preds, r...)
	}
	return preds, nil
}

func batchWindows(windows []types.Window, size int) [][]types.Window {
	var out [][]types.Window
	for from := 0; from < len(windows); from += size {
		out = append(out, windows[from:min(from+size, len(windows))])
	}
	return out
}

func (d *Detector) audit(ctx context.Context, logger *slog.Logger, f types.OutputFormat, threshold float64, req types.DetectionRequest, windows int, spanSet []types.Span, cached bool, elapsed time.Duration, err error) {
	rec := telemetry.NewDetectionRecord(ctx, d.classifier.Name(), f, threshold, spanSet)
	rec.AnswerLength = len([]rune(req.AnswerText()))
	rec.Windows = windows
	rec.Cached = cached
	rec.DurationMs = elapsed.Milliseconds()
	if err != nil {
		rec.Error = err.Error()
	}
	if aerr := d.config.Audit.RecordDetection(ctx, rec); aerr != nil {
		logger.Warn("Failed to record detection audit", "error", aerr)
	}
}

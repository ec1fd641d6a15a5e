package lettuce_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/soundprediction/lettuce"
	"github.com/soundprediction/lettuce/pkg/cache"
	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/nlp"
	"github.com/soundprediction/lettuce/pkg/packer"
	"github.com/soundprediction/lettuce/pkg/reconcile"
	"github.com/soundprediction/lettuce/pkg/telemetry"
	"github.com/soundprediction/lettuce/pkg/tokenizer"
	"github.com/soundprediction/lettuce/pkg/types"
)

const (
	franceContext  = "France is a country in Europe. The capital of France is Paris. The population of France is 67 million."
	franceQuestion = "What is the capital of France? What is the population of France?"
	franceAnswer   = "The capital of France is Paris. The population of France is 69 million."
)

// classifierFunc adapts a function to nlp.Classifier.
type classifierFunc func(ctx context.Context, windows []types.Window) ([]nlp.Prediction, error)

func (f classifierFunc) Classify(ctx context.Context, windows []types.Window) ([]nlp.Prediction, error) {
	return f(ctx, windows)
}
func (f classifierFunc) Name() string { return "func" }
func (f classifierFunc) Close() error { return nil }

// flagRange scores answer tokens starting inside [from, to) with hi and
// every other token with lo.
func flagRange(from, to int, hi, lo float64) *nlp.FuncClassifier {
	return nlp.NewFuncClassifier("range", func(_ types.Window, tok types.Token) float64 {
		if tok.IsAnswer() && tok.AnswerStart >= from && tok.AnswerStart < to {
			return hi
		}
		return lo
	})
}

// positional scores answer tokens by their answer offset only.
func positional() *nlp.FuncClassifier {
	return nlp.NewFuncClassifier("positional", func(_ types.Window, tok types.Token) float64 {
		if !tok.IsAnswer() {
			return 0
		}
		return float64((tok.AnswerStart*7)%10) / 10
	})
}

func newDetector(t *testing.T, c nlp.Classifier, cfg *lettuce.Config) *lettuce.Detector {
	t.Helper()
	d, err := lettuce.NewDetector(c, tokenizer.NewSubword(nil), cfg, nil)
	require.NoError(t, err)
	return d
}

func longAnswer() string {
	return strings.Repeat("The tower was completed in 1889 and is 330 metres tall. ", 12)
}

func TestDetector_FranceScenario(t *testing.T) {
	d := newDetector(t, flagRange(60, 70, 0.92, 0.08), nil)
	ctx := context.Background()

	spans, err := d.DetectSpans(ctx, []string{franceContext}, franceQuestion, franceAnswer)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, types.SpanRecord{Text: "69 million", Start: 60, End: 70, Confidence: 0.92}, spans[0])

	tokens, err := d.DetectTokens(ctx, []string{franceContext}, franceQuestion, franceAnswer)
	require.NoError(t, err)
	require.NotEmpty(t, tokens)

	var flagged strings.Builder
	for _, tok := range tokens {
		if tok.Pred == 1 {
			flagged.WriteString(tok.Token)
			assert.InDelta(t, 0.92, tok.Prob, 1e-9)
		}
	}
	assert.Equal(t, "69million", flagged.String())
}

func TestDetector_WholeSentenceFlagged(t *testing.T) {
	d := newDetector(t, flagRange(32, 71, 0.94, 0.02), nil)

	spans, err := d.DetectSpans(context.Background(), []string{franceContext}, franceQuestion, franceAnswer)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, 32, spans[0].Start)
	assert.Equal(t, 71, spans[0].End)
	assert.Equal(t, "The population of France is 69 million.", spans[0].Text)
}

func TestDetector_CleanAnswer(t *testing.T) {
	d := newDetector(t, nlp.NewStaticClassifier(0.1), nil)

	res, err := d.Predict(context.Background(),
		types.NewDetectionRequest([]string{franceContext}, franceQuestion, franceAnswer), types.FormatSpans, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Spans)
	assert.Equal(t, 1, res.Windows)
}

func TestDetector_EmptyAnswer(t *testing.T) {
	c := nlp.NewStaticClassifier(0.9)
	d := newDetector(t, c, nil)

	spans, err := d.DetectSpans(context.Background(), []string{franceContext}, franceQuestion, "")
	require.NoError(t, err)
	assert.Empty(t, spans)

	tokens, err := d.DetectTokens(context.Background(), nil, "", "")
	require.NoError(t, err)
	assert.Empty(t, tokens)
	assert.Zero(t, c.Calls())
}

func TestDetector_MissingAnswer(t *testing.T) {
	c := nlp.NewStaticClassifier(0.9)
	d := newDetector(t, c, nil)

	_, err := d.Predict(context.Background(), types.DetectionRequest{Question: "q"}, types.FormatSpans, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidRequest))
	assert.Zero(t, c.Calls())
}

func TestDetector_InvalidParameters(t *testing.T) {
	c := nlp.NewStaticClassifier(0.9)
	d := newDetector(t, c, nil)
	req := types.NewDetectionRequest(nil, "q", franceAnswer)

	bad := 1.5
	_, err := d.Predict(context.Background(), req, types.FormatSpans, &lettuce.PredictOptions{Threshold: &bad})
	assert.True(t, errors.Is(err, types.ErrInvalidParameter))

	negative := -1
	_, err = d.Predict(context.Background(), req, types.FormatSpans, &lettuce.PredictOptions{Stride: &negative})
	assert.True(t, errors.Is(err, types.ErrInvalidParameter))

	tiny := 4
	_, err = d.Predict(context.Background(), req, types.FormatSpans, &lettuce.PredictOptions{MaxTokens: &tiny})
	assert.True(t, errors.Is(err, types.ErrInvalidParameter))

	assert.Zero(t, c.Calls(), "nothing is scored when parameters are invalid")

	_, err = lettuce.NewDetector(c, tokenizer.NewSubword(nil), &lettuce.Config{Packing: packer.Config{MaxTokens: 2}}, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidParameter))
}

func TestDetector_WindowMergeMatchesSingleWindow(t *testing.T) {
	answer := longAnswer()
	req := types.NewDetectionRequest([]string{"The Eiffel Tower is in Paris."}, "How tall is the tower?", answer)

	single := newDetector(t, positional(), nil)
	want, err := single.Predict(context.Background(), req, types.FormatTokens, nil)
	require.NoError(t, err)
	require.Equal(t, 1, want.Windows)

	cfg := lettuce.DefaultConfig()
	cfg.Packing = packer.Config{MaxTokens: 48, Stride: 6}
	split := newDetector(t, positional(), cfg)
	got, err := split.Predict(context.Background(), req, types.FormatTokens, nil)
	require.NoError(t, err)
	require.Greater(t, got.Windows, 2)

	assert.Equal(t, want.Tokens, got.Tokens)

	wantSpans, err := single.Predict(context.Background(), req, types.FormatSpans, nil)
	require.NoError(t, err)
	gotSpans, err := split.Predict(context.Background(), req, types.FormatSpans, nil)
	require.NoError(t, err)
	assert.Equal(t, wantSpans.Spans, gotSpans.Spans)
}

func TestDetector_RunAcrossWindowBoundaryYieldsOneSpan(t *testing.T) {
	pc := packer.Config{MaxTokens: 48, Stride: 6}
	answer := longAnswer()
	req := types.NewDetectionRequest([]string{"The Eiffel Tower is in Paris."}, "How tall is the tower?", answer)

	packing, err := packer.New(tokenizer.NewSubword(nil), pc).Pack(context.Background(), req)
	require.NoError(t, err)
	require.Greater(t, len(packing.Windows), 2)

	// Six tokens that start inside window 0 and end past it.
	end := packing.Windows[0].AnswerTo
	run := types.Interval{
		Start: packing.AnswerTokens[end-3].AnswerStart,
		End:   packing.AnswerTokens[end+2].AnswerEnd,
	}
	holds := func(w types.Window) bool {
		return w.AnswerRange.Start <= run.Start && run.End <= w.AnswerRange.End
	}
	whole := 0
	for _, w := range packing.Windows {
		if holds(w) {
			whole++
		}
	}
	require.Equal(t, 1, whole)

	c := nlp.NewFuncClassifier("boundary", func(w types.Window, tok types.Token) float64 {
		if tok.IsAnswer() && holds(w) && tok.AnswerStart >= run.Start && tok.AnswerEnd <= run.End {
			return 0.97
		}
		return 0.05
	})
	cfg := lettuce.DefaultConfig()
	cfg.Packing = pc
	spans, err := newDetector(t, c, cfg).DetectSpans(context.Background(), req.Contexts, req.Question, answer)
	require.NoError(t, err)

	require.Len(t, spans, 1)
	assert.Equal(t, run.Start, spans[0].Start)
	assert.Equal(t, run.End, spans[0].End)
	assert.Equal(t, answer[run.Start:run.End], spans[0].Text)
	assert.InDelta(t, 0.97, spans[0].Confidence, 1e-9)
}

func TestDetector_OverlapPolicies(t *testing.T) {
	// The first window is confident, later windows are not.
	byWindow := nlp.NewFuncClassifier("by-window", func(w types.Window, tok types.Token) float64 {
		if !tok.IsAnswer() {
			return 0
		}
		if w.Index == 0 {
			return 0.9
		}
		return 0.2
	})
	req := types.NewDetectionRequest(nil, "q", longAnswer())

	run := func(policy reconcile.Policy) *types.DetectionResult {
		cfg := lettuce.DefaultConfig()
		cfg.Packing = packer.Config{MaxTokens: 40, Stride: 8}
		cfg.Policy = policy
		res, err := newDetector(t, byWindow, cfg).Predict(context.Background(), req, types.FormatTokens, nil)
		require.NoError(t, err)
		require.Greater(t, res.Windows, 1)
		return res
	}

	count := func(res *types.DetectionResult, p float64) int {
		n := 0
		for _, tok := range res.Tokens {
			if tok.Prob > p-1e-9 && tok.Prob < p+1e-9 {
				n++
			}
		}
		return n
	}

	maxRes := run(reconcile.Max)
	meanRes := run(reconcile.Mean)
	require.Len(t, meanRes.Tokens, len(maxRes.Tokens))

	assert.Zero(t, count(maxRes, 0.55))
	assert.Equal(t, 8, count(meanRes, 0.55), "tokens shared by windows 0 and 1 are averaged")
	assert.Equal(t, count(maxRes, 0.9), count(meanRes, 0.9)+8)
}

func TestDetector_Idempotent(t *testing.T) {
	cfg := lettuce.DefaultConfig()
	cfg.Packing = packer.Config{MaxTokens: 48, OverlapRatio: 0.25}
	d := newDetector(t, positional(), cfg)
	req := types.NewDetectionRequest([]string{franceContext}, franceQuestion, longAnswer())

	first, err := d.Predict(context.Background(), req, types.FormatSpans, nil)
	require.NoError(t, err)
	second, err := d.Predict(context.Background(), req, types.FormatSpans, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDetector_ThresholdMonotonic(t *testing.T) {
	d := newDetector(t, positional(), nil)
	req := types.NewDetectionRequest(nil, "q", longAnswer())

	flaggedAt := func(threshold float64) int {
		res, err := d.Predict(context.Background(), req, types.FormatTokens, &lettuce.PredictOptions{Threshold: &threshold})
		require.NoError(t, err)
		n := 0
		for _, tok := range res.Tokens {
			n += tok.Pred
		}
		return n
	}

	prev := flaggedAt(0)
	for _, th := range []float64{0.1, 0.3, 0.5, 0.7, 0.9, 1} {
		cur := flaggedAt(th)
		assert.LessOrEqual(t, cur, prev, "threshold %v", th)
		prev = cur
	}
}

func TestDetector_AdapterFailures(t *testing.T) {
	req := types.NewDetectionRequest(nil, "q", franceAnswer)

	cases := map[string]classifierFunc{
		"error": func(context.Context, []types.Window) ([]nlp.Prediction, error) {
			return nil, errors.New("model server unavailable")
		},
		"short": func(_ context.Context, ws []types.Window) ([]nlp.Prediction, error) {
			return []nlp.Prediction{{WindowIndex: ws[0].Index, Probs: []float64{0.5}}}, nil
		},
		"missing": func(context.Context, []types.Window) ([]nlp.Prediction, error) {
			return nil, nil
		},
		"out of range": func(_ context.Context, ws []types.Window) ([]nlp.Prediction, error) {
			probs := make([]float64, len(ws[0].Tokens))
			probs[0] = 1.2
			return []nlp.Prediction{{WindowIndex: ws[0].Index, Probs: probs}}, nil
		},
		"panic": func(context.Context, []types.Window) ([]nlp.Prediction, error) {
			panic("tensor shape mismatch")
		},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newDetector(t, c, nil).Predict(context.Background(), req, types.FormatSpans, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrModelAdapter), "got %v", err)
		})
	}
}

func TestDetector_Canceled(t *testing.T) {
	blocking := classifierFunc(func(ctx context.Context, _ []types.Window) ([]nlp.Prediction, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newDetector(t, blocking, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := d.Predict(ctx, types.NewDetectionRequest(nil, "q", franceAnswer), types.FormatSpans, nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, types.ErrCanceled))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDetector_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	seen := map[int]int{}

	c := classifierFunc(func(ctx context.Context, ws []types.Window) ([]nlp.Prediction, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		preds := make([]nlp.Prediction, len(ws))
		mu.Lock()
		for i, w := range ws {
			seen[w.Index]++
			preds[i] = nlp.Prediction{WindowIndex: w.Index, Probs: make([]float64, len(w.Tokens))}
		}
		mu.Unlock()
		// Reverse order: predictions are matched by index.
		for i, j := 0, len(preds)-1; i < j; i, j = i+1, j-1 {
			preds[i], preds[j] = preds[j], preds[i]
		}
		return preds, nil
	})

	cfg := lettuce.DefaultConfig()
	cfg.Packing = packer.Config{MaxTokens: 40, Stride: 4}
	cfg.BatchSize = 2
	cfg.Concurrency = 2
	res, err := newDetector(t, c, cfg).Predict(context.Background(),
		types.NewDetectionRequest(nil, "q", longAnswer()), types.FormatSpans, nil)
	require.NoError(t, err)
	require.Greater(t, res.Windows, 4)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, seen, res.Windows)
	for idx, n := range seen {
		assert.Equal(t, 1, n, "window %d scored once", idx)
	}
}

func TestDetector_Calibration(t *testing.T) {
	c := nlp.WithCalibration(nlp.NewStaticClassifier(0.6), 0.7)
	d := newDetector(t, c, nil)
	assert.InDelta(t, 0.7, d.Threshold(), 1e-9)

	spans, err := d.DetectSpans(context.Background(), nil, "q", franceAnswer)
	require.NoError(t, err)
	assert.Empty(t, spans)

	lower := 0.5
	res, err := d.Predict(context.Background(), types.NewDetectionRequest(nil, "q", franceAnswer),
		types.FormatSpans, &lettuce.PredictOptions{Threshold: &lower})
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, franceAnswer, res.Spans[0].Text)

	explicit := 0.4
	cfg := lettuce.DefaultConfig()
	cfg.Threshold = &explicit
	assert.InDelta(t, 0.4, newDetector(t, c, cfg).Threshold(), 1e-9)
}

func TestDetector_Cache(t *testing.T) {
	store, err := cache.OpenInMemory(time.Hour)
	require.NoError(t, err)

	c := flagRange(60, 70, 0.92, 0.08)
	cfg := lettuce.DefaultConfig()
	cfg.Cache = store
	d := newDetector(t, c, cfg)
	defer d.Close()

	ctx := context.Background()
	first, err := d.DetectSpans(ctx, []string{franceContext}, franceQuestion, franceAnswer)
	require.NoError(t, err)
	require.Equal(t, 1, c.Calls())

	second, err := d.DetectSpans(ctx, []string{franceContext}, franceQuestion, franceAnswer)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Calls(), "second call served from cache")

	threshold := 0.95
	_, err = d.Predict(ctx, types.NewDetectionRequest([]string{franceContext}, franceQuestion, franceAnswer),
		types.FormatSpans, &lettuce.PredictOptions{Threshold: &threshold})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Calls(), "parameters are part of the key")
}

func TestDetector_CachedCleanAnswerMatchesFreshRun(t *testing.T) {
	store, err := cache.OpenInMemory(time.Hour)
	require.NoError(t, err)

	c := nlp.NewStaticClassifier(0.1)
	cfg := lettuce.DefaultConfig()
	cfg.Cache = store
	d := newDetector(t, c, cfg)
	defer d.Close()

	ctx := context.Background()
	first, err := d.DetectSpans(ctx, []string{franceContext}, franceQuestion, franceAnswer)
	require.NoError(t, err)
	second, err := d.DetectSpans(ctx, []string{franceContext}, franceQuestion, franceAnswer)
	require.NoError(t, err)

	assert.Equal(t, 1, c.Calls())
	assert.NotNil(t, first)
	assert.NotNil(t, second)
	assert.Empty(t, second)
	assert.Equal(t, first, second)
}

func TestDetector_TracesStages(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	metrics, err := telemetry.NewMetrics(nil, tp)
	require.NoError(t, err)

	cfg := lettuce.DefaultConfig()
	cfg.Metrics = metrics
	d := newDetector(t, flagRange(60, 70, 0.92, 0.08), cfg)

	_, err = d.DetectSpans(context.Background(), []string{franceContext}, franceQuestion, franceAnswer)
	require.NoError(t, err)

	names := map[string]string{}
	var root string
	for _, s := range recorder.Ended() {
		names[s.Name()] = s.Parent().SpanID().String()
		if s.Name() == "Detector.Predict" {
			root = s.SpanContext().SpanID().String()
		}
	}
	require.NotEmpty(t, root)
	for _, stage := range []string{"Detector.pack", "Detector.score", "Detector.reconcile"} {
		assert.Equal(t, root, names[stage], stage)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []telemetry.DetectionRecord
}

func (s *recordingSink) RecordDetection(_ context.Context, rec telemetry.DetectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func TestDetector_Audit(t *testing.T) {
	sink := &recordingSink{}
	cfg := lettuce.DefaultConfig()
	cfg.Audit = sink
	d := newDetector(t, flagRange(60, 70, 0.92, 0.08), cfg)

	ctx := context.WithValue(context.Background(), types.ContextKeyRequestID, "req-7")
	_, err := d.DetectSpans(ctx, []string{franceContext}, franceQuestion, franceAnswer)
	require.NoError(t, err)
	_, err = d.Predict(ctx, types.DetectionRequest{}, types.FormatTokens, nil)
	require.Error(t, err)

	require.Len(t, sink.records, 2)
	ok := sink.records[0]
	assert.Equal(t, "req-7", ok.RequestID)
	assert.Equal(t, 1, ok.SpanCount)
	assert.Equal(t, 1, ok.Windows)
	assert.Equal(t, len([]rune(franceAnswer)), ok.AnswerLength)
	assert.Empty(t, ok.Error)

	failed := sink.records[1]
	assert.Equal(t, "tokens", failed.Format)
	assert.NotEmpty(t, failed.Error)
}

func TestNewConfig(t *testing.T) {
	threshold := 0.3
	cfg, err := lettuce.NewConfig(config.DetectionConfig{
		Threshold:       &threshold,
		MaxTokens:       512,
		OverlapRatio:    0.1,
		MinContextRatio: 0.2,
		Aggregation:     "mean",
		SpanConfidence:  "mean",
		BatchSize:       2,
	})
	require.NoError(t, err)
	assert.Equal(t, "mean", cfg.Policy.Name())
	assert.Equal(t, "mean", cfg.Aggregator.Name())
	assert.Equal(t, 512, cfg.Packing.MaxTokens)
	assert.Equal(t, 0.2, cfg.Packing.MinContextRatio)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, lettuce.DefaultConcurrency, cfg.Concurrency)
	require.NotNil(t, cfg.Threshold)
	assert.InDelta(t, 0.3, *cfg.Threshold, 1e-9)

	_, err = lettuce.NewConfig(config.DetectionConfig{Aggregation: "median"})
	assert.True(t, errors.Is(err, types.ErrInvalidParameter))

	tooHigh := 2.0
	_, err = lettuce.NewConfig(config.DetectionConfig{Threshold: &tooHigh})
	assert.True(t, errors.Is(err, types.ErrInvalidParameter))
}

func TestNewConfig_UnsetThresholdDefersToCalibration(t *testing.T) {
	cfg, err := lettuce.NewConfig(config.DetectionConfig{MaxTokens: 512})
	require.NoError(t, err)
	assert.Nil(t, cfg.Threshold)

	d, err := lettuce.NewDetector(nlp.WithCalibration(nlp.NewStaticClassifier(0.4), 0.35), tokenizer.NewSubword(nil), cfg, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, d.Threshold(), 1e-9)

	d, err = lettuce.NewDetector(nlp.NewStaticClassifier(0.4), tokenizer.NewSubword(nil), cfg, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, d.Threshold(), 1e-9)
}

package nlp

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/soundprediction/lettuce/pkg/types"
)

// Classifier maps packed windows to per-token hallucination probabilities.
type Classifier interface {
	// Classify scores every window. Predictions may be returned in any order
	// and are matched to windows by WindowIndex.
	Classify(ctx context.Context, windows []types.Window) ([]Prediction, error)

	// Name identifies the classifier in logs, errors and cache keys.
	Name() string

	// Close releases any model resources.
	Close() error
}

// Calibrated is implemented by classifiers that recommend a decision threshold.
type Calibrated interface {
	Threshold() float64
}

// CalibratedThreshold returns the threshold recommended by c or by any
// classifier it wraps.
func CalibratedThreshold(c Classifier) (float64, bool) {
	for c != nil {
		if cal, ok := c.(Calibrated); ok {
			return cal.Threshold(), true
		}
		u, ok := c.(interface{ Unwrap() Classifier })
		if !ok {
			break
		}
		c = u.Unwrap()
	}
	return 0, false
}

// HealthChecker is implemented by classifiers that can probe their backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CheckHealth probes c and every classifier it wraps, stopping at the first
// failure. Classifiers without a probe are assumed healthy.
func CheckHealth(ctx context.Context, c Classifier) error {
	for c != nil {
		if h, ok := c.(HealthChecker); ok {
			if err := h.Health(ctx); err != nil {
				return err
			}
		}
		u, ok := c.(interface{ Unwrap() Classifier })
		if !ok {
			break
		}
		c = u.Unwrap()
	}
	return nil
}

// Prediction is the classifier output for one window. Probs has one entry
// per window token in packed order.
type Prediction struct {
	WindowIndex int       `json:"window_index"`
	Probs       []float64 `json:"probs"`
}

// ValidatePredictions matches predictions to windows by index and checks
// their shape. The returned rows align with windows. Any violation is a
// types.AdapterError.
func ValidatePredictions(adapter string, windows []types.Window, preds []Prediction) ([][]float64, error) {
	pos := make(map[int]int, len(windows))
	for i, w := range windows {
		pos[w.Index] = i
	}

	rows := make([][]float64, len(windows))
	for _, p := range preds {
		i, ok := pos[p.WindowIndex]
		if !ok {
			return nil, types.NewAdapterError(adapter, p.WindowIndex, "prediction for unknown window", nil)
		}
		if rows[i] != nil {
			return nil, types.NewAdapterError(adapter, p.WindowIndex, "duplicate prediction", nil)
		}
		w := windows[i]
		if len(p.Probs) != len(w.Tokens) {
			return nil, types.NewAdapterError(adapter, w.Index,
				fmt.Sprintf("got %d probabilities for %d tokens", len(p.Probs), len(w.Tokens)), nil)
		}
		for j, v := range p.Probs {
			if math.IsNaN(v) || v < 0 || v > 1 {
				return nil, types.NewAdapterError(adapter, w.Index,
					fmt.Sprintf("probability %v at token %d outside [0, 1]", v, j), nil)
			}
		}
		rows[i] = p.Probs
	}

	for i, r := range rows {
		if r == nil {
			return nil, types.NewAdapterError(adapter, windows[i].Index, "missing prediction", nil)
		}
	}
	return rows, nil
}

// TokenFunc scores one token of a window.
type TokenFunc func(w types.Window, tok types.Token) float64

// FuncClassifier scores tokens with a function. It is safe for concurrent use
// when the function is.
type FuncClassifier struct {
	name string
	fn   TokenFunc

	mu    sync.Mutex
	calls int
}

// NewFuncClassifier creates a FuncClassifier.
func NewFuncClassifier(name string, fn TokenFunc) *FuncClassifier {
	return &FuncClassifier{name: name, fn: fn}
}

// Classify implements Classifier.
func (c *FuncClassifier) Classify(ctx context.Context, windows []types.Window) ([]Prediction, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	preds := make([]Prediction, 0, len(windows))
	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probs := make([]float64, len(w.Tokens))
		for i, tok := range w.Tokens {
			probs[i] = c.fn(w, tok)
		}
		preds = append(preds, Prediction{WindowIndex: w.Index, Probs: probs})
	}
	return preds, nil
}

// Calls returns how many times Classify ran.
func (c *FuncClassifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Name implements Classifier.
func (c *FuncClassifier) Name() string { return c.name }

// Close implements Classifier.
func (c *FuncClassifier) Close() error { return nil }

// NewStaticClassifier scores every answer token with prob and every other
// token with zero.
func NewStaticClassifier(prob float64) *FuncClassifier {
	return NewFuncClassifier(fmt.Sprintf("static-%.2f", prob), func(_ types.Window, tok types.Token) float64 {
		if tok.IsAnswer() {
			return prob
		}
		return 0
	})
}

type calibratedClassifier struct {
	Classifier
	threshold float64
}

// WithCalibration attaches a recommended threshold to c.
func WithCalibration(c Classifier, threshold float64) Classifier {
	return &calibratedClassifier{Classifier: c, threshold: threshold}
}

func (c *calibratedClassifier) Threshold() float64 { return c.threshold }

func (c *calibratedClassifier) Unwrap() Classifier { return c.Classifier }

// Package spans turns reconciled token probabilities into hallucinated
// character spans of the answer.
package spans

import (
	"math"
	"unicode"

	"github.com/soundprediction/lettuce/pkg/types"
)

// DefaultThreshold flags a token when its probability reaches one half.
const DefaultThreshold = 0.5

// Aggregator computes a span's confidence from the probabilities of its tokens.
type Aggregator interface {
	Aggregate(probs []float64) float64
	Name() string
}

type maxAggregator struct{}

func (maxAggregator) Aggregate(probs []float64) float64 {
	m := 0.0
	for _, p := range probs {
		m = math.Max(m, p)
	}
	return m
}

func (maxAggregator) Name() string { return "max" }

type meanAggregator struct{}

func (meanAggregator) Aggregate(probs []float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range probs {
		sum += p
	}
	return sum / float64(len(probs))
}

func (meanAggregator) Name() string { return "mean" }

var (
	// Max reports the strongest token in the span.
	Max Aggregator = maxAggregator{}
	// Mean reports the average token probability in the span.
	Mean Aggregator = meanAggregator{}
)

// ParseAggregator maps "max" and "mean" to an Aggregator. Empty selects Max.
func ParseAggregator(name string) (Aggregator, error) {
	switch name {
	case "", "max":
		return Max, nil
	case "mean":
		return Mean, nil
	default:
		return nil, types.NewParameterError("span_confidence", name, "must be max or mean")
	}
}

// ValidateThreshold rejects thresholds outside [0, 1] and NaN.
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return types.NewParameterError("threshold", threshold, "must be in [0, 1]")
	}
	return nil
}

// run is a group of flagged tokens being merged into one span.
type run struct {
	start, end int
	probs      []float64
}

// Extract returns the hallucinated spans of answer, left to right and
// non-overlapping. scores must be ordered by start offset, as Reconcile
// produces them. A nil aggregator means Max.
func Extract(answer string, scores []types.TokenScore, threshold float64, agg Aggregator) ([]types.Span, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	if agg == nil {
		agg = Max
	}

	runes := []rune(answer)
	var (
		out []types.Span
		cur *run
	)

	flush := func() {
		if cur == nil {
			return
		}
		if s, ok := finish(runes, cur, agg); ok {
			out = append(out, s)
		}
		cur = nil
	}

	for _, sc := range scores {
		if sc.Prob < threshold {
			flush()
			continue
		}
		if cur != nil && blankBetween(runes, cur.end, sc.Start) {
			cur.end = max(cur.end, sc.End)
			cur.probs = append(cur.probs, sc.Prob)
			continue
		}
		flush()
		cur = &run{start: sc.Start, end: sc.End, probs: []float64{sc.Prob}}
	}
	flush()

	return out, nil
}

// blankBetween reports whether runes[from:to] is empty or only whitespace.
func blankBetween(runes []rune, from, to int) bool {
	for i := from; i < to; i++ {
		if !unicode.IsSpace(runes[i]) {
			return false
		}
	}
	return true
}

func finish(runes []rune, r *run, agg Aggregator) (types.Span, bool) {
	start, end := r.start, r.end
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	if start >= end {
		return types.Span{}, false
	}
	return types.Span{
		Start:      start,
		End:        end,
		Confidence: agg.Aggregate(r.probs),
		Text:       string(runes[start:end]),
	}, true
}

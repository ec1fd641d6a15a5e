// Package format projects reconciled scores and spans into caller-facing records.
package format

import (
	"github.com/soundprediction/lettuce/pkg/types"
)

// Spans renders spans as records, preserving order.
func Spans(spans []types.Span) []types.SpanRecord {
	out := make([]types.SpanRecord, len(spans))
	for i, s := range spans {
		out[i] = types.SpanRecord{
			Text:       s.Text,
			Start:      s.Start,
			End:        s.End,
			Confidence: s.Confidence,
		}
	}
	return out
}

// Tokens renders one record per scored token. Pred is 1 when the
// probability reaches threshold.
func Tokens(scores []types.TokenScore, threshold float64) []types.TokenRecord {
	out := make([]types.TokenRecord, len(scores))
	for i, s := range scores {
		pred := 0
		if s.Prob >= threshold {
			pred = 1
		}
		out[i] = types.TokenRecord{
			Token: s.Text,
			Pred:  pred,
			Prob:  s.Prob,
		}
	}
	return out
}

// Result builds the projection selected by f.
func Result(f types.OutputFormat, scores []types.TokenScore, spans []types.Span, threshold float64, windows int) *types.DetectionResult {
	res := &types.DetectionResult{Format: f, Windows: windows}
	switch f {
	case types.FormatTokens:
		res.Tokens = Tokens(scores, threshold)
	default:
		res.Format = types.FormatSpans
		res.Spans = Spans(spans)
	}
	return res
}

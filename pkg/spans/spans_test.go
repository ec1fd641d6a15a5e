package spans

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lettuce/pkg/tokenizer"
	"github.com/soundprediction/lettuce/pkg/types"
)

const franceAnswer = "The capital of France is Paris. The population of France is 69 million."

// scoresFor tokenizes answer and assigns prob to every token for which
// flag returns true, 0.05 otherwise.
func scoresFor(t *testing.T, answer string, prob float64, flag func(start int) bool) []types.TokenScore {
	t.Helper()
	pieces, err := tokenizer.NewSubword(nil).Tokenize(answer)
	require.NoError(t, err)

	runes := []rune(answer)
	scores := make([]types.TokenScore, len(pieces))
	for i, p := range pieces {
		pr := 0.05
		if flag(p.Start) {
			pr = prob
		}
		scores[i] = types.TokenScore{Start: p.Start, End: p.End, Text: string(runes[p.Start:p.End]), Prob: pr}
	}
	return scores
}

func TestExtract_FlaggedSentence(t *testing.T) {
	scores := scoresFor(t, franceAnswer, 0.94, func(start int) bool { return start >= 32 })

	spans, err := Extract(franceAnswer, scores, 0.5, Max)
	require.NoError(t, err)
	require.Len(t, spans, 1)

	s := spans[0]
	assert.Equal(t, 32, s.Start)
	assert.Equal(t, 71, s.End)
	assert.Equal(t, "The population of France is 69 million.", s.Text)
	assert.InDelta(t, 0.94, s.Confidence, 1e-9)
}

func TestExtract_FlaggedPhrase(t *testing.T) {
	scores := scoresFor(t, franceAnswer, 0.8, func(start int) bool { return start >= 60 && start < 70 })

	spans, err := Extract(franceAnswer, scores, 0.5, nil)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, types.Span{Start: 60, End: 70, Confidence: 0.8, Text: "69 million"}, spans[0])
}

func TestExtract_PunctuationGapSplitsRuns(t *testing.T) {
	answer := "alpha beta, gamma"
	scores := []types.TokenScore{
		{Start: 0, End: 5, Text: "alpha", Prob: 0.9},
		{Start: 6, End: 10, Text: "beta", Prob: 0.7},
		{Start: 12, End: 17, Text: "gamma", Prob: 0.6},
	}

	spans, err := Extract(answer, scores, 0.5, Mean)
	require.NoError(t, err)
	require.Len(t, spans, 2)

	assert.Equal(t, "alpha beta", spans[0].Text)
	assert.InDelta(t, 0.8, spans[0].Confidence, 1e-9)
	assert.Equal(t, "gamma", spans[1].Text)
}

func TestExtract_TrimsWhitespaceTokens(t *testing.T) {
	answer := "a  b"
	scores := []types.TokenScore{
		{Start: 0, End: 1, Text: "a", Prob: 0.1},
		{Start: 1, End: 3, Text: "  ", Prob: 0.9},
		{Start: 3, End: 4, Text: "b", Prob: 0.9},
	}

	spans, err := Extract(answer, scores, 0.5, Max)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, types.Span{Start: 3, End: 4, Confidence: 0.9, Text: "b"}, spans[0])
}

func TestExtract_DropsWhitespaceOnlySpans(t *testing.T) {
	answer := "a   b"
	scores := []types.TokenScore{
		{Start: 0, End: 1, Text: "a", Prob: 0.1},
		{Start: 1, End: 4, Text: "   ", Prob: 0.9},
		{Start: 4, End: 5, Text: "b", Prob: 0.1},
	}

	spans, err := Extract(answer, scores, 0.5, Max)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestExtract_EmptyAndCleanAnswers(t *testing.T) {
	spans, err := Extract("", nil, 0.5, Max)
	require.NoError(t, err)
	assert.Empty(t, spans)

	scores := scoresFor(t, franceAnswer, 0.9, func(int) bool { return false })
	spans, err = Extract(franceAnswer, scores, 0.5, Max)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestExtract_ThresholdBounds(t *testing.T) {
	scores := scoresFor(t, franceAnswer, 1.0, func(int) bool { return true })

	for _, tau := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		_, err := Extract(franceAnswer, scores, tau, Max)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrInvalidParameter))
	}

	// prob >= threshold flags, so tau 1 still flags certain tokens.
	spans, err := Extract(franceAnswer, scores, 1.0, Max)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, franceAnswer, spans[0].Text)

	spans, err = Extract(franceAnswer, scoresFor(t, franceAnswer, 0, func(int) bool { return true }), 0, Max)
	require.NoError(t, err)
	require.Len(t, spans, 1)
}

func TestExtract_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	vocab := []string{"Paris", "is", "the", "capital", ",", "of", "France", ".", "69", "million", "naïve", "Zürich"}

	for iter := 0; iter < 200; iter++ {
		n := rng.Intn(30)
		parts := make([]string, n)
		for i := range parts {
			parts[i] = vocab[rng.Intn(len(vocab))]
		}
		answer := strings.Join(parts, strings.Repeat(" ", 1+rng.Intn(2)))
		scores := scoresFor(t, answer, 0, func(int) bool { return false })
		for i := range scores {
			scores[i].Prob = rng.Float64()
		}

		runes := []rune(answer)
		var prev []types.Span
		for _, tau := range []float64{0.2, 0.5, 0.8} {
			spans, err := Extract(answer, scores, tau, Max)
			require.NoError(t, err)

			lastEnd := -1
			for _, s := range spans {
				assert.Equal(t, string(runes[s.Start:s.End]), s.Text)
				assert.Less(t, s.Start, s.End)
				assert.Greater(t, s.Start, lastEnd, "spans must not touch or overlap")
				assert.GreaterOrEqual(t, s.Confidence, tau)
				lastEnd = s.End
			}

			// Raising the threshold only shrinks the flagged region.
			for _, s := range spans {
				contained := prev == nil
				for _, p := range prev {
					if p.Start <= s.Start && s.End <= p.End {
						contained = true
						break
					}
				}
				assert.True(t, contained, "span %v at tau %.1f not inside a lower-threshold span", s, tau)
			}
			prev = spans
		}
	}
}

func TestParseAggregator(t *testing.T) {
	a, err := ParseAggregator("mean")
	require.NoError(t, err)
	assert.Equal(t, "mean", a.Name())

	_, err = ParseAggregator("sum")
	assert.True(t, errors.Is(err, types.ErrInvalidParameter))
}

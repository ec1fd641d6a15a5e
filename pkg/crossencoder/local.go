package crossencoder

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"
)

// LocalRerankerClient scores passages by cosine similarity of term
// frequency vectors. It needs no model and is deterministic.
type LocalRerankerClient struct {
	config Config
}

// NewLocalRerankerClient creates a new local reranker.
func NewLocalRerankerClient(config Config) *LocalRerankerClient {
	return &LocalRerankerClient{config: config}
}

// Rank implements Client.
func (c *LocalRerankerClient) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	q := termFrequencies(query)
	ranked := make([]RankedPassage, len(passages))
	for i, p := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ranked[i] = RankedPassage{Passage: p, Index: i, Score: cosine(q, termFrequencies(p))}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}

// Close implements Client.
func (c *LocalRerankerClient) Close() error {
	return nil
}

func termFrequencies(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tf[w]++
	}
	return tf
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, v := range a {
		na += v * v
		dot += v * b[k]
	}
	for _, v := range b {
		nb += v * v
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

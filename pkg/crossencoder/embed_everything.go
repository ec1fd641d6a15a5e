package crossencoder

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/soundprediction/go-embedeverything/pkg/embedder"
)

// EmbedEverythingClient implements the Client interface for EmbedEverything reranking.
type EmbedEverythingClient struct {
	reranker *embedder.Reranker
	config   *EmbedEverythingConfig
	mu       sync.Mutex
}

// EmbedEverythingConfig extends Config with EmbedEverything-specific settings.
type EmbedEverythingConfig struct {
	*Config
}

// NewEmbedEverythingClient creates a new EmbedEverything reranker client.
func NewEmbedEverythingClient(config *EmbedEverythingConfig) (*EmbedEverythingClient, error) {
	reranker, err := embedder.NewReranker(config.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create reranker: %w", err)
	}

	return &EmbedEverythingClient{
		reranker: reranker,
		config:   config,
	}, nil
}

// Rank ranks the given passages based on their relevance to the query.
func (e *EmbedEverythingClient) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	if len(passages) == 0 {
		return []RankedPassage{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// go-embedeverything does not support context yet
	e.mu.Lock()
	results, err := e.reranker.Rerank(query, passages)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to rerank passages: %w", err)
	}

	// Results carry text only; recover input positions, consuming duplicates in order.
	positions := make(map[string][]int, len(passages))
	for i, p := range passages {
		positions[p] = append(positions[p], i)
	}

	rankedPassages := make([]RankedPassage, 0, len(results))
	for _, result := range results {
		idx := -1
		if q := positions[result.Text]; len(q) > 0 {
			idx, positions[result.Text] = q[0], q[1:]
		}
		rankedPassages = append(rankedPassages, RankedPassage{
			Passage: result.Text,
			Index:   idx,
			Score:   float64(result.Score),
		})
	}

	sort.SliceStable(rankedPassages, func(i, j int) bool {
		return rankedPassages[i].Score > rankedPassages[j].Score
	})

	return rankedPassages, nil
}

// Close cleans up any resources.
func (e *EmbedEverythingClient) Close() error {
	e.reranker.Close()
	return nil
}

package crossencoder

import (
	"context"
	"fmt"
)

// ContextRanker orders detection contexts with a cross-encoder Client.
type ContextRanker struct {
	client Client
}

// NewContextRanker creates a ContextRanker.
func NewContextRanker(client Client) *ContextRanker {
	return &ContextRanker{client: client}
}

// RankContexts returns contexts ordered by relevance to query, most relevant
// first. Every input context appears exactly once in the output; contexts
// the client failed to place keep their original relative order at the end.
func (r *ContextRanker) RankContexts(ctx context.Context, query string, contexts []string) ([]string, error) {
	if len(contexts) < 2 {
		return contexts, nil
	}
	ranked, err := r.client.Rank(ctx, query, contexts)
	if err != nil {
		return nil, fmt.Errorf("failed to rank contexts: %w", err)
	}

	used := make([]bool, len(contexts))
	out := make([]string, 0, len(contexts))
	for _, rp := range ranked {
		if rp.Index < 0 || rp.Index >= len(contexts) || used[rp.Index] {
			continue
		}
		used[rp.Index] = true
		out = append(out, contexts[rp.Index])
	}
	for i, c := range contexts {
		if !used[i] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Close releases the underlying client.
func (r *ContextRanker) Close() error {
	return r.client.Close()
}

/*
Package crossencoder ranks passages by their relevance to a query.

The detector uses it to decide which source passages survive when the
context has to be truncated to fit the model window: passages are ranked
against the question and answer, and the most relevant ones are packed first.

Usage:

	// Local neural reranker through go-embedeverything
	ee, err := crossencoder.NewEmbedEverythingClient(&crossencoder.EmbedEverythingConfig{
		Config: &crossencoder.Config{Model: "BAAI/bge-reranker-base"},
	})

	// Term frequency similarity, no model required
	local := crossencoder.NewLocalRerankerClient(crossencoder.Config{})

	ranker := crossencoder.NewContextRanker(ee)
	ordered, err := ranker.RankContexts(ctx, question+"\n"+answer, contexts)
*/
package crossencoder

import (
	"context"
	"fmt"
)

// Provider represents the type of cross-encoder provider
type Provider string

const (
	// ProviderLocal uses local text similarity algorithms
	ProviderLocal Provider = "local"

	// ProviderEmbedEverything uses go-embedeverything for local reranking
	ProviderEmbedEverything Provider = "embedeverything"
)

// Client ranks passages against a query.
type Client interface {
	// Rank returns one RankedPassage per input passage, most relevant first.
	Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error)
	Close() error
}

// RankedPassage is a passage with its relevance score. Index is the
// passage's position in the input.
type RankedPassage struct {
	Passage string  `json:"passage"`
	Index   int     `json:"index"`
	Score   float64 `json:"score"`
}

// Config holds common cross-encoder settings
type Config struct {
	Model string `json:"model,omitempty"`
}

// NewClient creates a new cross-encoder client based on the provider type
func NewClient(provider Provider, config Config) (Client, error) {
	switch provider {
	case ProviderLocal:
		return NewLocalRerankerClient(config), nil

	case ProviderEmbedEverything:
		if config.Model == "" {
			config.Model = DefaultConfig(ProviderEmbedEverything).Model
		}
		return NewEmbedEverythingClient(&EmbedEverythingConfig{Config: &config})

	default:
		return nil, fmt.Errorf("unsupported cross-encoder provider: %s", provider)
	}
}

// DefaultConfig returns a default configuration for the given provider
func DefaultConfig(provider Provider) Config {
	switch provider {
	case ProviderEmbedEverything:
		return Config{Model: "BAAI/bge-reranker-base"}
	default:
		return Config{}
	}
}

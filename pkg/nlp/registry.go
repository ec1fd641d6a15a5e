package nlp

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/soundprediction/lettuce/pkg/config"
)

// TaskCapability represents a specific NLP task that a model can perform.
type TaskCapability string

const (
	// TaskTokenClassification represents per-token hallucination scoring.
	TaskTokenClassification TaskCapability = "token_classification"
	// TaskSpanDetection represents zero-shot span labelling.
	TaskSpanDetection TaskCapability = "span_detection"
	// TaskEmbedding represents text embedding generation, used for context ranking.
	TaskEmbedding TaskCapability = "embedding"
	// TaskTextGeneration represents chat models used as judges.
	TaskTextGeneration TaskCapability = "text_generation"
)

// ProviderID represents a unique identifier for a classifier provider.
type ProviderID string

const (
	// ProviderRustBert is the ID for native token classification via rust-bert.
	ProviderRustBert ProviderID = "rustbert"
	// ProviderGLiNER is the ID for the GLiNER local provider.
	ProviderGLiNER ProviderID = "gliner"
	// ProviderHTTP is the ID for a remote token classification server.
	ProviderHTTP ProviderID = "http"
	// ProviderOpenAI is the ID for OpenAI and compatible chat judges.
	ProviderOpenAI ProviderID = "openai"
	// ProviderEmbedEverything is the ID for the EmbedEverything local provider.
	ProviderEmbedEverything ProviderID = "embedeverything"
)

// Provider represents a model provider.
type Provider struct {
	ID          ProviderID
	Name        string
	Description string
	IsLocal     bool
}

// Model represents a specific model.
type Model struct {
	ID           string
	Name         string
	ProviderID   ProviderID
	Capabilities []TaskCapability
	Description  string
	// Threshold is the decision threshold the model was calibrated for
	Threshold float64
}

// BuiltInProviders contains the standard set of supported providers.
var BuiltInProviders = map[ProviderID]Provider{
	ProviderRustBert: {
		ID:          ProviderRustBert,
		Name:        "RustBert",
		Description: "Native token classification models via rust-bert bindings",
		IsLocal:     true,
	},
	ProviderGLiNER: {
		ID:          ProviderGLiNER,
		Name:        "GLiNER",
		Description: "Zero-shot span labelling used as a span level detector",
		IsLocal:     true,
	},
	ProviderHTTP: {
		ID:          ProviderHTTP,
		Name:        "HTTP",
		Description: "Token classification served by a remote model server",
		IsLocal:     false,
	},
	ProviderOpenAI: {
		ID:          ProviderOpenAI,
		Name:        "OpenAI",
		Description: "Chat models used as token level judges (OpenAI or compatible)",
		IsLocal:     false,
	},
	ProviderEmbedEverything: {
		ID:          ProviderEmbedEverything,
		Name:        "EmbedEverything",
		Description: "Local embedding models used to rank contexts before truncation",
		IsLocal:     true,
	},
}

// BuiltInModels contains a curated list of built-in models.
var BuiltInModels = []Model{
	{
		ID:           "KRLabsOrg/lettucedect-base-modernbert-en-v1",
		Name:         "LettuceDetect Base",
		ProviderID:   ProviderRustBert,
		Capabilities: []TaskCapability{TaskTokenClassification},
		Description:  "ModernBERT base fine-tuned for token level hallucination detection",
		Threshold:    0.5,
	},
	{
		ID:           "KRLabsOrg/lettucedect-large-modernbert-en-v1",
		Name:         "LettuceDetect Large",
		ProviderID:   ProviderRustBert,
		Capabilities: []TaskCapability{TaskTokenClassification},
		Description:  "ModernBERT large fine-tuned for token level hallucination detection",
		Threshold:    0.5,
	},
	{
		ID:           "urchade/gliner_multi-v2.1",
		Name:         "GLiNER Multi v2.1",
		ProviderID:   ProviderGLiNER,
		Capabilities: []TaskCapability{TaskSpanDetection},
		Description:  "Multilingual GLiNER model for zero-shot span labelling",
		Threshold:    0.5,
	},
	{
		ID:           "urchade/gliner_small-v2.1",
		Name:         "GLiNER Small v2.1",
		ProviderID:   ProviderGLiNER,
		Capabilities: []TaskCapability{TaskSpanDetection},
		Description:  "Lightweight multilingual GLiNER model",
		Threshold:    0.5,
	},
	{
		ID:           "gpt-4o",
		Name:         "GPT-4o judge",
		ProviderID:   ProviderOpenAI,
		Capabilities: []TaskCapability{TaskTextGeneration},
		Description:  "General chat model prompted to judge answer tokens",
		Threshold:    0.5,
	},
	{
		ID:           "sentence-transformers/all-MiniLM-L6-v2",
		Name:         "all-MiniLM-L6-v2",
		ProviderID:   ProviderEmbedEverything,
		Capabilities: []TaskCapability{TaskEmbedding},
		Description:  "Fast general-purpose sentence embedding model for context ranking",
	},
}

// GetProvider returns the provider with the given ID.
func GetProvider(id ProviderID) (Provider, bool) {
	p, ok := BuiltInProviders[id]
	return p, ok
}

// GetModel returns the model with the given ID.
func GetModel(id string) (Model, bool) {
	for _, m := range BuiltInModels {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// GetModelsByProvider returns all models for a specific provider.
func GetModelsByProvider(providerID ProviderID) []Model {
	var models []Model
	for _, m := range BuiltInModels {
		if m.ProviderID == providerID {
			models = append(models, m)
		}
	}
	return models
}

// GetModelsByCapability returns all models capable of a specific task.
func GetModelsByCapability(capability TaskCapability) []Model {
	var models []Model
	for _, m := range BuiltInModels {
		if slices.Contains(m.Capabilities, capability) {
			models = append(models, m)
		}
	}
	return models
}

// Factory builds a classifier from model configuration.
type Factory func(cfg config.ModelConfig, logger *slog.Logger) (Classifier, error)

// Registry maps providers to classifier factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[ProviderID]Factory
}

// NewRegistry returns a registry with the http and openai providers.
// Native providers register through their own packages.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[ProviderID]Factory)}
	r.Register(ProviderHTTP, newHTTPFromConfig)
	r.Register(ProviderOpenAI, newOpenAIFromConfig)
	return r
}

// Register adds or replaces the factory for id.
func (r *Registry) Register(id ProviderID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Providers lists the registered provider IDs.
func (r *Registry) Providers() []ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ProviderID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// New builds the classifier for cfg.Provider. Models listed in BuiltInModels
// carry their calibrated threshold.
func (r *Registry) New(cfg config.ModelConfig, logger *slog.Logger) (Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r.mu.RLock()
	f, ok := r.factories[ProviderID(cfg.Provider)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}

	c, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s classifier: %w", cfg.Provider, err)
	}
	if _, calibrated := CalibratedThreshold(c); !calibrated {
		if m, known := GetModel(cfg.Model); known && m.Threshold > 0 {
			c = WithCalibration(c, m.Threshold)
		}
	}
	logger.Info("created classifier", "provider", cfg.Provider, "model", cfg.Model, "name", c.Name())
	return c, nil
}

func newHTTPFromConfig(cfg config.ModelConfig, _ *slog.Logger) (Classifier, error) {
	return NewHTTPClassifier(HTTPConfig{
		Endpoint: cfg.BaseURL,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		Timeout:  cfg.Timeout,
	})
}

func newOpenAIFromConfig(cfg config.ModelConfig, _ *slog.Logger) (Classifier, error) {
	return NewOpenAIClassifier(OpenAIConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
	})
}

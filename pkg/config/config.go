package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Model configuration for the token classifier
	Model ModelConfig `mapstructure:"model"`

	// Tokenizer configuration
	Tokenizer TokenizerConfig `mapstructure:"tokenizer"`

	// Detection pipeline configuration
	Detection DetectionConfig `mapstructure:"detection"`

	// Cache configuration
	Cache CacheConfig `mapstructure:"cache"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Alert configuration
	Alert AlertConfig `mapstructure:"alert"`

	// CircuitBreaker configuration
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// Retry configuration for model calls
	Retry RetryConfig `mapstructure:"retry"`

	// RateLimit configuration for the HTTP API
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// AlertConfig holds configuration for alerting
type AlertConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// CircuitBreakerConfig holds configuration for circuit breaking
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// RetryConfig holds configuration for retrying failed model calls
type RetryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// RateLimitConfig holds the token bucket settings for the HTTP API
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path"`
	// AuditDetections writes one Parquet row per detection request
	AuditDetections bool `mapstructure:"audit_detections"`
	// Metrics exposes Prometheus metrics on /metrics
	Metrics bool `mapstructure:"metrics"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json, color
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
	// RequestTimeout bounds a single detection request
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ModelConfig selects and configures the token classifier
type ModelConfig struct {
	// Provider is one of http, rustbert, gliner, openai
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	// CacheDir holds downloaded model artifacts for native providers
	CacheDir string `mapstructure:"cache_dir"`
	// Labels are the zero-shot labels used by the gliner provider
	Labels []string `mapstructure:"labels"`
	// HallucinationLabel is the entity label treated as hallucinated
	HallucinationLabel string        `mapstructure:"hallucination_label"`
	Timeout            time.Duration `mapstructure:"timeout"`
	// Reranker is an optional embedding model used to rank contexts before truncation
	Reranker string `mapstructure:"reranker"`
}

// TokenizerConfig holds tokenizer configuration
type TokenizerConfig struct {
	// Kind is subword or tiktoken
	Kind          string `mapstructure:"kind"`
	Encoding      string `mapstructure:"encoding"`
	MaxPieceRunes int    `mapstructure:"max_piece_runes"`
	Lowercase     bool   `mapstructure:"lowercase"`
}

// DetectionConfig holds the packing, reconciliation and span settings
type DetectionConfig struct {
	// Threshold is nil unless configured; the model's calibration applies then
	Threshold        *float64 `mapstructure:"threshold"`
	MaxTokens        int      `mapstructure:"max_tokens"`
	OverlapRatio     float64  `mapstructure:"overlap_ratio"`
	Stride           int      `mapstructure:"stride"`
	MinContextTokens int      `mapstructure:"min_context_tokens"`
	MinContextRatio  float64  `mapstructure:"min_context_ratio"`
	// Aggregation reduces overlapping window scores: max or mean
	Aggregation string `mapstructure:"aggregation"`
	// SpanConfidence aggregates token scores into span confidence: max or mean
	SpanConfidence string `mapstructure:"span_confidence"`
	BatchSize      int    `mapstructure:"batch_size"`
	Concurrency    int    `mapstructure:"concurrency"`
}

// CacheConfig holds the detection result cache configuration
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Path     string        `mapstructure:"path"`
	InMemory bool          `mapstructure:"in_memory"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Set defaults
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Override with environment variables if present
	overrideWithEnv(config)

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Server defaults
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("server.request_timeout", 60*time.Second)

	// Model defaults
	viper.SetDefault("model.provider", "rustbert")
	viper.SetDefault("model.model", "KRLabsOrg/lettucedect-base-modernbert-en-v1")
	viper.SetDefault("model.hallucination_label", "HALLUCINATED")
	viper.SetDefault("model.labels", []string{"hallucinated claim"})
	viper.SetDefault("model.timeout", 30*time.Second)

	// Tokenizer defaults
	viper.SetDefault("tokenizer.kind", "subword")
	viper.SetDefault("tokenizer.encoding", "cl100k_base")
	viper.SetDefault("tokenizer.max_piece_runes", 6)

	// Detection defaults
	viper.SetDefault("detection.max_tokens", 4096)
	viper.SetDefault("detection.overlap_ratio", 0.25)
	viper.SetDefault("detection.stride", 0)
	viper.SetDefault("detection.min_context_tokens", 0)
	viper.SetDefault("detection.min_context_ratio", 0.25)
	viper.SetDefault("detection.aggregation", "max")
	viper.SetDefault("detection.span_confidence", "max")
	viper.SetDefault("detection.batch_size", 8)
	viper.SetDefault("detection.concurrency", 4)

	// Circuit breaker defaults
	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", 60)
	viper.SetDefault("circuit_breaker.timeout", 30)
	viper.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)

	// Retry defaults
	viper.SetDefault("retry.enabled", true)
	viper.SetDefault("retry.max_retries", 3)
	viper.SetDefault("retry.initial_delay", time.Second)
	viper.SetDefault("retry.max_delay", 30*time.Second)
	viper.SetDefault("retry.backoff_multiplier", 2.0)

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", false)
	viper.SetDefault("rate_limit.requests_per_second", 10.0)
	viper.SetDefault("rate_limit.burst", 20)

	// Cache and telemetry defaults
	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.ttl", 24*time.Hour)
	viper.SetDefault("telemetry.metrics", true)

	home, err := os.UserHomeDir()
	if err == nil {
		viper.SetDefault("telemetry.parquet_path", fmt.Sprintf("%s/.lettuce/telemetry", home))
		viper.SetDefault("cache.path", fmt.Sprintf("%s/.lettuce/cache", home))
		viper.SetDefault("model.cache_dir", fmt.Sprintf("%s/.lettuce/models", home))
	}
}

// overrideWithEnv overrides config with environment variables
func overrideWithEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && config.Model.Provider == "openai" {
		config.Model.APIKey = apiKey
	}
	if apiKey := os.Getenv("LETTUCE_API_KEY"); apiKey != "" {
		config.Model.APIKey = apiKey
	}
	if baseURL := os.Getenv("LETTUCE_MODEL_URL"); baseURL != "" {
		config.Model.BaseURL = baseURL
	}
	if model := os.Getenv("LETTUCE_MODEL"); model != "" {
		config.Model.Model = model
	}
	if provider := os.Getenv("LETTUCE_PROVIDER"); provider != "" {
		config.Model.Provider = provider
	}
	// Names used by the reference LettuceDetect web API
	if model := os.Getenv("LETTUCEDETECT_MODEL"); model != "" {
		config.Model.Model = model
	}
	if method := os.Getenv("LETTUCEDETECT_METHOD"); method != "" {
		config.Model.Provider = method
	}
	config.Model.Provider = NormalizeProvider(config.Model.Provider)

	// Detection settings
	if v := os.Getenv("LETTUCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Detection.Threshold = &f
		}
	}
	if v := os.Getenv("LETTUCE_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Detection.MaxTokens = n
		}
	}

	// Server settings
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			config.Server.Port = n
		}
	}

	// Telemetry settings
	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
	}
	if path := os.Getenv("LETTUCE_CACHE_PATH"); path != "" {
		config.Cache.Path = path
	}
}

// NormalizeProvider maps provider aliases to their canonical names.
// "transformer" is the token classification method of the reference API.
func NormalizeProvider(provider string) string {
	switch p := strings.ToLower(strings.TrimSpace(provider)); p {
	case "transformer", "transformers":
		return "rustbert"
	default:
		return p
	}
}

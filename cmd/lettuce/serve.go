package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the hallucination detection HTTP server",
	Long: `Start the HTTP server. The model is loaded once at startup and shared by
all requests.

The server provides endpoints for:
- Token level detection (POST /lettucedetect/token, /v1/lettucedetect/token)
- Span level detection (POST /lettucedetect/spans, /v1/lettucedetect/spans)
- Health checks and Prometheus metrics

Configuration can be provided through config files, environment variables, or command-line flags.`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
	serveMode string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "Server host")
	serveCmd.Flags().IntVar(&servePort, "port", 8000, "Server port")
	serveCmd.Flags().StringVar(&serveMode, "mode", "release", "Server mode (debug, release, test)")
	addModelFlags(serveCmd)

	serveCmd.Flags().Bool("rate-limit", false, "Enable request rate limiting")
	serveCmd.Flags().Bool("cache", false, "Cache detection results")
	serveCmd.Flags().String("telemetry-parquet-path", "", "Directory for error logs and detection audit files")
}

// addModelFlags registers the flags shared by serve and detect.
func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "", "Model id or path")
	cmd.Flags().String("method", "", "Classifier provider (transformer, rustbert, gliner, http, openai)")
	cmd.Flags().String("model-url", "", "Base URL for the http and openai providers")
	cmd.Flags().String("reranker", "", "Context reranker model, or \"local\"")
	cmd.Flags().String("tokenizer", "", "Tokenizer (subword, tiktoken)")
	cmd.Flags().Int("max-tokens", 0, "Window length in tokens")
	cmd.Flags().Int("stride", 0, "Answer tokens shared by consecutive windows")
	cmd.Flags().String("aggregation", "", "Overlap reduction (max, mean)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("mode") || cfg.Server.Mode == "" {
		cfg.Server.Mode = serveMode
	}
	if cmd.Flags().Changed("rate-limit") {
		cfg.RateLimit.Enabled, _ = cmd.Flags().GetBool("rate-limit")
	}
	if cmd.Flags().Changed("cache") {
		cfg.Cache.Enabled, _ = cmd.Flags().GetBool("cache")
	}
	if cmd.Flags().Changed("telemetry-parquet-path") {
		cfg.Telemetry.ParquetPath, _ = cmd.Flags().GetString("telemetry-parquet-path")
	}
	overrideModelFlags(cmd, cfg)

	if err := validateServerConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rt, err := build(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize detector: %w", err)
	}
	defer rt.Close()

	rt.logger.Info("model loaded",
		"provider", cfg.Model.Provider,
		"model", cfg.Model.Model,
		"classifier", rt.detector.Classifier().Name(),
		"threshold", rt.detector.Threshold())

	srv := server.New(cfg, rt.detector, rt.logger)
	srv.Setup()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		rt.logger.Info("received signal", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		rt.logger.Info("server stopped gracefully")
		return nil
	}
}

// overrideModelFlags applies the model and detection flags to cfg.
func overrideModelFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model.Model, _ = flags.GetString("model")
	}
	if flags.Changed("method") {
		method, _ := flags.GetString("method")
		cfg.Model.Provider = config.NormalizeProvider(method)
	}
	if flags.Changed("model-url") {
		cfg.Model.BaseURL, _ = flags.GetString("model-url")
	}
	if flags.Changed("reranker") {
		cfg.Model.Reranker, _ = flags.GetString("reranker")
	}
	if flags.Changed("tokenizer") {
		cfg.Tokenizer.Kind, _ = flags.GetString("tokenizer")
	}
	if flags.Changed("max-tokens") {
		cfg.Detection.MaxTokens, _ = flags.GetInt("max-tokens")
	}
	if flags.Changed("stride") {
		cfg.Detection.Stride, _ = flags.GetInt("stride")
	}
	if flags.Changed("aggregation") {
		cfg.Detection.Aggregation, _ = flags.GetString("aggregation")
	}
}

func validateServerConfig(cfg *config.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.Model.Provider == "" {
		return fmt.Errorf("model provider is required")
	}
	return nil
}

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/types"
)

func TestParseRequest(t *testing.T) {
	req, err := parseRequest([]byte(`{"contexts":["a"],"question":"q","answer":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, req.Contexts)
	require.NotNil(t, req.Answer)
	assert.Equal(t, "x", *req.Answer)
}

func TestParseRequest_Repairs(t *testing.T) {
	req, err := parseRequest([]byte(`{'contexts': ['a', 'b',], 'question': 'q', 'answer': 'x',}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, req.Contexts)
	require.NotNil(t, req.Answer)
	assert.Equal(t, "x", *req.Answer)
}

func TestReadRequest_Stdin(t *testing.T) {
	req, err := readRequest("-", strings.NewReader(`{"answer":"y"}`))
	require.NoError(t, err)
	require.NotNil(t, req.Answer)
	assert.Equal(t, "y", *req.Answer)
}

func TestWriteResult(t *testing.T) {
	res := &types.DetectionResult{
		Format:  types.FormatSpans,
		Spans:   []types.SpanRecord{{Start: 0, End: 5, Text: "hello", Confidence: 0.9}},
		Windows: 1,
	}

	var js bytes.Buffer
	require.NoError(t, writeResult(&js, res, "json"))
	assert.Contains(t, js.String(), `"format": "spans"`)
	assert.Contains(t, js.String(), `"hello"`)

	var ym bytes.Buffer
	require.NoError(t, writeResult(&ym, res, "yaml"))
	assert.Contains(t, ym.String(), "format: spans")
	assert.Contains(t, ym.String(), "text: hello")
}

func TestBuild_HTTPProvider(t *testing.T) {
	threshold := 0.6
	cfg := &config.Config{
		Log:       config.LogConfig{Level: "error", Format: "text"},
		Model:     config.ModelConfig{Provider: "http", BaseURL: "http://127.0.0.1:1/predict"},
		Tokenizer: config.TokenizerConfig{Kind: "subword"},
		Detection: config.DetectionConfig{Threshold: &threshold, MaxTokens: 512, Aggregation: "mean", SpanConfidence: "max"},
		Cache:     config.CacheConfig{Enabled: true, InMemory: true},
		Telemetry: config.TelemetryConfig{ParquetPath: t.TempDir(), AuditDetections: true},
	}

	rt, err := build(cfg)
	require.NoError(t, err)
	require.NotNil(t, rt.detector)
	assert.InDelta(t, 0.6, rt.detector.Threshold(), 1e-9)
	assert.Len(t, rt.closers, 1)
	assert.NoError(t, rt.Close())
}

func TestBuild_UnknownProvider(t *testing.T) {
	cfg := &config.Config{
		Log:       config.LogConfig{Level: "error", Format: "text"},
		Model:     config.ModelConfig{Provider: "nope"},
		Detection: config.DetectionConfig{MaxTokens: 512},
	}

	rt, err := build(cfg)
	assert.Error(t, err)
	assert.Nil(t, rt)
}

func TestNewTokenizer(t *testing.T) {
	tok, err := newTokenizer(config.TokenizerConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Name())

	_, err = newTokenizer(config.TokenizerConfig{Kind: "sentencepiece"})
	assert.Error(t, err)
}

func TestOverrideModelFlags_Stride(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addModelFlags(cmd)
	assert.Equal(t, "Answer tokens shared by consecutive windows", cmd.Flags().Lookup("stride").Usage)

	require.NoError(t, cmd.Flags().Set("stride", "6"))
	require.NoError(t, cmd.Flags().Set("method", "transformer"))
	cfg := &config.Config{}
	overrideModelFlags(cmd, cfg)
	assert.Equal(t, 6, cfg.Detection.Stride)
	assert.Equal(t, "rustbert", cfg.Model.Provider)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	jsonrepair "github.com/kaptinlin/jsonrepair"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/soundprediction/lettuce"
	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/types"
)

var detectCmd = &cobra.Command{
	Use:   "detect [request.json]",
	Short: "Run detection once on a JSON request",
	Long: `Run detection on a single request and print the result.

The request has the same shape as the HTTP API body:

  {"contexts": ["..."], "question": "...", "answer": "..."}

It is read from the named file, or from stdin when the name is "-" or omitted.
Slightly malformed JSON (trailing commas, single quotes) is repaired.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().String("format", "spans", "Result format (spans, tokens)")
	detectCmd.Flags().StringP("output", "o", "json", "Output encoding (json, yaml)")
	detectCmd.Flags().Float64("threshold", 0, "Decision threshold in [0,1]")
	addModelFlags(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	overrideModelFlags(cmd, cfg)

	formatName, _ := cmd.Flags().GetString("format")
	format, err := types.ParseOutputFormat(formatName)
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")
	if output != "json" && output != "yaml" {
		return fmt.Errorf("unsupported output encoding: %s", output)
	}

	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	req, err := readRequest(path, cmd.InOrStdin())
	if err != nil {
		return err
	}

	var opts *lettuce.PredictOptions
	if cmd.Flags().Changed("threshold") {
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		opts = &lettuce.PredictOptions{Threshold: &threshold}
	}

	rt, err := build(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize detector: %w", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := rt.detector.Predict(ctx, req, format, opts)
	if err != nil {
		return err
	}
	return writeResult(cmd.OutOrStdout(), res, output)
}

// readRequest loads a detection request from path, or from stdin for "-".
func readRequest(path string, stdin io.Reader) (types.DetectionRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return types.DetectionRequest{}, fmt.Errorf("failed to read request: %w", err)
	}
	return parseRequest(data)
}

func parseRequest(data []byte) (types.DetectionRequest, error) {
	var req types.DetectionRequest
	if err := json.Unmarshal(data, &req); err == nil {
		return req, nil
	}

	repaired, err := jsonrepair.JSONRepair(string(data))
	if err != nil {
		return req, fmt.Errorf("failed to parse request: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &req); err != nil {
		return req, fmt.Errorf("failed to parse request: %w", err)
	}
	return req, nil
}

func writeResult(w io.Writer, res *types.DetectionResult, output string) error {
	if output == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

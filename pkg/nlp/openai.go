package nlp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	jsonrepair "github.com/kaptinlin/jsonrepair"
	"github.com/sashabaranov/go-openai"

	"github.com/soundprediction/lettuce/pkg/types"
)

const judgeSystemPrompt = `You verify answers against source passages.
You receive numbered answer tokens. Report every token that states something
not supported by the context, together with the probability that it is
hallucinated. Respond with JSON only:
{"hallucinated": [{"index": <token number>, "probability": <0..1>}]}
Return an empty list when the answer is fully supported.`

// OpenAIConfig configures an OpenAIClassifier.
type OpenAIConfig struct {
	APIKey      string  `json:"-"`
	Model       string  `json:"model,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

// OpenAIClassifier uses a chat model as a token level hallucination judge.
// Tokens outside the answer always score zero.
type OpenAIClassifier struct {
	client *openai.Client
	config OpenAIConfig
}

type judgeVerdict struct {
	Hallucinated []struct {
		Index       int     `json:"index"`
		Probability float64 `json:"probability"`
	} `json:"hallucinated"`
}

// NewOpenAIClassifier creates a new OpenAI judge.
// Supports OpenAI-compatible services through custom BaseURL configuration.
func NewOpenAIClassifier(config OpenAIConfig) (*OpenAIClassifier, error) {
	var client *openai.Client
	apiKey := config.APIKey

	if config.BaseURL != "" {
		if err := validateBaseURL(config.BaseURL); err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}

		// Some compatible services do not require authentication
		if apiKey == "" {
			apiKey = "dummy-key"
		}

		clientConfig := openai.DefaultConfig(apiKey)
		clientConfig.BaseURL = config.BaseURL
		if !hasAPIPath(config.BaseURL) {
			clientConfig.BaseURL = config.BaseURL + "/v1"
		}
		client = openai.NewClientWithConfig(clientConfig)
	} else {
		if apiKey == "" {
			return nil, fmt.Errorf("api key is required for openai")
		}
		client = openai.NewClient(apiKey)
	}

	if config.Model == "" {
		config.Model = openai.GPT4o
	}

	return &OpenAIClassifier{
		client: client,
		config: config,
	}, nil
}

// Name implements Classifier.
func (c *OpenAIClassifier) Name() string {
	return "openai:" + c.config.Model
}

// Classify implements Classifier. Windows are judged one chat call each.
func (c *OpenAIClassifier) Classify(ctx context.Context, windows []types.Window) ([]Prediction, error) {
	preds := make([]Prediction, 0, len(windows))
	for _, w := range windows {
		p, err := c.classifyWindow(ctx, w)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func (c *OpenAIClassifier) classifyWindow(ctx context.Context, w types.Window) (Prediction, error) {
	req := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: judgeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: renderWindow(w)},
		},
		Temperature: c.config.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Prediction{}, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Prediction{}, NewEmptyResponseError("no choices returned from openai")
	}

	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return Prediction{}, err
	}

	// Answer token numbers in the prompt are 1-based.
	answerPos := make([]int, 0, w.AnswerTo-w.AnswerFrom)
	for i, tok := range w.Tokens {
		if tok.IsAnswer() {
			answerPos = append(answerPos, i)
		}
	}

	probs := make([]float64, len(w.Tokens))
	for _, h := range verdict.Hallucinated {
		if h.Index < 1 || h.Index > len(answerPos) {
			continue
		}
		p := min(max(h.Probability, 0), 1)
		pos := answerPos[h.Index-1]
		probs[pos] = max(probs[pos], p)
	}
	return Prediction{WindowIndex: w.Index, Probs: probs}, nil
}

func parseVerdict(content string) (judgeVerdict, error) {
	var v judgeVerdict
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return v, nil
	}
	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return v, fmt.Errorf("failed to repair judge response: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return v, fmt.Errorf("failed to decode judge response: %w", err)
	}
	return v, nil
}

// renderWindow lays out the window for the judge, numbering answer tokens.
func renderWindow(w types.Window) string {
	var ctxParts, question []string
	var answer strings.Builder
	n := 0
	for i, tok := range w.Tokens {
		switch tok.Segment {
		case types.SegmentContext:
			ctxParts = appendPiece(ctxParts, tok.Text)
		case types.SegmentQuestion:
			question = appendPiece(question, tok.Text)
		case types.SegmentAnswer:
			n++
			fmt.Fprintf(&answer, "%d: %s\n", n, tok.Text)
		case types.SegmentSpecial:
			// A marker between two context tokens separates passages.
			if len(ctxParts) > 0 && i+1 < len(w.Tokens) && w.Tokens[i+1].Segment == types.SegmentContext {
				ctxParts = append(ctxParts, "\n\n")
			}
		}
	}

	var b strings.Builder
	b.WriteString("Context:\n")
	b.WriteString(strings.Join(ctxParts, " "))
	b.WriteString("\n\nQuestion:\n")
	b.WriteString(strings.Join(question, " "))
	b.WriteString("\n\nAnswer tokens:\n")
	b.WriteString(answer.String())
	return b.String()
}

// appendPiece joins "##" continuation pieces onto the previous word.
func appendPiece(parts []string, text string) []string {
	if rest, ok := strings.CutPrefix(text, "##"); ok && len(parts) > 0 {
		parts[len(parts)-1] += rest
		return parts
	}
	return append(parts, text)
}

// Close cleans up resources (no-op for OpenAI client).
func (c *OpenAIClassifier) Close() error {
	return nil
}

// validateBaseURL validates the base URL format.
func validateBaseURL(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("baseURL cannot be empty")
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid baseURL format: %w", err)
	}
	if parsedURL.Scheme == "" {
		return fmt.Errorf("baseURL must include scheme (http:// or https://)")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("baseURL must use http:// or https:// scheme")
	}
	return nil
}

// hasAPIPath checks if the base URL already includes an API path component.
func hasAPIPath(baseURL string) bool {
	commonPaths := []string{"/v1", "/api", "/v1/", "/api/"}
	for _, path := range commonPaths {
		if strings.HasSuffix(baseURL, path) {
			return true
		}
	}
	return false
}

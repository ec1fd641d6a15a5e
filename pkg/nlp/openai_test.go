package nlp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lettuce/pkg/types"
)

func judgeWindow() types.Window {
	toks := []types.Token{
		{Text: "[CLS]", Segment: types.SegmentSpecial},
		{Text: "Paris", Segment: types.SegmentContext},
		{Text: "[SEP]", Segment: types.SegmentSpecial},
		{Text: "capital", Segment: types.SegmentQuestion},
		{Text: "[SEP]", Segment: types.SegmentSpecial},
		{Text: "Lyon", Segment: types.SegmentAnswer},
		{Text: "is", Segment: types.SegmentAnswer},
		{Text: "[SEP]", Segment: types.SegmentSpecial},
	}
	for i := range toks {
		toks[i].PackedIndex = i
	}
	return types.Window{Index: 2, Tokens: toks, AnswerFrom: 0, AnswerTo: 2}
}

func chatServer(t *testing.T, content string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))

		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "1: Lyon")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "judge",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
}

func TestOpenAIClassifier_MapsVerdictToAnswerTokens(t *testing.T) {
	srv := chatServer(t, `{"hallucinated": [{"index": 1, "probability": 0.93}, {"index": 9, "probability": 1}]}`)
	defer srv.Close()

	c, err := NewOpenAIClassifier(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "judge"})
	require.NoError(t, err)
	assert.Equal(t, "openai:judge", c.Name())

	preds, err := c.Classify(context.Background(), []types.Window{judgeWindow()})
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, 2, preds[0].WindowIndex)
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0.93, 0, 0}, preds[0].Probs)
}

func TestOpenAIClassifier_RepairsMalformedJSON(t *testing.T) {
	srv := chatServer(t, "```json\n{\"hallucinated\": [{\"index\": 2, \"probability\": 0.6},]\n```")
	defer srv.Close()

	c, err := NewOpenAIClassifier(OpenAIConfig{BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	preds, err := c.Classify(context.Background(), []types.Window{judgeWindow()})
	require.NoError(t, err)
	assert.Equal(t, 0.6, preds[0].Probs[6])
}

func TestRenderWindow(t *testing.T) {
	w := judgeWindow()
	out := renderWindow(w)
	assert.Contains(t, out, "Context:\nParis")
	assert.Contains(t, out, "Question:\ncapital")
	assert.Contains(t, out, "1: Lyon\n2: is\n")
}

func TestAppendPiece(t *testing.T) {
	parts := appendPiece(nil, "millio")
	parts = appendPiece(parts, "##n")
	parts = appendPiece(parts, "people")
	assert.Equal(t, []string{"million", "people"}, parts)
}

func TestNewOpenAIClassifier_RequiresKeyWithoutBaseURL(t *testing.T) {
	_, err := NewOpenAIClassifier(OpenAIConfig{})
	assert.Error(t, err)

	_, err = NewOpenAIClassifier(OpenAIConfig{BaseURL: "localhost:8080"})
	assert.Error(t, err)
}

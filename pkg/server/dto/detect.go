package dto

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/soundprediction/lettuce/pkg/types"
)

// Validation errors
var (
	ErrTooManyContexts = errors.New("too many contexts")
	ErrContentTooLong  = errors.New("request content exceeds maximum length (1MB)")
)

// MaxFieldLengths defines maximum sizes to prevent abuse
const (
	MaxContentLength = 1024 * 1024 // 1MB across contexts, question and answer
	MaxContexts      = 1000
)

// DetectionRequest is the body of both detection endpoints. Answer is a
// pointer so a missing answer is rejected while an empty one is accepted.
type DetectionRequest struct {
	Contexts []string `json:"contexts"`
	Question string   `json:"question"`
	Answer   *string  `json:"answer" binding:"required"`
}

// Validate performs validation on DetectionRequest
func (r *DetectionRequest) Validate() error {
	if len(r.Contexts) > MaxContexts {
		return fmt.Errorf("%w: %d exceeds %d", ErrTooManyContexts, len(r.Contexts), MaxContexts)
	}
	size := len(r.Question)
	for _, c := range r.Contexts {
		size += len(c)
	}
	if r.Answer != nil {
		size += len(*r.Answer)
	}
	if size > MaxContentLength {
		return ErrContentTooLong
	}
	if !utf8.ValidString(r.Question) || (r.Answer != nil && !utf8.ValidString(*r.Answer)) {
		return errors.New("question and answer must be valid UTF-8")
	}
	return nil
}

// ToDetectionRequest converts the body into a pipeline request.
func (r *DetectionRequest) ToDetectionRequest() types.DetectionRequest {
	return types.DetectionRequest{
		Contexts: r.Contexts,
		Question: r.Question,
		Answer:   r.Answer,
	}
}

// TokenDetectionItem is one scored answer token.
type TokenDetectionItem struct {
	Token              string  `json:"token" yaml:"token"`
	HallucinationScore float64 `json:"hallucination_score" yaml:"hallucination_score"`
}

// SpanDetectionItem is one hallucinated span of the answer.
type SpanDetectionItem struct {
	Start              int     `json:"start" yaml:"start"`
	End                int     `json:"end" yaml:"end"`
	Text               string  `json:"text" yaml:"text"`
	HallucinationScore float64 `json:"hallucination_score" yaml:"hallucination_score"`
}

// TokenDetectionResponse is returned by the token endpoint.
type TokenDetectionResponse struct {
	Predictions []TokenDetectionItem `json:"predictions" yaml:"predictions"`
}

// SpanDetectionResponse is returned by the spans endpoint.
type SpanDetectionResponse struct {
	Predictions []SpanDetectionItem `json:"predictions" yaml:"predictions"`
}

// NewTokenDetectionResponse converts token records.
func NewTokenDetectionResponse(records []types.TokenRecord) TokenDetectionResponse {
	items := make([]TokenDetectionItem, len(records))
	for i, r := range records {
		items[i] = TokenDetectionItem{Token: r.Token, HallucinationScore: r.Prob}
	}
	return TokenDetectionResponse{Predictions: items}
}

// NewSpanDetectionResponse converts span records.
func NewSpanDetectionResponse(records []types.SpanRecord) SpanDetectionResponse {
	items := make([]SpanDetectionItem, len(records))
	for i, r := range records {
		items[i] = SpanDetectionItem{Start: r.Start, End: r.End, Text: r.Text, HallucinationScore: r.Confidence}
	}
	return SpanDetectionResponse{Predictions: items}
}

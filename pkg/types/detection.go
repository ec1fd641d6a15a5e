package types

import (
	"fmt"
	"strings"
)

// Segment identifies which part of the packed input a token came from.
type Segment string

const (
	SegmentContext  Segment = "context"
	SegmentQuestion Segment = "question"
	SegmentAnswer   Segment = "answer"
	SegmentSpecial  Segment = "special"
)

// NoOffset marks answer offsets of tokens outside the answer segment.
const NoOffset = -1

// Interval is a half-open [Start, End) range of code point offsets.
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of code points covered.
func (iv Interval) Len() int {
	if iv.End < iv.Start {
		return 0
	}
	return iv.End - iv.Start
}

// Overlaps reports whether the two intervals share at least one code point.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start < o.End && o.Start < iv.End
}

// Contains reports whether o lies entirely inside iv.
func (iv Interval) Contains(o Interval) bool {
	return iv.Start <= o.Start && o.End <= iv.End
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d,%d)", iv.Start, iv.End)
}

// Token is one subword unit placed in a window.
type Token struct {
	ID          int     `json:"id"`
	Text        string  `json:"text"`
	Segment     Segment `json:"segment"`
	AnswerStart int     `json:"answer_start"`
	AnswerEnd   int     `json:"answer_end"`
	PackedIndex int     `json:"packed_index"`
}

// IsAnswer reports whether the token belongs to the answer segment.
func (t Token) IsAnswer() bool {
	return t.Segment == SegmentAnswer
}

// AnswerInterval returns the token's range in the original answer.
func (t Token) AnswerInterval() Interval {
	return Interval{Start: t.AnswerStart, End: t.AnswerEnd}
}

// Window is one bounded token sequence submitted to the classifier.
type Window struct {
	Index  int     `json:"index"`
	Tokens []Token `json:"tokens"`

	// AnswerRange is the code point range of the answer covered by this window.
	AnswerRange Interval `json:"answer_range"`

	// AnswerFrom and AnswerTo delimit the half-open range of answer token
	// positions (in request-wide answer token order) packed here.
	AnswerFrom int `json:"answer_from"`
	AnswerTo   int `json:"answer_to"`

	// ContextTokens counts the context tokens that survived truncation.
	ContextTokens int `json:"context_tokens"`
}

// Len returns the number of tokens in the window.
func (w Window) Len() int {
	return len(w.Tokens)
}

// IDs returns the token ids in packed order.
func (w Window) IDs() []int {
	ids := make([]int, len(w.Tokens))
	for i, t := range w.Tokens {
		ids[i] = t.ID
	}
	return ids
}

// Segments returns the segment tag of every token in packed order.
func (w Window) Segments() []Segment {
	segs := make([]Segment, len(w.Tokens))
	for i, t := range w.Tokens {
		segs[i] = t.Segment
	}
	return segs
}

// AnswerTokens returns the answer-segment tokens of the window.
func (w Window) AnswerTokens() []Token {
	out := make([]Token, 0, w.AnswerTo-w.AnswerFrom)
	for _, t := range w.Tokens {
		if t.IsAnswer() {
			out = append(out, t)
		}
	}
	return out
}

// DetectionRequest carries the inputs of one detection call.
// Answer is a pointer so a missing answer can be told apart from an empty one.
type DetectionRequest struct {
	Contexts []string `json:"contexts"`
	Question string   `json:"question"`
	Answer   *string  `json:"answer"`
}

// NewDetectionRequest builds a request with a present answer.
func NewDetectionRequest(contexts []string, question, answer string) DetectionRequest {
	return DetectionRequest{
		Contexts: contexts,
		Question: question,
		Answer:   &answer,
	}
}

// AnswerText returns the answer or "" when it is missing.
func (r DetectionRequest) AnswerText() string {
	if r.Answer == nil {
		return ""
	}
	return *r.Answer
}

// Validate checks the request shape. An empty answer is valid.
func (r DetectionRequest) Validate() error {
	if r.Answer == nil {
		return NewRequestError("answer", "answer is required")
	}
	return nil
}

// TokenScore is the reconciled probability of one answer token.
type TokenScore struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Text  string  `json:"text"`
	Prob  float64 `json:"prob"`
}

// Interval returns the score's answer range.
func (s TokenScore) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

// Span is a maximal hallucinated range of the answer.
type Span struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text"`
}

// OutputFormat selects the projection of a detection result.
type OutputFormat int

const (
	FormatSpans OutputFormat = iota
	FormatTokens
)

func (f OutputFormat) String() string {
	switch f {
	case FormatSpans:
		return "spans"
	case FormatTokens:
		return "tokens"
	default:
		return fmt.Sprintf("OutputFormat(%d)", int(f))
	}
}

// ParseOutputFormat maps "spans" and "tokens" (or "token") to a format.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spans", "span":
		return FormatSpans, nil
	case "tokens", "token":
		return FormatTokens, nil
	default:
		return FormatSpans, NewParameterError("output_format", s, "must be spans or tokens")
	}
}

// MarshalText renders the format by name.
func (f OutputFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText parses a format name.
func (f *OutputFormat) UnmarshalText(b []byte) error {
	v, err := ParseOutputFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// SpanRecord is the caller-facing rendering of a Span.
type SpanRecord struct {
	Text       string  `json:"text" yaml:"text"`
	Start      int     `json:"start" yaml:"start"`
	End        int     `json:"end" yaml:"end"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// TokenRecord is the caller-facing rendering of a TokenScore.
type TokenRecord struct {
	Token string  `json:"token" yaml:"token"`
	Pred  int     `json:"pred" yaml:"pred"`
	Prob  float64 `json:"prob" yaml:"prob"`
}

// DetectionResult holds exactly one projection, selected by Format.
type DetectionResult struct {
	Format  OutputFormat  `json:"format" yaml:"format"`
	Spans   []SpanRecord  `json:"spans,omitempty" yaml:"spans,omitempty"`
	Tokens  []TokenRecord `json:"tokens,omitempty" yaml:"tokens,omitempty"`
	Windows int           `json:"windows" yaml:"windows"`
}

// ContextKey is the type for request-scoped context values.
type ContextKey string

const (
	ContextKeyRequestID     ContextKey = "request_id"
	ContextKeyRequestSource ContextKey = "request_source"
)

package packer

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/soundprediction/lettuce/pkg/tokenizer"
	"github.com/soundprediction/lettuce/pkg/types"
)

const (
	// DefaultMaxTokens is the ModernBERT context window.
	DefaultMaxTokens = 4096
	// DefaultOverlapRatio is the share of an answer chunk repeated in the next window.
	DefaultOverlapRatio = 0.25
	// DefaultMinContextRatio is the share of the budget kept for context once the answer is split.
	DefaultMinContextRatio = 0.25

	// markerCount is CLS plus the three segment terminators.
	markerCount = 4
)

// Config bounds window construction.
type Config struct {
	// MaxTokens is the per-window token budget B, markers included.
	MaxTokens int `json:"max_tokens"`

	// OverlapRatio derives the answer overlap from the chunk size when
	// Stride is zero. Must be in [0, 1).
	OverlapRatio float64 `json:"overlap_ratio"`

	// Stride, when positive, is the exact answer-token overlap O between
	// consecutive windows.
	Stride int `json:"stride"`

	// MinContextTokens is the context allowance kept before the answer is split.
	MinContextTokens int `json:"min_context_tokens"`

	// MinContextRatio derives the context allowance from MaxTokens when
	// MinContextTokens is zero. Must be in [0, 1).
	MinContextRatio float64 `json:"min_context_ratio"`
}

// DefaultConfig returns the default packing configuration.
func DefaultConfig() Config {
	return Config{
		MaxTokens:       DefaultMaxTokens,
		OverlapRatio:    DefaultOverlapRatio,
		MinContextRatio: DefaultMinContextRatio,
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if c.MaxTokens <= markerCount {
		return types.NewParameterError("max_tokens", c.MaxTokens, fmt.Sprintf("must be greater than %d", markerCount))
	}
	if math.IsNaN(c.OverlapRatio) || c.OverlapRatio < 0 || c.OverlapRatio >= 1 {
		return types.NewParameterError("overlap_ratio", c.OverlapRatio, "must be in [0, 1)")
	}
	if c.Stride < 0 {
		return types.NewParameterError("stride", c.Stride, "must not be negative")
	}
	if c.MinContextTokens < 0 {
		return types.NewParameterError("min_context_tokens", c.MinContextTokens, "must not be negative")
	}
	if math.IsNaN(c.MinContextRatio) || c.MinContextRatio < 0 || c.MinContextRatio >= 1 {
		return types.NewParameterError("min_context_ratio", c.MinContextRatio, "must be in [0, 1)")
	}
	return nil
}

// ContextRanker orders contexts by relevance to a query, most relevant first.
// It is consulted only when the context has to be truncated.
type ContextRanker interface {
	RankContexts(ctx context.Context, query string, contexts []string) ([]string, error)
}

// Packing is the packer's output for one request.
type Packing struct {
	// AnswerTokens holds every answer token once, in answer order.
	AnswerTokens []types.Token
	// Windows are ordered by the answer region they cover.
	Windows []types.Window
	// ChunkSize and Overlap are zero when the answer fits a single window.
	ChunkSize int
	Overlap   int
}

// Option configures a Packer.
type Option func(*Packer)

// WithContextRanker sets the ranker used before truncating contexts.
func WithContextRanker(r ContextRanker) Option {
	return func(p *Packer) {
		p.ranker = r
	}
}

// WithLogger sets the packer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Packer) {
		if l != nil {
			p.logger = l
		}
	}
}

// Packer builds windows from detection requests. It holds no per-request
// state and is safe for concurrent use.
type Packer struct {
	tok    tokenizer.Tokenizer
	cfg    Config
	ranker ContextRanker
	logger *slog.Logger
}

// New creates a Packer.
func New(tok tokenizer.Tokenizer, cfg Config, opts ...Option) *Packer {
	p := &Packer{
		tok:    tok,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the packer's configuration.
func (p *Packer) Config() Config {
	return p.cfg
}

// WithConfig returns a packer sharing tokenizer, ranker and logger but using cfg.
func (p *Packer) WithConfig(cfg Config) *Packer {
	cp := *p
	cp.cfg = cfg
	return &cp
}

// segments is the tokenized request before windowing.
type segments struct {
	context  []types.Token
	question []types.Token
	answer   []types.Token
}

// Pack tokenizes the request and builds its windows.
func (p *Packer) Pack(ctx context.Context, req types.DetectionRequest) (*Packing, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctxErr(ctx, "packing"); err != nil {
		return nil, err
	}

	answer := req.AnswerText()
	seg, err := p.tokenize(req.Contexts, req.Question, answer)
	if err != nil {
		return nil, err
	}

	budget := p.cfg.MaxTokens
	total := markerCount + len(seg.context) + len(seg.question) + len(seg.answer)
	if total <= budget {
		w := p.window(0, seg, len(seg.context), 0, len(seg.answer))
		return &Packing{AnswerTokens: seg.answer, Windows: []types.Window{w}}, nil
	}

	if p.ranker != nil && len(req.Contexts) > 1 {
		ranked, err := p.ranker.RankContexts(ctx, req.Question+"\n"+answer, req.Contexts)
		if err != nil {
			return nil, fmt.Errorf("failed to rank contexts: %w", err)
		}
		ctxPieces, err := p.tokenizeContexts(ranked)
		if err != nil {
			return nil, err
		}
		seg.context = ctxPieces
	}

	fixed := markerCount + len(seg.question)
	reserve := min(p.reserve(fixed), len(seg.context))

	// Context degrades first; the answer stays whole while it can.
	if fixed+len(seg.answer)+reserve <= budget {
		keep := budget - fixed - len(seg.answer)
		w := p.window(0, seg, keep, 0, len(seg.answer))
		p.logger.Debug("packed request with truncated context",
			"context_tokens", len(seg.context), "kept", w.ContextTokens)
		return &Packing{AnswerTokens: seg.answer, Windows: []types.Window{w}}, nil
	}

	chunk := budget - fixed - reserve
	if chunk < 1 {
		return nil, types.NewParameterError("max_tokens", budget,
			fmt.Sprintf("no room for answer tokens after %d question tokens, markers and %d reserved context tokens", len(seg.question), reserve))
	}
	overlap, err := p.overlap(chunk)
	if err != nil {
		return nil, err
	}
	step := chunk - overlap

	var windows []types.Window
	for from := 0; ; from += step {
		if err := ctxErr(ctx, "packing"); err != nil {
			return nil, err
		}
		to := min(from+chunk, len(seg.answer))
		keep := budget - fixed - (to - from)
		windows = append(windows, p.window(len(windows), seg, keep, from, to))
		if to == len(seg.answer) {
			break
		}
	}

	p.logger.Debug("packed request into overlapping windows",
		"windows", len(windows), "chunk", chunk, "overlap", overlap, "answer_tokens", len(seg.answer))

	return &Packing{
		AnswerTokens: seg.answer,
		Windows:      windows,
		ChunkSize:    chunk,
		Overlap:      overlap,
	}, nil
}

// reserve returns the context allowance kept while the answer is split.
// A ratio-derived allowance shrinks so the answer chunk stays longer than Stride.
func (p *Packer) reserve(fixed int) int {
	if p.cfg.MinContextTokens > 0 {
		return p.cfg.MinContextTokens
	}
	derived := int(math.Floor(float64(p.cfg.MaxTokens) * p.cfg.MinContextRatio))
	room := p.cfg.MaxTokens - fixed - 1 - p.cfg.Stride
	return max(min(derived, room), 0)
}

func (p *Packer) overlap(chunk int) (int, error) {
	if p.cfg.Stride > 0 {
		if p.cfg.Stride >= chunk {
			return 0, types.NewParameterError("stride", p.cfg.Stride,
				fmt.Sprintf("must be smaller than the answer chunk size %d", chunk))
		}
		return p.cfg.Stride, nil
	}
	o := int(math.Floor(float64(chunk) * p.cfg.OverlapRatio))
	if o >= chunk {
		o = chunk - 1
	}
	return o, nil
}

func (p *Packer) tokenize(contexts []string, question, answer string) (segments, error) {
	var seg segments

	ctxTokens, err := p.tokenizeContexts(contexts)
	if err != nil {
		return seg, err
	}
	seg.context = ctxTokens

	qPieces, err := p.tok.Tokenize(question)
	if err != nil {
		return seg, fmt.Errorf("failed to tokenize question: %w", err)
	}
	seg.question = segmentTokens(qPieces, types.SegmentQuestion)

	aPieces, err := p.tok.Tokenize(answer)
	if err != nil {
		return seg, fmt.Errorf("failed to tokenize answer: %w", err)
	}
	seg.answer, err = TrackAnswer(answer, aPieces)
	if err != nil {
		return seg, err
	}
	return seg, nil
}

func (p *Packer) tokenizeContexts(contexts []string) ([]types.Token, error) {
	sp := p.tok.Special()
	var out []types.Token
	for i, c := range contexts {
		if i > 0 {
			out = append(out, specialToken(sp.ContextSep, sp.ContextSepID))
		}
		pieces, err := p.tok.Tokenize(c)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize context %d: %w", i, err)
		}
		out = append(out, segmentTokens(pieces, types.SegmentContext)...)
	}
	return out, nil
}

// window assembles one window keeping at most keep context tokens and the
// answer tokens [from, to).
func (p *Packer) window(index int, seg segments, keep, from, to int) types.Window {
	sp := p.tok.Special()
	ctxPart := truncateContext(seg.context, keep)

	tokens := make([]types.Token, 0, markerCount+len(ctxPart)+len(seg.question)+(to-from))
	tokens = append(tokens, specialToken(sp.CLS, sp.CLSID))
	tokens = append(tokens, ctxPart...)
	tokens = append(tokens, specialToken(sp.SEP, sp.SEPID))
	tokens = append(tokens, seg.question...)
	tokens = append(tokens, specialToken(sp.SEP, sp.SEPID))
	tokens = append(tokens, seg.answer[from:to]...)
	tokens = append(tokens, specialToken(sp.SEP, sp.SEPID))

	ctxCount := 0
	for i := range tokens {
		tokens[i].PackedIndex = i
		if tokens[i].Segment == types.SegmentContext {
			ctxCount++
		}
	}

	var cover types.Interval
	if to > from {
		cover = types.Interval{Start: seg.answer[from].AnswerStart, End: seg.answer[to-1].AnswerEnd}
	}

	return types.Window{
		Index:         index,
		Tokens:        tokens,
		AnswerRange:   cover,
		AnswerFrom:    from,
		AnswerTo:      to,
		ContextTokens: ctxCount,
	}
}

// truncateContext keeps a prefix of at most keep tokens and never ends on a
// context separator.
func truncateContext(tokens []types.Token, keep int) []types.Token {
	if keep >= len(tokens) {
		return tokens
	}
	if keep <= 0 {
		return nil
	}
	out := tokens[:keep]
	for len(out) > 0 && out[len(out)-1].Segment == types.SegmentSpecial {
		out = out[:len(out)-1]
	}
	return out
}

func ctxErr(ctx context.Context, stage string) error {
	select {
	case <-ctx.Done():
		return types.NewCanceledError(stage, ctx.Err())
	default:
		return nil
	}
}

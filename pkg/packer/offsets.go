package packer

import (
	"errors"
	"fmt"

	"github.com/soundprediction/lettuce/pkg/tokenizer"
	"github.com/soundprediction/lettuce/pkg/types"
)

// ErrOffsetInvariant is returned when a tokenizer reports offsets that run
// backwards, overlap, or fall outside the text.
var ErrOffsetInvariant = errors.New("tokenizer offsets violate ordering invariant")

// tracker walks a running code point cursor over the original answer.
type tracker struct {
	length int
	cursor int
}

func newTracker(answer string) *tracker {
	return &tracker{length: len([]rune(answer))}
}

func (t *tracker) advance(p tokenizer.Piece) (types.Token, error) {
	if p.Start < t.cursor || p.End < p.Start || p.End > t.length {
		return types.Token{}, fmt.Errorf("%w: piece %q at [%d,%d) with cursor %d and length %d",
			ErrOffsetInvariant, p.Text, p.Start, p.End, t.cursor, t.length)
	}
	t.cursor = p.End
	return types.Token{
		ID:          p.ID,
		Text:        p.Text,
		Segment:     types.SegmentAnswer,
		AnswerStart: p.Start,
		AnswerEnd:   p.End,
		PackedIndex: -1,
	}, nil
}

// TrackAnswer converts answer pieces into answer tokens carrying their
// offsets in the original answer.
func TrackAnswer(answer string, pieces []tokenizer.Piece) ([]types.Token, error) {
	tr := newTracker(answer)
	tokens := make([]types.Token, 0, len(pieces))
	for _, p := range pieces {
		tok, err := tr.advance(p)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// segmentTokens tags non-answer pieces; they carry no answer offsets.
func segmentTokens(pieces []tokenizer.Piece, seg types.Segment) []types.Token {
	tokens := make([]types.Token, len(pieces))
	for i, p := range pieces {
		tokens[i] = types.Token{
			ID:          p.ID,
			Text:        p.Text,
			Segment:     seg,
			AnswerStart: types.NoOffset,
			AnswerEnd:   types.NoOffset,
			PackedIndex: -1,
		}
	}
	return tokens
}

func specialToken(text string, id int) types.Token {
	return types.Token{
		ID:          id,
		Text:        text,
		Segment:     types.SegmentSpecial,
		AnswerStart: types.NoOffset,
		AnswerEnd:   types.NoOffset,
		PackedIndex: -1,
	}
}

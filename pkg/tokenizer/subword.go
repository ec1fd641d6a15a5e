package tokenizer

import (
	"fmt"
	"hash/fnv"
	"unicode"
)

const (
	// DefaultMaxPieceRunes bounds the length of a single subword piece.
	DefaultMaxPieceRunes = 6
	// DefaultVocabSize matches the ModernBERT vocabulary size.
	DefaultVocabSize = 50368

	reservedIDs = 4
)

// SubwordConfig configures the Subword tokenizer.
type SubwordConfig struct {
	MaxPieceRunes int
	VocabSize     int
	Lowercase     bool
}

// Subword splits text into word and punctuation units and breaks long words
// into continuation pieces prefixed with "##". Ids are stable hashes into
// VocabSize; ids below 4 are reserved for markers.
type Subword struct {
	maxPiece  int
	vocabSize int
	lowercase bool
}

// NewSubword creates a Subword tokenizer. A nil config uses the defaults.
func NewSubword(cfg *SubwordConfig) *Subword {
	s := &Subword{maxPiece: DefaultMaxPieceRunes, vocabSize: DefaultVocabSize}
	if cfg != nil {
		if cfg.MaxPieceRunes > 0 {
			s.maxPiece = cfg.MaxPieceRunes
		}
		if cfg.VocabSize > reservedIDs {
			s.vocabSize = cfg.VocabSize
		}
		s.lowercase = cfg.Lowercase
	}
	return s
}

// Name implements Tokenizer.
func (s *Subword) Name() string {
	return fmt.Sprintf("subword-%d-%d", s.maxPiece, s.vocabSize)
}

// Special implements Tokenizer.
func (s *Subword) Special() SpecialTokens {
	return SpecialTokens{
		CLS:          "[CLS]",
		CLSID:        1,
		SEP:          "[SEP]",
		SEPID:        2,
		ContextSep:   "[CTX]",
		ContextSepID: 3,
	}
}

// Tokenize implements Tokenizer.
func (s *Subword) Tokenize(text string) ([]Piece, error) {
	runes := []rune(text)
	pieces := make([]Piece, 0, len(runes)/3+1)

	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case isWordRune(r):
			j := i + 1
			for j < len(runes) && isWordRune(runes[j]) {
				j++
			}
			pieces = s.appendWord(pieces, runes, i, j)
			i = j
		default:
			pieces = append(pieces, s.piece(string(r), i, i+1))
			i++
		}
	}
	return pieces, nil
}

func (s *Subword) appendWord(pieces []Piece, runes []rune, start, end int) []Piece {
	for from := start; from < end; from += s.maxPiece {
		to := from + s.maxPiece
		if to > end {
			to = end
		}
		text := string(runes[from:to])
		if from > start {
			text = "##" + text
		}
		pieces = append(pieces, s.piece(text, from, to))
	}
	return pieces
}

func (s *Subword) piece(text string, start, end int) Piece {
	key := text
	if s.lowercase {
		key = toLower(text)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	id := reservedIDs + int(h.Sum32()%uint32(s.vocabSize-reservedIDs))
	return Piece{ID: id, Text: text, Start: start, End: end}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func toLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		out[i] = unicode.ToLower(r)
	}
	return string(out)
}

var _ Tokenizer = (*Subword)(nil)

package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

const endOfText = "<|endoftext|>"

// Tiktoken tokenizes with a byte-level BPE encoding. Byte offsets of each
// token are mapped to code points; a token that ends inside a multi-byte
// character is attributed the whole character, so a token lying entirely
// inside one character has zero width.
type Tiktoken struct {
	enc     *tiktoken.Tiktoken
	name    string
	special SpecialTokens
}

// NewTiktoken loads the named encoding, e.g. "cl100k_base".
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %s: %w", encoding, err)
	}

	eot := -1
	if ids := enc.Encode(endOfText, []string{"all"}, nil); len(ids) == 1 {
		eot = ids[0]
	}

	return &Tiktoken{
		enc:  enc,
		name: encoding,
		special: SpecialTokens{
			CLS:          endOfText,
			CLSID:        eot,
			SEP:          endOfText,
			SEPID:        eot,
			ContextSep:   endOfText,
			ContextSepID: eot,
		},
	}, nil
}

// Name implements Tokenizer.
func (t *Tiktoken) Name() string {
	return "tiktoken-" + t.name
}

// Special implements Tokenizer.
func (t *Tiktoken) Special() SpecialTokens {
	return t.special
}

// Tokenize implements Tokenizer.
func (t *Tiktoken) Tokenize(text string) ([]Piece, error) {
	if text == "" {
		return []Piece{}, nil
	}
	ids := t.enc.Encode(text, nil, nil)
	runeAt := byteToRuneCeil(text)

	pieces := make([]Piece, 0, len(ids))
	cursor := 0
	for _, id := range ids {
		raw := t.enc.Decode([]int{id})
		end := cursor + len(raw)
		if end > len(text) {
			return nil, fmt.Errorf("tiktoken decode overran input at byte %d", cursor)
		}
		pieces = append(pieces, Piece{
			ID:    id,
			Text:  raw,
			Start: runeAt[cursor],
			End:   runeAt[end],
		})
		cursor = end
	}
	if cursor != len(text) {
		return nil, fmt.Errorf("tiktoken decode covered %d of %d bytes", cursor, len(text))
	}
	return pieces, nil
}

// byteToRuneCeil maps every byte offset 0..len(s) to the index of the first
// rune starting at or after it.
func byteToRuneCeil(s string) []int {
	table := make([]int, len(s)+1)
	r := 0
	for b := 0; b < len(s); {
		_, size := utf8.DecodeRuneInString(s[b:])
		table[b] = r
		for k := 1; k < size; k++ {
			table[b+k] = r + 1
		}
		b += size
		r++
	}
	table[len(s)] = r
	return table
}

var _ Tokenizer = (*Tiktoken)(nil)

// Package tokenizer splits text into subword pieces with exact code point offsets.
//
// Tokenizers are owned by the model adapter: the vocabulary and the boundary
// markers must match whatever the classifier was trained with. Two
// implementations are provided:
//   - Subword: a vocabulary-free word/punctuation splitter with bounded piece length
//   - Tiktoken: byte-level BPE encodings via tiktoken-go
//
// Every piece reports [Start, End) in code points of the input string. Pieces
// are ordered, never overlap, and whitespace between pieces is not covered.
package tokenizer

// Piece is one token of the input text.
type Piece struct {
	ID    int
	Text  string
	Start int
	End   int
}

// SpecialTokens are the boundary markers used when packing segments.
type SpecialTokens struct {
	CLS          string
	CLSID        int
	SEP          string
	SEPID        int
	ContextSep   string
	ContextSepID int
}

// Tokenizer converts text into offset-carrying pieces.
type Tokenizer interface {
	// Tokenize splits text into pieces in left-to-right order.
	Tokenize(text string) ([]Piece, error)

	// Special returns the boundary markers for this vocabulary.
	Special() SpecialTokens

	// Name identifies the tokenizer, e.g. for cache keys.
	Name() string
}

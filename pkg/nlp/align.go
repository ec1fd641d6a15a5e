package nlp

import (
	"strings"

	"github.com/soundprediction/lettuce/pkg/types"
)

// EntityScore is a labelled text fragment reported by a span or NER model.
type EntityScore struct {
	Text  string
	Label string
	Score float64
}

// WindowText renders a window as plain text for models that read raw text.
// Passages, question and answer are separated by blank lines. The answer is
// rebuilt from token offsets so it keeps its original spacing, and answer
// is that rebuilt answer region.
func WindowText(w types.Window) (text string, answer string) {
	var ctxParts, question []string
	for i, tok := range w.Tokens {
		switch tok.Segment {
		case types.SegmentContext:
			ctxParts = appendPiece(ctxParts, tok.Text)
		case types.SegmentQuestion:
			question = appendPiece(question, tok.Text)
		case types.SegmentSpecial:
			if len(ctxParts) > 0 && i+1 < len(w.Tokens) && w.Tokens[i+1].Segment == types.SegmentContext {
				ctxParts = append(ctxParts, "\n\n")
			}
		}
	}
	answer = answerRegion(w)

	var b strings.Builder
	if len(ctxParts) > 0 {
		b.WriteString(strings.Join(ctxParts, " "))
		b.WriteString("\n\n")
	}
	if len(question) > 0 {
		b.WriteString(strings.Join(question, " "))
		b.WriteString("\n\n")
	}
	b.WriteString(answer)
	return b.String(), answer
}

// answerRegion rebuilds the answer text covered by w. Rune i of the result
// is answer rune AnswerRange.Start+i; gaps between tokens become spaces.
func answerRegion(w types.Window) string {
	base := w.AnswerRange.Start
	out := make([]rune, 0, w.AnswerRange.Len())
	for _, tok := range w.Tokens {
		if !tok.IsAnswer() {
			continue
		}
		for base+len(out) < tok.AnswerStart {
			out = append(out, ' ')
		}
		surface := []rune(strings.TrimPrefix(tok.Text, "##"))
		width := tok.AnswerEnd - tok.AnswerStart
		if len(surface) != width {
			// Tokenizers with byte level pieces: keep positions, not text.
			surface = []rune(strings.Repeat("�", width))
		}
		out = append(out[:tok.AnswerStart-base], surface...)
	}
	return string(out)
}

// AlignEntities spreads entity scores onto the answer tokens of w. Only
// entities whose label equals label count; an empty label accepts all.
// Each entity is located in the answer region, searching forward from the
// previous match first, and every answer token overlapping the match takes
// the maximum score seen. Entities not found in the answer are ignored.
func AlignEntities(w types.Window, entities []EntityScore, label string) []float64 {
	probs := make([]float64, len(w.Tokens))
	region := []rune(strings.ToLower(answerRegion(w)))
	base := w.AnswerRange.Start
	cursor := 0

	for _, e := range entities {
		if label != "" && !strings.EqualFold(e.Label, label) {
			continue
		}
		needle := []rune(strings.ToLower(strings.TrimSpace(strings.TrimPrefix(e.Text, "##"))))
		if len(needle) == 0 {
			continue
		}
		at := indexRunes(region, needle, cursor)
		if at < 0 {
			at = indexRunes(region, needle, 0)
		}
		if at < 0 {
			continue
		}
		cursor = at + len(needle)

		match := types.Interval{Start: base + at, End: base + at + len(needle)}
		score := min(max(e.Score, 0), 1)
		for i, tok := range w.Tokens {
			if tok.IsAnswer() && tok.AnswerInterval().Overlaps(match) {
				probs[i] = max(probs[i], score)
			}
		}
	}
	return probs
}

func indexRunes(haystack, needle []rune, from int) int {
	for i := from; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

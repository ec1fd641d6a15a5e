// Package reconcile merges per-window token probabilities into a single
// probability per answer token.
//
// Windows that overlap score the same answer tokens more than once. Every
// answer token carries its code point interval in the original answer, so
// scores are filed under that interval and reduced with a Policy. The result
// does not depend on window order.
package reconcile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/soundprediction/lettuce/pkg/types"
)

// ErrIntervalConflict is returned when two distinct answer intervals overlap.
var ErrIntervalConflict = errors.New("overlapping answer token intervals")

// Policy reduces the probabilities one answer token received across windows.
type Policy interface {
	Reduce(probs []float64) float64
	Name() string
}

type maxPolicy struct{}

func (maxPolicy) Reduce(probs []float64) float64 {
	m := probs[0]
	for _, p := range probs[1:] {
		if p > m {
			m = p
		}
	}
	return m
}

func (maxPolicy) Name() string { return "max" }

type meanPolicy struct{}

func (meanPolicy) Reduce(probs []float64) float64 {
	var sum float64
	for _, p := range probs {
		sum += p
	}
	return sum / float64(len(probs))
}

func (meanPolicy) Name() string { return "mean" }

var (
	// Max keeps the highest probability any window assigned.
	Max Policy = maxPolicy{}
	// Mean averages the probabilities across windows.
	Mean Policy = meanPolicy{}
)

// ParsePolicy maps "max" and "mean" to a Policy. Empty selects Max.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "max":
		return Max, nil
	case "mean":
		return Mean, nil
	default:
		return nil, types.NewParameterError("aggregation", name, "must be max or mean")
	}
}

type entry struct {
	iv    types.Interval
	text  string
	order int
	probs []float64
}

// arena files probabilities by answer interval.
type arena struct {
	byKey   map[types.Interval]*entry
	entries []*entry
}

func newArena(capacity int) *arena {
	return &arena{
		byKey:   make(map[types.Interval]*entry, capacity),
		entries: make([]*entry, 0, capacity),
	}
}

func (a *arena) add(tok types.Token, prob float64) {
	iv := tok.AnswerInterval()
	e, ok := a.byKey[iv]
	if !ok {
		e = &entry{iv: iv, order: len(a.entries)}
		a.byKey[iv] = e
		a.entries = append(a.entries, e)
	}
	e.probs = append(e.probs, prob)
}

// Reconcile reduces the answer-token probabilities of every window to one
// TokenScore per answer interval, ordered by start offset. probs[i] holds the
// probabilities for windows[i].Tokens in packed order. A nil policy means Max.
func Reconcile(answer string, windows []types.Window, probs [][]float64, policy Policy) ([]types.TokenScore, error) {
	if len(probs) != len(windows) {
		return nil, fmt.Errorf("got %d probability rows for %d windows", len(probs), len(windows))
	}
	if policy == nil {
		policy = Max
	}

	capacity := 0
	for _, w := range windows {
		capacity += w.AnswerTo - w.AnswerFrom
	}
	a := newArena(capacity)

	for i, w := range windows {
		if len(probs[i]) != len(w.Tokens) {
			return nil, fmt.Errorf("window %d: got %d probabilities for %d tokens", w.Index, len(probs[i]), len(w.Tokens))
		}
		for j, tok := range w.Tokens {
			if !tok.IsAnswer() {
				continue
			}
			a.add(tok, probs[i][j])
		}
	}

	sort.SliceStable(a.entries, func(i, j int) bool {
		ei, ej := a.entries[i], a.entries[j]
		if ei.iv.Start != ej.iv.Start {
			return ei.iv.Start < ej.iv.Start
		}
		if ei.iv.End != ej.iv.End {
			return ei.iv.End < ej.iv.End
		}
		return ei.order < ej.order
	})

	runes := []rune(answer)
	scores := make([]types.TokenScore, len(a.entries))
	for i, e := range a.entries {
		if i > 0 && a.entries[i-1].iv.Overlaps(e.iv) {
			return nil, fmt.Errorf("%w: %s and %s", ErrIntervalConflict, a.entries[i-1].iv, e.iv)
		}
		if e.iv.Start < 0 || e.iv.End > len(runes) {
			return nil, fmt.Errorf("%w: %s outside answer of length %d", ErrIntervalConflict, e.iv, len(runes))
		}
		scores[i] = types.TokenScore{
			Start: e.iv.Start,
			End:   e.iv.End,
			Text:  string(runes[e.iv.Start:e.iv.End]),
			Prob:  policy.Reduce(e.probs),
		}
	}
	return scores, nil
}

package metrics

import (
	"fmt"
	"math"
	"strings"

	"github.com/agnivade/levenshtein"
)

// WERTuple is one sample's word-level edit distance and reference length.
type WERTuple struct {
	Distance int `json:"distance"`
	Words    int `json:"words"`
}

// WERResult is the aggregate word error rate over a run.
type WERResult struct {
	Rate     float64 `json:"rate"`
	Distance int     `json:"distance"`
	Words    int     `json:"words"`
}

// String renders the result as "total=X%, N/D".
func (r WERResult) String() string {
	return fmt.Sprintf("total=%.2f%%, %d/%d", r.Rate*100, r.Distance, r.Words)
}

// WordErrorRate returns a WERTuple per (reference, hypothesis) transcript.
func WordErrorRate(ref, cand []any, _ Kwargs) ([]any, error) {
	if err := checkAligned(ref, cand); err != nil {
		return nil, err
	}

	out := make([]any, len(ref))

	for i := range ref {
		want, err := toText(ref[i])
		if err != nil {
			return nil, err
		}

		got, err := toText(cand[i])
		if err != nil {
			return nil, err
		}

		out[i] = wordDistance(want, got)
	}

	return out, nil
}

// wordDistance maps every distinct word to a single rune so the character
// level edit distance counts word insertions, deletions and substitutions.
func wordDistance(ref, hyp string) WERTuple {
	refWords := strings.Fields(ref)
	hypWords := strings.Fields(hyp)

	vocab := make(map[string]rune, len(refWords)+len(hypWords))
	encode := func(words []string) string {
		var b strings.Builder

		for _, w := range words {
			r, ok := vocab[w]
			if !ok {
				r = rune(0x10000 + len(vocab))
				vocab[w] = r
			}

			b.WriteRune(r)
		}

		return b.String()
	}

	a := encode(refWords)
	b := encode(hypWords)

	return WERTuple{
		Distance: levenshtein.ComputeDistance(a, b),
		Words:    len(refWords),
	}
}

// TotalWER sums distances and word counts over all samples. Zero total
// words yields a NaN rate.
func TotalWER(values []any, _ Kwargs) (any, error) {
	var res WERResult

	for _, v := range values {
		t, ok := v.(WERTuple)
		if !ok {
			return nil, errMalformed("word error rate expects (distance, words) tuples, got %T", v)
		}

		res.Distance += t.Distance
		res.Words += t.Words
	}

	if res.Words == 0 {
		res.Rate = math.NaN()
	} else {
		res.Rate = float64(res.Distance) / float64(res.Words)
	}

	return res, nil
}

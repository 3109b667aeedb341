package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean is the default final reduction. An empty buffer yields NaN.
func Mean(values []any, _ Kwargs) (any, error) {
	if len(values) == 0 {
		return math.NaN(), nil
	}

	xs := make([]float64, len(values))
	for i, v := range values {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}

		xs[i] = f
	}

	return stat.Mean(xs, nil), nil
}

// MeanOf averages values as floats, returning NaN when empty.
func MeanOf(values []any) (float64, error) {
	m, err := Mean(values, nil)
	if err != nil {
		return 0, err
	}

	return m.(float64), nil
}

// Pair is one sample's (reference, candidate) inputs kept for a batchwise
// final reduction.
type Pair struct {
	Ref  any
	Cand any
}

// IdentityUnzip turns batch-wise sequences into sample-wise pairs.
func IdentityUnzip(ref, cand []any, _ Kwargs) ([]any, error) {
	if cand != nil {
		if err := checkAligned(ref, cand); err != nil {
			return nil, err
		}
	}

	out := make([]any, len(ref))
	for i := range ref {
		p := Pair{Ref: ref[i]}
		if cand != nil {
			p.Cand = cand[i]
		}

		out[i] = p
	}

	return out, nil
}

func unzipPairs(values []any) (refs, cands []any, err error) {
	refs = make([]any, len(values))
	cands = make([]any, len(values))

	for i, v := range values {
		p, ok := v.(Pair)
		if !ok {
			return nil, nil, errMalformed("expected sample pair, got %T", v)
		}

		refs[i] = p.Ref
		cands[i] = p.Cand
	}

	return refs, cands, nil
}

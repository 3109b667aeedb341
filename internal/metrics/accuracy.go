package metrics

import (
	"sort"
)

// CategoricalAccuracy scores 1 when the predicted class equals the label.
// Labels and predictions may be class indices or score vectors.
func CategoricalAccuracy(ref, cand []any, _ Kwargs) ([]any, error) {
	if err := checkAligned(ref, cand); err != nil {
		return nil, err
	}

	out := make([]any, len(ref))

	for i := range ref {
		want, err := toLabel(ref[i])
		if err != nil {
			return nil, err
		}

		got, err := toLabel(cand[i])
		if err != nil {
			return nil, err
		}

		if want == got {
			out[i] = 1.0
		} else {
			out[i] = 0.0
		}
	}

	return out, nil
}

// TopKCategoricalAccuracy scores 1 when the label is among the k highest
// scoring classes. Predictions must be score vectors.
func TopKCategoricalAccuracy(k int) SampleFunc {
	return func(ref, cand []any, _ Kwargs) ([]any, error) {
		if err := checkAligned(ref, cand); err != nil {
			return nil, err
		}

		out := make([]any, len(ref))

		for i := range ref {
			want, err := toLabel(ref[i])
			if err != nil {
				return nil, err
			}

			scores, err := toFloats(cand[i])
			if err != nil {
				return nil, err
			}

			if len(scores) == 0 {
				return nil, errMalformed("sample %d has no class scores", i)
			}

			out[i] = 0.0
			if inTopK(scores, want, k) {
				out[i] = 1.0
			}
		}

		return out, nil
	}
}

func inTopK(scores []float64, label, k int) bool {
	if label < 0 || label >= len(scores) {
		return false
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	if k > len(idx) {
		k = len(idx)
	}

	for _, i := range idx[:k] {
		if i == label {
			return true
		}
	}

	return false
}

package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Values arrive either as native Go types from an in-process driver or as
// JSON-decoded values (float64, []any, map[string]any) from a replay file.

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}

		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %T is not numeric", ErrMalformedData, v)
	}
}

func toFloats(v any) ([]float64, error) {
	switch x := v.(type) {
	case []float64:
		return x, nil
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}

		return out, nil
	case []int:
		out := make([]float64, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}

		return out, nil
	case []any:
		out := make([]float64, 0, len(x))
		for _, e := range x {
			// Nested arrays (images, spectrograms) are flattened.
			if _, nested := e.([]any); nested {
				inner, err := toFloats(e)
				if err != nil {
					return nil, err
				}

				out = append(out, inner...)

				continue
			}

			f, err := toFloat(e)
			if err != nil {
				return nil, err
			}

			out = append(out, f)
		}

		return out, nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %T is not a numeric sequence", ErrMalformedData, v)
		}

		return []float64{f}, nil
	}
}

func toInt(v any) (int, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}

	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %v is not an integer", ErrMalformedData, v)
	}

	return int(f), nil
}

func toInts(v any) ([]int, error) {
	switch x := v.(type) {
	case []int:
		return x, nil
	default:
		fs, err := toFloats(v)
		if err != nil {
			return nil, err
		}

		out := make([]int, len(fs))
		for i, f := range fs {
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("%w: %v is not an integer", ErrMalformedData, f)
			}

			out[i] = int(f)
		}

		return out, nil
	}
}

// toLabel interprets a scalar as a class index and a vector (one-hot or
// class scores) as the index of its largest entry.
func toLabel(v any) (int, error) {
	switch v.(type) {
	case []any, []float64, []float32, []int:
		scores, err := toFloats(v)
		if err != nil {
			return 0, err
		}

		if len(scores) == 0 {
			return 0, fmt.Errorf("%w: empty score vector", ErrMalformedData)
		}

		return floats.MaxIdx(scores), nil
	default:
		return toInt(v)
	}
}

func toText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("%w: %T is not text", ErrMalformedData, v)
	}
}

package export

import (
	"math"
	"strconv"

	"github.com/ethpandaops/armory/internal/metrics"
)

// JSONSafe converts a result value into plain JSON-encodable data. NaN and
// infinite numbers become null, result structs become objects.
func JSONSafe(v any) any {
	switch t := v.(type) {
	case float64:
		return safeFloat(t)
	case float32:
		return safeFloat(float64(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = JSONSafe(e)
		}

		return out
	case []float64:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = safeFloat(e)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = JSONSafe(e)
		}

		return out
	case metrics.WERResult:
		return map[string]any{
			"rate":     safeFloat(t.Rate),
			"distance": t.Distance,
			"words":    t.Words,
		}
	case metrics.WERTuple:
		return []any{t.Distance, t.Words}
	case metrics.APResult:
		class := make(map[string]any, len(t.Class))
		for k, e := range t.Class {
			class[strconv.Itoa(k)] = safeFloat(e)
		}

		return map[string]any{
			"mean":  safeFloat(t.Mean),
			"class": class,
		}
	case metrics.Pair:
		return map[string]any{"ref": JSONSafe(t.Ref), "cand": JSONSafe(t.Cand)}
	default:
		return v
	}
}

func safeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}

	return f
}

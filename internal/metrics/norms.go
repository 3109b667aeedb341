package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// L0 counts the elements changed by the perturbation.
func L0(x, xAdv []any, _ Kwargs) ([]any, error) {
	return perSampleDiff(x, xAdv, func(a, b []float64) float64 {
		var n float64

		for i := range a {
			if a[i] != b[i] {
				n++
			}
		}

		return n
	})
}

// L1 is the Manhattan norm of the perturbation.
func L1(x, xAdv []any, _ Kwargs) ([]any, error) {
	return perSampleDiff(x, xAdv, func(a, b []float64) float64 {
		return floats.Distance(a, b, 1)
	})
}

// L2 is the Euclidean norm of the perturbation.
func L2(x, xAdv []any, _ Kwargs) ([]any, error) {
	return perSampleDiff(x, xAdv, func(a, b []float64) float64 {
		return floats.Distance(a, b, 2)
	})
}

// LInf is the largest absolute change made by the perturbation.
func LInf(x, xAdv []any, _ Kwargs) ([]any, error) {
	return perSampleDiff(x, xAdv, func(a, b []float64) float64 {
		return floats.Distance(a, b, math.Inf(1))
	})
}

// SNR is the ratio of signal power to perturbation power. An unperturbed
// sample has infinite SNR.
func SNR(x, xAdv []any, _ Kwargs) ([]any, error) {
	return perSampleDiff(x, xAdv, snr)
}

// SNRDecibels is SNR on a decibel scale.
func SNRDecibels(x, xAdv []any, _ Kwargs) ([]any, error) {
	return perSampleDiff(x, xAdv, func(a, b []float64) float64 {
		return 10 * math.Log10(snr(a, b))
	})
}

func snr(a, b []float64) float64 {
	var signal, noise float64

	for i := range a {
		d := a[i] - b[i]
		signal += a[i] * a[i]
		noise += d * d
	}

	if noise == 0 {
		return math.Inf(1)
	}

	return signal / noise
}

func perSampleDiff(x, xAdv []any, fn func(a, b []float64) float64) ([]any, error) {
	if err := checkAligned(x, xAdv); err != nil {
		return nil, err
	}

	out := make([]any, len(x))

	for i := range x {
		a, err := toFloats(x[i])
		if err != nil {
			return nil, err
		}

		b, err := toFloats(xAdv[i])
		if err != nil {
			return nil, err
		}

		if len(a) != len(b) {
			return nil, errMalformed("sample %d shapes differ: %d vs %d elements", i, len(a), len(b))
		}

		out[i] = fn(a, b)
	}

	return out, nil
}

package metrics

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMetric is returned when a metric name is not registered.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrAlreadyRegistered is returned when a metric name is taken.
	ErrAlreadyRegistered = errors.New("metric already registered")

	// ErrInvalidMetric is returned when a metric definition is incomplete.
	ErrInvalidMetric = errors.New("invalid metric")

	// ErrMalformedData is returned when a metric receives values it
	// cannot interpret.
	ErrMalformedData = errors.New("malformed metric data")

	// ErrLengthMismatch is returned when reference and candidate
	// sequences are not aligned.
	ErrLengthMismatch = errors.New("reference and candidate lengths differ")
)

// Kwargs are fixed keyword arguments bound to a metric when it is configured.
type Kwargs map[string]any

// SampleFunc computes one value per sample from two aligned sequences.
// Single-input metrics receive a nil candidate sequence.
type SampleFunc func(ref, cand []any, kw Kwargs) ([]any, error)

// FinalFunc reduces all per-sample values collected during a run.
type FinalFunc func(values []any, kw Kwargs) (any, error)

// Kind classifies how a metric's result is reported.
type Kind uint8

const (
	// KindPercent results are fractions reported as percentages.
	KindPercent Kind = iota
	// KindQuantity results are reported unscaled.
	KindQuantity
	// KindWER results are word error rate aggregates.
	KindWER
	// KindAP results are mean average precision structures.
	KindAP
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPercent:
		return "percent"
	case KindQuantity:
		return "quantity"
	case KindWER:
		return "wer"
	case KindAP:
		return "ap"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Metric is a registered two-stage metric.
type Metric struct {
	// Name is the unique registry key.
	Name string

	// Kind decides how writers render the result.
	Kind Kind

	// Sample is the per-sample stage.
	Sample SampleFunc

	// Final replaces the default reduction when set. Metrics without a
	// Final are averaged (or left unreduced) depending on configuration.
	Final FinalFunc

	// FinalSuffix names the result of Final. Required when Final is set.
	FinalSuffix string

	// Batchwise metrics cannot be decomposed per sample. Their sample
	// stage only collects inputs and the configured kwargs are handed
	// to Final instead of Sample.
	Batchwise bool
}

// Validate checks the definition is usable.
func (m Metric) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMetric)
	}

	if m.Sample == nil {
		return fmt.Errorf("%w: %s has no sample function", ErrInvalidMetric, m.Name)
	}

	if m.Final != nil && m.FinalSuffix == "" {
		return fmt.Errorf("%w: %s has a final function but no suffix", ErrInvalidMetric, m.Name)
	}

	if m.Batchwise && m.Final == nil {
		return fmt.Errorf("%w: batchwise metric %s needs a final function", ErrInvalidMetric, m.Name)
	}

	return nil
}

// Float returns a float kwarg or def when absent.
func (kw Kwargs) Float(key string, def float64) (float64, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return def, nil
	}

	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("kwarg %s: %w", key, err)
	}

	return f, nil
}

// Int returns an integer kwarg or def when absent.
func (kw Kwargs) Int(key string, def int) (int, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return def, nil
	}

	i, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("kwarg %s: %w", key, err)
	}

	return i, nil
}

// Ints returns an integer list kwarg. ok is false when absent.
func (kw Kwargs) Ints(key string) (vals []int, ok bool, err error) {
	v, present := kw[key]
	if !present || v == nil {
		return nil, false, nil
	}

	vals, err = toInts(v)
	if err != nil {
		return nil, true, fmt.Errorf("kwarg %s: %w", key, err)
	}

	return vals, true, nil
}

func checkAligned(ref, cand []any) error {
	if len(ref) != len(cand) {
		return fmt.Errorf("%w: %d references, %d candidates", ErrLengthMismatch, len(ref), len(cand))
	}

	return nil
}

func errMalformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedData}, args...)...)
}

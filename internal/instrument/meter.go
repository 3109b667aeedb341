package instrument

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/armory/internal/metrics"
)

var (
	// ErrMissingStream is returned when an update lacks one of a meter's inputs.
	ErrMissingStream = errors.New("missing input stream")

	// ErrMisaligned is returned when a meter's input streams differ in length.
	ErrMisaligned = errors.New("input streams are not aligned")

	// ErrFinalized is returned when a finalized meter receives an update.
	ErrFinalized = errors.New("meter already finalized")

	// ErrInvalidMeter is returned for an unusable meter definition.
	ErrInvalidMeter = errors.New("invalid meter")
)

// Meter applies a per-sample metric to named input streams and buffers the
// results until it is finalized.
type Meter struct {
	name        string
	inputs      []string
	sample      metrics.SampleFunc
	kwargs      metrics.Kwargs
	final       metrics.FinalFunc
	finalName   string
	finalKwargs metrics.Kwargs
	kind        metrics.Kind
	batchwise   bool

	values []any

	finalized bool
	result    any
	err       error
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

// WithKwargs binds keyword arguments passed to the per-sample function.
func WithKwargs(kw metrics.Kwargs) MeterOption {
	return func(m *Meter) {
		m.kwargs = kw
	}
}

// WithFinal sets the final reduction, the key its result is reported under
// and the keyword arguments it receives.
func WithFinal(fn metrics.FinalFunc, name string, kw metrics.Kwargs) MeterOption {
	return func(m *Meter) {
		m.final = fn
		m.finalName = name
		m.finalKwargs = kw
	}
}

// WithMean reduces the buffer to its arithmetic mean.
func WithMean(name string) MeterOption {
	return WithFinal(metrics.Mean, name, nil)
}

// WithKind sets how writers render the meter's result.
func WithKind(k metrics.Kind) MeterOption {
	return func(m *Meter) {
		m.kind = k
	}
}

// WithBatchwise marks the buffer as intermediate input to the final
// reduction rather than per-sample results.
func WithBatchwise() MeterOption {
	return func(m *Meter) {
		m.batchwise = true
	}
}

// NewMeter creates a meter over one or two input streams. With two inputs
// the first is the reference and the second the candidate.
func NewMeter(name string, sample metrics.SampleFunc, inputs []string, opts ...MeterOption) (*Meter, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidMeter)
	}

	if sample == nil {
		return nil, fmt.Errorf("%w: %s has no metric function", ErrInvalidMeter, name)
	}

	if len(inputs) == 0 || len(inputs) > 2 {
		return nil, fmt.Errorf("%w: %s needs one or two inputs, got %d", ErrInvalidMeter, name, len(inputs))
	}

	if len(inputs) == 2 && inputs[0] == inputs[1] {
		return nil, fmt.Errorf("%w: %s lists input %s twice", ErrInvalidMeter, name, inputs[0])
	}

	m := &Meter{
		name:   name,
		inputs: append([]string(nil), inputs...),
		sample: sample,
		values: make([]any, 0, 64),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.final != nil && m.finalName == "" {
		return nil, fmt.Errorf("%w: %s has a final function but no final name", ErrInvalidMeter, name)
	}

	return m, nil
}

// Name returns the meter name.
func (m *Meter) Name() string { return m.name }

// FinalName returns the key of the final result, empty without a final.
func (m *Meter) FinalName() string { return m.finalName }

// Inputs returns the input stream names.
func (m *Meter) Inputs() []string { return append([]string(nil), m.inputs...) }

// Kind returns the reporting kind.
func (m *Meter) Kind() metrics.Kind { return m.kind }

// Len returns the number of buffered values.
func (m *Meter) Len() int { return len(m.values) }

// Update computes the metric over the current values of the meter's inputs
// and appends the per-sample results to the buffer.
func (m *Meter) Update(values map[string][]any) error {
	if m.finalized {
		return fmt.Errorf("%w: %s", ErrFinalized, m.name)
	}

	args := make([][]any, len(m.inputs))

	for i, in := range m.inputs {
		v, ok := values[in]
		if !ok {
			return fmt.Errorf("%w: meter %s needs %s", ErrMissingStream, m.name, in)
		}

		if i > 0 && len(v) != len(args[0]) {
			return fmt.Errorf("%w: meter %s got %d values for %s and %d for %s",
				ErrMisaligned, m.name, len(args[0]), m.inputs[0], len(v), in)
		}

		args[i] = v
	}

	var cand []any
	if len(args) == 2 {
		cand = args[1]
	}

	out, err := m.sample(args[0], cand, m.kwargs)
	if err != nil {
		return fmt.Errorf("meter %s: %w", m.name, err)
	}

	m.values = append(m.values, out...)

	return nil
}

// Finalize applies the final reduction once and caches the outcome. Without
// a final reduction the buffer itself is the result.
func (m *Meter) Finalize() (any, error) {
	if m.finalized {
		return m.result, m.err
	}

	m.finalized = true

	if m.final == nil {
		m.result = m.buffer()

		return m.result, nil
	}

	m.result, m.err = m.final(m.buffer(), m.finalKwargs)
	if m.err != nil {
		m.err = fmt.Errorf("finalizing meter %s: %w", m.name, m.err)
	}

	return m.result, m.err
}

// Result snapshots the meter for writers. Call after Finalize.
func (m *Meter) Result() Result {
	return Result{
		Name:      m.name,
		FinalName: m.finalName,
		Kind:      m.kind,
		Batchwise: m.batchwise,
		Values:    m.buffer(),
		Final:     m.result,
		HasFinal:  m.final != nil,
	}
}

func (m *Meter) buffer() []any {
	out := make([]any, len(m.values))
	copy(out, m.values)

	return out
}

// Result is a finalized meter as seen by writers.
type Result struct {
	// Name is the meter name, the key of per-sample values.
	Name string
	// FinalName is the key of Final. Empty when HasFinal is false.
	FinalName string
	Kind      metrics.Kind
	// Batchwise values are intermediate inputs, not per-sample results.
	Batchwise bool
	Values    []any
	Final     any
	HasFinal  bool
}

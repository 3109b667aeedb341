// Package matrix generates parameter matrices for repeated evaluation runs
// and executes the runs with bounded parallelism.
package matrix

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
)

// ErrInvalidPartition is returned for an out-of-range worker partition.
var ErrInvalidPartition = errors.New("invalid matrix partition")

// Row is one parameter assignment of the matrix.
type Row map[string]any

// Param is one matrix dimension. Dependent, when set, computes the values
// from the parameters chosen before it and takes precedence over Values.
type Param struct {
	Name      string                `yaml:"name"`
	Values    []any                 `yaml:"values"`
	Dependent func(prior Row) []any `yaml:"-"`
}

// Values creates a fixed dimension.
func Values(name string, values ...any) Param {
	return Param{Name: name, Values: values}
}

// Dependent creates a dimension whose values depend on earlier parameters.
func Dependent(name string, fn func(prior Row) []any) Param {
	return Param{Name: name, Dependent: fn}
}

// Option configures generation.
type Option func(*generator)

type generator struct {
	worker  int
	workers int
	prune   func(Row) bool
}

// WithPartition keeps only every workers-th row starting at worker.
// Pruned rows do not count towards the partition.
func WithPartition(worker, workers int) Option {
	return func(g *generator) {
		g.worker = worker
		g.workers = workers
	}
}

// WithPrune omits rows for which prune returns true.
func WithPrune(prune func(Row) bool) Option {
	return func(g *generator) {
		g.prune = prune
	}
}

// Exclude returns a prune function dropping rows that contain every
// key-value pair of any of the given rows.
func Exclude(rows ...Row) func(Row) bool {
	return func(r Row) bool {
		for _, ex := range rows {
			if matches(r, ex) {
				return true
			}
		}

		return false
	}
}

func matches(r, subset Row) bool {
	for k, v := range subset {
		got, ok := r[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}

	return len(subset) > 0
}

// Generate returns the cartesian product of params in declaration order,
// depth first, after pruning and partitioning.
func Generate(params []Param, opts ...Option) ([]Row, error) {
	g := &generator{workers: 1}

	for _, opt := range opts {
		opt(g)
	}

	if g.workers <= 0 || g.worker < 0 || g.worker >= g.workers {
		return nil, fmt.Errorf("%w: worker %d of %d", ErrInvalidPartition, g.worker, g.workers)
	}

	seen := make(map[string]struct{}, len(params))

	for _, p := range params {
		if p.Name == "" {
			return nil, errors.New("matrix parameter without a name")
		}

		if _, ok := seen[p.Name]; ok {
			return nil, fmt.Errorf("duplicate matrix parameter %q", p.Name)
		}

		seen[p.Name] = struct{}{}
	}

	var (
		rows  []Row
		count int
	)

	product(Row{}, params, func(r Row) {
		if g.prune != nil && g.prune(r) {
			return
		}

		if count%g.workers == g.worker {
			rows = append(rows, r)
		}

		count++
	})

	return rows, nil
}

func product(prior Row, remaining []Param, yield func(Row)) {
	if len(remaining) == 0 {
		yield(prior)

		return
	}

	p := remaining[0]

	values := p.Values
	if p.Dependent != nil {
		values = p.Dependent(maps.Clone(prior))
	}

	for _, v := range values {
		next := maps.Clone(prior)
		next[p.Name] = v

		product(next, remaining[1:], yield)
	}
}

// Override replaces the values of named parameters, appending parameters
// not yet present.
func Override(params []Param, overrides ...Param) []Param {
	out := make([]Param, len(params), len(params)+len(overrides))
	copy(out, params)

	for _, o := range overrides {
		replaced := false

		for i := range out {
			if out[i].Name == o.Name {
				out[i] = o
				replaced = true

				break
			}
		}

		if !replaced {
			out = append(out, o)
		}
	}

	return out
}

package metrics

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps metric names to their definitions. Lookups are safe for
// concurrent use so one registry can back several evaluation runs.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]Metric, 16),
	}
}

// Default returns a registry holding the built-in task and perturbation
// metrics.
func Default() *Registry {
	r := NewRegistry()

	for _, m := range builtin() {
		if err := r.Register(m); err != nil {
			panic(fmt.Sprintf("metrics: registering %s: %v", m.Name, err))
		}
	}

	return r
}

// Register adds a metric. Names must be unique.
func (r *Registry) Register(m Metric) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.metrics[m.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, m.Name)
	}

	r.metrics[m.Name] = m

	return nil
}

// Get returns the metric registered under name.
func (r *Registry) Get(name string) (Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.metrics[name]
	if !ok {
		return Metric{}, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}

	return m, nil
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func builtin() []Metric {
	apMetric := func(name string) Metric {
		return Metric{
			Name:        name,
			Kind:        KindAP,
			Sample:      IdentityUnzip,
			Final:       MeanAP(ObjectDetectionAPPerClass),
			FinalSuffix: name,
			Batchwise:   true,
		}
	}

	return []Metric{
		{Name: "categorical_accuracy", Kind: KindPercent, Sample: CategoricalAccuracy},
		{Name: "top_5_categorical_accuracy", Kind: KindPercent, Sample: TopKCategoricalAccuracy(5)},
		{
			Name:        "word_error_rate",
			Kind:        KindWER,
			Sample:      WordErrorRate,
			Final:       TotalWER,
			FinalSuffix: "total_word_error_rate",
		},
		apMetric("object_detection_AP_per_class"),
		apMetric("carla_od_AP_per_class"),
		apMetric("apricot_patch_targeted_AP_per_class"),
		apMetric("dapricot_patch_targeted_AP_per_class"),
		{Name: "object_detection_hallucinations_per_image", Kind: KindQuantity, Sample: HallucinationsPerImage},
		{Name: "carla_od_hallucinations_per_image", Kind: KindQuantity, Sample: HallucinationsPerImage},
		{Name: "l0", Kind: KindQuantity, Sample: L0},
		{Name: "l1", Kind: KindQuantity, Sample: L1},
		{Name: "l2", Kind: KindQuantity, Sample: L2},
		{Name: "linf", Kind: KindQuantity, Sample: LInf},
		{Name: "snr", Kind: KindQuantity, Sample: SNR},
		{Name: "snr_db", Kind: KindQuantity, Sample: SNRDecibels},
	}
}

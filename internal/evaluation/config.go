package evaluation

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/armory/internal/metrics"
)

// StringList accepts a single name or a list of names.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil

			return nil
		}

		*l = StringList{value.Value}

		return nil
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}

		*l = names

		return nil
	default:
		return fmt.Errorf("line %d: expected a metric name or list of names", value.Line)
	}
}

// KwargsList accepts a single kwargs mapping or a list of them. A null
// entry in a list means no kwargs for that metric.
type KwargsList []metrics.Kwargs

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *KwargsList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		var kw metrics.Kwargs
		if err := value.Decode(&kw); err != nil {
			return err
		}

		*l = KwargsList{kw}

		return nil
	case yaml.SequenceNode:
		var list []metrics.Kwargs
		if err := value.Decode(&list); err != nil {
			return err
		}

		if len(list) == 0 {
			list = nil
		}

		*l = list

		return nil
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil

			return nil
		}
	}

	return fmt.Errorf("line %d: expected task kwargs mapping or list of mappings", value.Line)
}

// Config declares which meters a MetricsLogger builds.
type Config struct {
	// Task names the task metrics.
	Task StringList `yaml:"task,omitempty"`

	// TaskKwargs holds one kwargs mapping per task metric.
	TaskKwargs KwargsList `yaml:"task_kwargs,omitempty"`

	// Perturbation names the perturbation metrics.
	Perturbation StringList `yaml:"perturbation,omitempty"`

	// Means reduces metrics without their own final reduction to their
	// mean. Defaults to true.
	Means *bool `yaml:"means,omitempty"`

	// IncludeBenign, IncludeAdversarial and IncludeTargeted select the
	// task variants. All default to true.
	IncludeBenign      *bool `yaml:"include_benign,omitempty"`
	IncludeAdversarial *bool `yaml:"include_adversarial,omitempty"`
	IncludeTargeted    *bool `yaml:"include_targeted,omitempty"`

	// Deprecated: per-sample values are always recorded.
	RecordMetricPerSample *bool `yaml:"record_metric_per_sample,omitempty"`

	// Deprecated: use the profiler.
	ProfilerType string `yaml:"profiler_type,omitempty"`

	// Extra collects unrecognised keys, which are rejected.
	Extra map[string]any `yaml:",inline"`
}

// ConfigFromMap decodes a loosely typed configuration, as found embedded in
// a larger document.
func ConfigFromMap(m map[string]any) (Config, error) {
	var cfg Config

	data, err := yaml.Marshal(m)
	if err != nil {
		return cfg, fmt.Errorf("encoding metric config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding metric config: %w", err)
	}

	return cfg, nil
}

// Validate checks for unknown options and mismatched kwargs.
func (c *Config) Validate() error {
	if len(c.Extra) > 0 {
		keys := make([]string, 0, len(c.Extra))
		for k := range c.Extra {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		return fmt.Errorf("%w: %s", ErrUnexpectedOption, strings.Join(keys, ", "))
	}

	if len(c.Task) > 0 && c.TaskKwargs != nil && len(c.TaskKwargs) != len(c.Task) {
		return fmt.Errorf("%w: %d tasks but %d task_kwargs", ErrKwargsMismatch, len(c.Task), len(c.TaskKwargs))
	}

	return nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}

	return *b
}

// UseMeans reports whether mean reduction is enabled.
func (c *Config) UseMeans() bool { return boolOr(c.Means, true) }

// Benign reports whether benign task meters are built.
func (c *Config) Benign() bool { return boolOr(c.IncludeBenign, true) }

// Adversarial reports whether adversarial task meters are built.
func (c *Config) Adversarial() bool { return boolOr(c.IncludeAdversarial, true) }

// Targeted reports whether targeted task meters are built.
func (c *Config) Targeted() bool { return boolOr(c.IncludeTargeted, true) }

// kwargsFor returns the kwargs of the i-th task metric.
func (c *Config) kwargsFor(i int) metrics.Kwargs {
	if c.TaskKwargs == nil {
		return nil
	}

	return c.TaskKwargs[i]
}

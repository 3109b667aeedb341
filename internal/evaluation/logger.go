// Package evaluation wires metric configuration into a measurement graph
// and drives recorded evaluation batches through it.
package evaluation

import (
	"errors"
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/armory/internal/instrument"
	"github.com/ethpandaops/armory/internal/metrics"
	"github.com/ethpandaops/armory/internal/profiler"
)

var (
	// ErrUnexpectedOption is returned for unknown configuration keys.
	ErrUnexpectedOption = errors.New("unexpected metric option")

	// ErrKwargsMismatch is returned when task and task_kwargs differ in length.
	ErrKwargsMismatch = errors.New("task and task_kwargs lengths differ")

	// ErrDeprecated is returned by the retired mutation API.
	ErrDeprecated = errors.New("deprecated MetricsLogger API")
)

type taskVariant struct {
	prefix  string
	ref     string
	cand    string
	include func(*Config) bool
	writer  func(logrus.FieldLogger) (*instrument.LogWriter, error)
}

var taskVariants = []taskVariant{
	{
		prefix:  "benign_",
		ref:     instrument.StreamY,
		cand:    instrument.StreamYPred,
		include: (*Config).Benign,
		writer: func(log logrus.FieldLogger) (*instrument.LogWriter, error) {
			return instrument.NewTaskLogWriter(log, false, false, false)
		},
	},
	{
		prefix:  "adversarial_",
		ref:     instrument.StreamY,
		cand:    instrument.StreamYPredAdv,
		include: (*Config).Adversarial,
		writer: func(log logrus.FieldLogger) (*instrument.LogWriter, error) {
			return instrument.NewTaskLogWriter(log, true, false, false)
		},
	},
	{
		prefix:  "targeted_",
		ref:     instrument.StreamYTarget,
		cand:    instrument.StreamYPredAdv,
		include: (*Config).Targeted,
		writer: func(log logrus.FieldLogger) (*instrument.LogWriter, error) {
			return instrument.NewTaskLogWriter(log, true, true, false)
		},
	},
}

// MetricsLogger builds task and perturbation meters on a hub and collects
// their results.
type MetricsLogger struct {
	log      logrus.FieldLogger
	cfg      Config
	hub      *instrument.Hub
	registry *metrics.Registry
	profiler *profiler.Profiler

	metricResults map[string]any

	done       bool
	results    map[string]any
	resultsErr error
}

// Option configures a MetricsLogger.
type Option func(*MetricsLogger)

// WithRegistry replaces the built-in metric registry.
func WithRegistry(r *metrics.Registry) Option {
	return func(l *MetricsLogger) {
		l.registry = r
	}
}

// WithProfiler merges the profiler's block timings into Results.
func WithProfiler(p *profiler.Profiler) Option {
	return func(l *MetricsLogger) {
		l.profiler = p
	}
}

// NewMetricsLogger validates cfg and connects its meters and writers to
// hub. Nothing is connected when validation fails.
func NewMetricsLogger(
	log logrus.FieldLogger,
	cfg Config,
	hub *instrument.Hub,
	opts ...Option,
) (*MetricsLogger, error) {
	l := &MetricsLogger{
		log: log.WithField("component", "metrics_logger"),
		cfg: cfg,
		hub: hub,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.registry == nil {
		l.registry = metrics.Default()
	}

	if cfg.RecordMetricPerSample != nil {
		l.log.Warn("record_metric_per_sample is deprecated: now always treated as true")
	}

	if cfg.ProfilerType != "" {
		l.log.Warn("Ignoring profiler_type, block timings come from the run profiler")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	plan, err := l.plan()
	if err != nil {
		return nil, err
	}

	if err := plan.connect(hub); err != nil {
		return nil, err
	}

	rw := instrument.NewResultsWriter(func(r map[string]any) {
		l.metricResults = r
	})

	if err := hub.ConnectWriter(rw, nil, true); err != nil {
		return nil, fmt.Errorf("connecting results writer: %w", err)
	}

	return l, nil
}

// Hub returns the hub the logger is connected to.
func (l *MetricsLogger) Hub() *instrument.Hub { return l.hub }

// meterPlan is the full set of meters and writers for one configuration,
// built before anything touches the hub.
type meterPlan struct {
	meters  []*instrument.Meter
	writers []plannedWriter
}

type plannedWriter struct {
	writer instrument.Writer
	meters []string
}

func (p *meterPlan) connect(hub *instrument.Hub) error {
	for _, m := range p.meters {
		if err := hub.ConnectMeter(m); err != nil {
			return err
		}
	}

	for _, w := range p.writers {
		if err := hub.ConnectWriter(w.writer, w.meters, false); err != nil {
			return err
		}
	}

	return nil
}

func (l *MetricsLogger) plan() (*meterPlan, error) {
	p := &meterPlan{}

	if len(l.cfg.Task) > 0 {
		if err := l.planTasks(p); err != nil {
			return nil, err
		}
	}

	for _, name := range l.cfg.Perturbation {
		m, err := l.perturbationMeter(name)
		if err != nil {
			return nil, err
		}

		p.meters = append(p.meters, m)
	}

	return p, nil
}

func (l *MetricsLogger) planTasks(p *meterPlan) error {
	perVariant := make([][]string, len(taskVariants))

	// Meters are ordered by metric, then variant.
	for i, name := range l.cfg.Task {
		metric, err := l.registry.Get(name)
		if err != nil {
			return err
		}

		for vi, v := range taskVariants {
			if !v.include(&l.cfg) {
				continue
			}

			m, err := l.taskMeter(metric, l.cfg.kwargsFor(i), v.prefix, "", v.ref, v.cand)
			if err != nil {
				return err
			}

			p.meters = append(p.meters, m)
			perVariant[vi] = append(perVariant[vi], m.Name())
		}
	}

	for vi, v := range taskVariants {
		if !v.include(&l.cfg) {
			continue
		}

		w, err := v.writer(l.log)
		if err != nil {
			return err
		}

		p.writers = append(p.writers, plannedWriter{writer: w, meters: perVariant[vi]})
	}

	return nil
}

// taskMeter builds the meter for one metric and variant. Batchwise metrics
// get an "input_to_" meter whose kwargs move to the final reduction.
func (l *MetricsLogger) taskMeter(
	metric metrics.Metric,
	kw metrics.Kwargs,
	prefix, postfix string,
	ref, cand string,
) (*instrument.Meter, error) {
	name := metric.Name
	opts := []instrument.MeterOption{instrument.WithKind(metric.Kind)}

	switch {
	case metric.Batchwise:
		name = "input_to_" + name
		opts = append(opts,
			instrument.WithBatchwise(),
			instrument.WithFinal(metric.Final, prefix+metric.FinalSuffix+postfix, kw),
		)
	case metric.Final != nil:
		opts = append(opts,
			instrument.WithKwargs(kw),
			instrument.WithFinal(metric.Final, prefix+metric.FinalSuffix+postfix, nil),
		)
	case l.cfg.UseMeans():
		opts = append(opts,
			instrument.WithKwargs(kw),
			instrument.WithMean(prefix+"mean_"+metric.Name+postfix),
		)
	default:
		opts = append(opts, instrument.WithKwargs(kw))
	}

	return instrument.NewMeter(prefix+name+postfix, metric.Sample, []string{ref, cand}, opts...)
}

func (l *MetricsLogger) perturbationMeter(name string) (*instrument.Meter, error) {
	metric, err := l.registry.Get(name)
	if err != nil {
		return nil, err
	}

	opts := []instrument.MeterOption{instrument.WithKind(metric.Kind)}

	switch {
	case metric.Final != nil:
		opts = append(opts, instrument.WithFinal(metric.Final, "perturbation_"+metric.FinalSuffix, nil))
	case l.cfg.UseMeans():
		opts = append(opts, instrument.WithMean("perturbation_mean_"+name))
	}

	return instrument.NewMeter(
		"perturbation_"+name,
		metric.Sample,
		[]string{instrument.StreamX, instrument.StreamXAdv},
		opts...,
	)
}

// AddTasksWrtBenignPredictions adds meters scoring adversarial predictions
// against benign predictions instead of ground truth.
func (l *MetricsLogger) AddTasksWrtBenignPredictions() error {
	if len(l.cfg.Task) == 0 {
		return nil
	}

	p := &meterPlan{}
	names := make([]string, 0, len(l.cfg.Task))

	for i, name := range l.cfg.Task {
		metric, err := l.registry.Get(name)
		if err != nil {
			return err
		}

		m, err := l.taskMeter(
			metric,
			l.cfg.kwargsFor(i),
			"adversarial_",
			"_wrt_benign_preds",
			instrument.StreamYPred,
			instrument.StreamYPredAdv,
		)
		if err != nil {
			return err
		}

		p.meters = append(p.meters, m)
		names = append(names, m.Name())
	}

	w, err := instrument.NewTaskLogWriter(l.log, true, false, true)
	if err != nil {
		return err
	}

	p.writers = append(p.writers, plannedWriter{writer: w, meters: names})

	return p.connect(l.hub)
}

// Results closes the hub on first use and returns the metric results merged
// with profiler timings. Later calls return the same map and error.
func (l *MetricsLogger) Results() (map[string]any, error) {
	if l.done {
		return l.results, l.resultsErr
	}

	l.done = true

	results := make(map[string]any, 32)

	if l.profiler != nil {
		maps.Copy(results, l.profiler.Results())
	}

	err := l.hub.Close()

	if len(l.metricResults) == 0 {
		l.log.Warn("No metric results received from results writer")
	} else {
		maps.Copy(results, l.metricResults)
	}

	l.results, l.resultsErr = results, err

	return l.results, l.resultsErr
}

func (l *MetricsLogger) deprecated(name string) error {
	l.log.WithField("method", name).Error(
		"Deprecated MetricsLogger API called. Ignoring. Publish to the hub instead",
	)

	return fmt.Errorf("%w: %s", ErrDeprecated, name)
}

// Deprecated: publish through the hub.
func (l *MetricsLogger) Clear() error { return l.deprecated("Clear") }

// Deprecated: use Hub.UpdateTask.
func (l *MetricsLogger) UpdateTask(_, _ []any, _, _ bool) error {
	return l.deprecated("UpdateTask")
}

// Deprecated: use Hub.UpdatePerturbation.
func (l *MetricsLogger) UpdatePerturbation(_, _ []any) error {
	return l.deprecated("UpdatePerturbation")
}

// Deprecated: results are logged when the hub closes.
func (l *MetricsLogger) LogTask(_, _, _ bool) error {
	return l.deprecated("LogTask")
}

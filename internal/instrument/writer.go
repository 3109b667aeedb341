package instrument

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/armory/internal/metrics"
)

// ErrDuplicateResult is returned when two meters report the same key.
var ErrDuplicateResult = errors.New("duplicate result key")

// Writer consumes finalized meter results.
type Writer interface {
	// Name returns the writer's identifier for logging.
	Name() string
	// Write receives one finalized meter.
	Write(res Result) error
	// Close is called once after all results were written.
	Close() error
}

var (
	_ Writer = (*ResultsWriter)(nil)
	_ Writer = (*LogWriter)(nil)
)

// ResultsWriter collects results into a dictionary and hands it to a sink
// on close. Per-sample values are keyed by meter name, final results by
// final name.
type ResultsWriter struct {
	sink    func(map[string]any)
	results map[string]any
}

// NewResultsWriter creates a ResultsWriter.
func NewResultsWriter(sink func(map[string]any)) *ResultsWriter {
	return &ResultsWriter{
		sink:    sink,
		results: make(map[string]any, 32),
	}
}

// Name returns the writer name.
func (w *ResultsWriter) Name() string { return "results" }

// Write stores the meter's values and final result.
func (w *ResultsWriter) Write(res Result) error {
	if !res.Batchwise {
		if err := w.put(res.Name, res.Values); err != nil {
			return err
		}
	}

	if res.HasFinal {
		return w.put(res.FinalName, res.Final)
	}

	return nil
}

func (w *ResultsWriter) put(key string, v any) error {
	if _, ok := w.results[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateResult, key)
	}

	w.results[key] = v

	return nil
}

// Close passes the collected results to the sink.
func (w *ResultsWriter) Close() error {
	if w.sink != nil {
		w.sink(w.results)
	}

	return nil
}

// LogWriter logs one human readable line per meter.
type LogWriter struct {
	log      logrus.FieldLogger
	taskType string
	wrt      string
}

// NewTaskLogWriter creates a LogWriter for a task variant. predsAsLabels
// marks adversarial predictions compared against benign predictions.
func NewTaskLogWriter(log logrus.FieldLogger, adversarial, targeted, predsAsLabels bool) (*LogWriter, error) {
	w := &LogWriter{
		log:      log.WithField("component", "results"),
		taskType: "benign",
		wrt:      "ground truth",
	}

	switch {
	case targeted && !adversarial:
		return nil, ErrTargetedBenign
	case targeted:
		w.taskType, w.wrt = "adversarial", "target"
	case adversarial && predsAsLabels:
		w.taskType, w.wrt = "adversarial", "benign predictions as"
	case adversarial:
		w.taskType = "adversarial"
	}

	return w, nil
}

// Name returns the writer name.
func (w *LogWriter) Name() string { return "log_" + w.taskType + "_" + w.wrt }

// Write logs the meter's result.
func (w *LogWriter) Write(res Result) error {
	name := res.Name
	if res.HasFinal {
		name = res.FinalName
	}

	formatted, err := FormatResult(res)
	if err != nil {
		return err
	}

	w.log.Infof("%s on %s examples w.r.t. %s labels: %s", name, w.taskType, w.wrt, formatted)

	return nil
}

// Close is a no-op.
func (w *LogWriter) Close() error { return nil }

// FormatResult renders a result according to its kind: word error rate as
// "total=X%, N/D", average precision as its mean and class breakdown,
// quantities unscaled and everything else as a percentage.
func FormatResult(res Result) (string, error) {
	switch res.Kind {
	case metrics.KindWER:
		v := res.Final
		if !res.HasFinal {
			var err error

			if v, err = metrics.TotalWER(res.Values, nil); err != nil {
				return "", err
			}
		}

		return fmt.Sprintf("%v", v), nil
	case metrics.KindAP:
		return fmt.Sprintf("%v", res.Final), nil
	case metrics.KindQuantity:
		m, err := scalar(res)
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("%.2g", m), nil
	default:
		m, err := scalar(res)
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("%.2f%%", m*100), nil
	}
}

// scalar returns the final result when it is a number and the mean of the
// buffer otherwise.
func scalar(res Result) (float64, error) {
	if res.HasFinal {
		if f, ok := res.Final.(float64); ok {
			return f, nil
		}
	}

	m, err := metrics.MeanOf(res.Values)
	if err != nil {
		return math.NaN(), err
	}

	return m, nil
}

// Summary returns the headline number of a result: the final value for
// scalar, word error rate and average precision finals, otherwise the mean
// of the per-sample values. ok is false when neither is numeric.
func Summary(res Result) (v float64, ok bool) {
	if res.HasFinal {
		switch f := res.Final.(type) {
		case float64:
			return f, true
		case metrics.WERResult:
			return f.Rate, true
		case metrics.APResult:
			return f.Mean, true
		}
	}

	if res.Batchwise {
		return math.NaN(), false
	}

	m, err := metrics.MeanOf(res.Values)
	if err != nil {
		return math.NaN(), false
	}

	return m, true
}

package http

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/armory/internal/export"
	"github.com/ethpandaops/armory/internal/instrument"
)

// ResultEvent is one exported result line.
type ResultEvent struct {
	UpdatedDateTime string   `json:"updated_date_time"`
	RunID           string   `json:"run_id"`
	Evaluation      string   `json:"evaluation"`
	Meter           string   `json:"meter"`
	ResultKey       string   `json:"result_key"`
	Kind            string   `json:"kind"`
	Value           *float64 `json:"value"`
	Result          any      `json:"result"`
}

// ResultsWriter collects the events of one run and ships them when the
// hub closes.
type ResultsWriter struct {
	log        logrus.FieldLogger
	shipper    *Shipper
	runID      string
	evaluation string
	now        func() time.Time

	events []*ResultEvent
}

var _ instrument.Writer = (*ResultsWriter)(nil)

// NewResultsWriter creates a hub writer for one run. The shipper must be
// started; it is shared across runs and stopped by its owner.
func NewResultsWriter(log logrus.FieldLogger, shipper *Shipper, runID, evaluation string) *ResultsWriter {
	return &ResultsWriter{
		log:        log.WithField("component", "http_results"),
		shipper:    shipper,
		runID:      runID,
		evaluation: evaluation,
		now:        time.Now,
	}
}

// Name returns the writer name.
func (w *ResultsWriter) Name() string { return "http" }

// Write converts one result into events.
func (w *ResultsWriter) Write(res instrument.Result) error {
	w.events = append(w.events, ResultEvents(w.runID, w.evaluation, res, w.now().UTC())...)

	return nil
}

// Close ships the collected events and returns once the collector
// accepted them.
func (w *ResultsWriter) Close() error {
	events := w.events
	w.events = nil

	if err := w.shipper.Ship(context.Background(), events); err != nil {
		return fmt.Errorf("run %s: %w", w.runID, err)
	}

	w.log.WithFields(logrus.Fields{
		"run_id":  w.runID,
		"results": len(events),
	}).Debug("Shipped results")

	return nil
}

// ResultEvents converts a finalized meter into events, one for its
// per-sample values unless batchwise and one for its final result.
func ResultEvents(runID, evaluation string, res instrument.Result, now time.Time) []*ResultEvent {
	events := make([]*ResultEvent, 0, 2)

	base := ResultEvent{
		UpdatedDateTime: now.Format(time.RFC3339Nano),
		RunID:           runID,
		Evaluation:      evaluation,
		Meter:           res.Name,
		Kind:            res.Kind.String(),
	}

	if !res.Batchwise {
		ev := base
		ev.ResultKey = res.Name
		ev.Result = export.JSONSafe(res.Values)

		if v, ok := instrument.Summary(instrument.Result{Values: res.Values}); ok {
			ev.Value = finite(v)
		}

		events = append(events, &ev)
	}

	if res.HasFinal {
		ev := base
		ev.ResultKey = res.FinalName
		ev.Result = export.JSONSafe(res.Final)

		if v, ok := instrument.Summary(res); ok {
			ev.Value = finite(v)
		}

		events = append(events, &ev)
	}

	return events
}

func finite(v float64) *float64 {
	if f, ok := export.JSONSafe(v).(float64); ok {
		return &f
	}

	return nil
}

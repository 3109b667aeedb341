// Package runner wires configuration, measurement graph, exporters and the
// batch engine into complete evaluation runs.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/armory/internal/codec"
	"github.com/ethpandaops/armory/internal/evaluation"
	"github.com/ethpandaops/armory/internal/export"
	httpexport "github.com/ethpandaops/armory/internal/export/http"
	"github.com/ethpandaops/armory/internal/instrument"
	"github.com/ethpandaops/armory/internal/matrix"
	"github.com/ethpandaops/armory/internal/migrate"
	"github.com/ethpandaops/armory/internal/profiler"
	"github.com/ethpandaops/armory/internal/version"
)

// Report summarizes one finished run.
type Report struct {
	RunID       string         `json:"run_id"`
	Evaluation  string         `json:"evaluation"`
	Version     string         `json:"version"`
	Started     time.Time      `json:"started"`
	Duration    time.Duration  `json:"duration_ns"`
	Batches     int            `json:"batches"`
	Dir         string         `json:"dir"`
	Predictions string         `json:"predictions,omitempty"`
	Matrix      matrix.Row     `json:"matrix,omitempty"`
	Results     map[string]any `json:"results"`
}

// MarshalJSON encodes results with NaN and infinities as null.
func (r *Report) MarshalJSON() ([]byte, error) {
	type plain Report

	out := plain(*r)
	out.Results = export.JSONSafe(r.Results).(map[string]any)

	return json.Marshal(out)
}

// Save writes the report as results.json into the run directory.
func (r *Report) Save() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}

	path := filepath.Join(r.Dir, "results.json")

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}

	return path, nil
}

// ResultKeys returns the result names in sorted order.
func (r *Report) ResultKeys() []string {
	keys := make([]string, 0, len(r.Results))
	for k := range r.Results {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Runner owns the exporters shared by all runs of a process.
type Runner struct {
	log        logrus.FieldLogger
	cfg        *Config
	metrics    *export.Metrics
	clickhouse *export.ClickHouseWriter
	shipper    *httpexport.Shipper
	now        func() time.Time
}

// New creates a Runner for cfg.
func New(log logrus.FieldLogger, cfg *Config) (*Runner, error) {
	r := &Runner{
		log: log.WithField("component", "runner"),
		cfg: cfg,
		now: time.Now,
	}

	if cfg.Metrics.Enabled {
		r.metrics = export.NewMetrics(log, cfg.Metrics)
	}

	if cfg.ClickHouse.Enabled {
		r.clickhouse = export.NewClickHouseWriter(log, cfg.ClickHouse, r.metrics)
	}

	if cfg.HTTP.Enabled {
		shipper, err := httpexport.NewShipper(log, cfg.HTTP)
		if err != nil {
			return nil, fmt.Errorf("creating HTTP results shipper: %w", err)
		}

		r.shipper = shipper
	}

	return r, nil
}

// Start starts the shared exporters.
func (r *Runner) Start(ctx context.Context) error {
	if r.metrics != nil {
		if err := r.metrics.Start(ctx); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
	}

	if r.clickhouse != nil && r.cfg.ClickHouse.Migrate {
		ch := r.cfg.ClickHouse
		dsn := migrate.ResultsDSN(ch.Endpoint, ch.Database, ch.Username, ch.Password)

		if err := migrate.New(r.log, dsn).Up(ctx); err != nil {
			return fmt.Errorf("migrating results schema: %w", err)
		}
	}

	if r.clickhouse != nil {
		if err := r.clickhouse.Start(ctx); err != nil {
			return fmt.Errorf("starting ClickHouse writer: %w", err)
		}
	}

	if r.shipper != nil {
		r.shipper.Start(ctx)
	}

	return nil
}

// Stop flushes and stops the shared exporters.
func (r *Runner) Stop() error {
	if r.shipper != nil {
		if err := r.shipper.Stop(context.Background()); err != nil {
			r.log.WithError(err).Error("Error stopping HTTP results shipper")
		}
	}

	if r.clickhouse != nil {
		if err := r.clickhouse.Stop(); err != nil {
			r.log.WithError(err).Error("Error stopping ClickHouse writer")
		}
	}

	if r.metrics != nil {
		if err := r.metrics.Stop(); err != nil {
			r.log.WithError(err).Error("Error stopping metrics server")
		}
	}

	return nil
}

// Run executes one evaluation with the runner's configuration.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	return r.run(ctx, r.cfg, nil)
}

// RunMatrix executes one evaluation per row of the configured matrix.
func (r *Runner) RunMatrix(ctx context.Context) ([]matrix.Outcome[*Report], error) {
	mc := r.cfg.Matrix

	opts := []matrix.Option{matrix.WithPartition(mc.Worker, max(mc.Workers, 1))}
	if len(mc.Exclude) > 0 {
		opts = append(opts, matrix.WithPrune(matrix.Exclude(mc.Exclude...)))
	}

	rows, err := matrix.Generate(mc.Params, opts...)
	if err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"rows":     len(rows),
		"parallel": mc.Parallel,
	}).Info("Running evaluation matrix")

	return matrix.Run(ctx, rows, mc.Parallel, func(ctx context.Context, row matrix.Row) (*Report, error) {
		cfg, err := r.cfg.WithRow(row)
		if err != nil {
			return nil, err
		}

		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating matrix row: %w", err)
		}

		return r.run(ctx, cfg, row)
	}), nil
}

func (r *Runner) run(ctx context.Context, cfg *Config, row matrix.Row) (rep *Report, err error) {
	runID := uuid.NewString()
	started := r.now()
	batches := 0

	log := r.log.WithFields(logrus.Fields{
		"run_id":     runID,
		"evaluation": cfg.Evaluation,
	})

	if r.metrics != nil {
		defer func() {
			r.metrics.RunFinished(r.now().Sub(started), batches, err)
		}()
	}

	dir := filepath.Join(cfg.OutputDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	profOpts := []profiler.Option{}
	hubOpts := []instrument.HubOption{}

	if r.metrics != nil {
		profOpts = append(profOpts, profiler.WithObserver(r.metrics))
		hubOpts = append(hubOpts, instrument.WithStats(r.metrics))
	}

	prof := profiler.New(log, profOpts...)
	hub := instrument.NewHub(log, hubOpts...)

	ml, err := evaluation.NewMetricsLogger(log, cfg.Metric, hub, evaluation.WithProfiler(prof))
	if err != nil {
		return nil, fmt.Errorf("configuring metrics: %w", err)
	}

	if cfg.WrtBenignPredictions {
		if err := ml.AddTasksWrtBenignPredictions(); err != nil {
			return nil, fmt.Errorf("configuring metrics w.r.t. benign predictions: %w", err)
		}
	}

	if err := r.connectWriters(hub, runID, cfg.Evaluation); err != nil {
		return nil, err
	}

	source, err := evaluation.OpenJSONLSource(cfg.Input)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	engineOpts := []evaluation.EngineOption{}

	if cfg.SkipBenign {
		engineOpts = append(engineOpts, evaluation.WithSkipBenign())
	}

	if cfg.SkipAttack {
		engineOpts = append(engineOpts, evaluation.WithSkipAttack())
	}

	var exporter *evaluation.PredictionsExporter

	if cfg.Predictions.Enabled {
		alg, err := codec.ParseAlgorithm(cfg.Predictions.Compression)
		if err != nil {
			return nil, err
		}

		if exporter, err = evaluation.NewPredictionsExporter(log, dir, alg, r.now); err != nil {
			return nil, err
		}

		engineOpts = append(engineOpts, evaluation.WithExporter(exporter, cfg.Predictions.EveryNBatches))
	}

	log.WithField("input", cfg.Input).Info("Starting evaluation run")

	batches, err = evaluation.NewEngine(log, hub, prof, source, engineOpts...).Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("running evaluation: %w", err)
	}

	results, resultsErr := ml.Results()
	if resultsErr != nil {
		log.WithError(resultsErr).Warn("Some results could not be finalized or written")
	}

	rep = &Report{
		RunID:      runID,
		Evaluation: cfg.Evaluation,
		Version:    version.Full(),
		Started:    started.UTC(),
		Duration:   r.now().Sub(started),
		Batches:    batches,
		Dir:        dir,
		Matrix:     row,
		Results:    results,
	}

	if exporter != nil {
		if rep.Predictions, err = exporter.Write(); err != nil {
			return rep, err
		}
	}

	path, err := rep.Save()
	if err != nil {
		return rep, err
	}

	log.WithFields(logrus.Fields{
		"batches": batches,
		"results": len(results),
		"report":  path,
	}).Info("Evaluation run finished")

	return rep, resultsErr
}

func (r *Runner) connectWriters(hub *instrument.Hub, runID, evaluationName string) error {
	writers := make([]instrument.Writer, 0, 3)

	if r.metrics != nil {
		writers = append(writers, r.metrics.ResultWriter(runID))
	}

	if r.clickhouse != nil {
		writers = append(writers, r.clickhouse.ResultsWriter(runID, evaluationName))
	}

	if r.shipper != nil {
		writers = append(writers, httpexport.NewResultsWriter(r.log, r.shipper, runID, evaluationName))
	}

	for _, w := range writers {
		if err := hub.ConnectWriter(w, nil, true); err != nil {
			return fmt.Errorf("connecting %s writer: %w", w.Name(), err)
		}
	}

	return nil
}

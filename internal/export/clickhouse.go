package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/armory/internal/instrument"
)

// ErrNotConnected is returned when writing before Start.
var ErrNotConnected = errors.New("clickhouse writer not started")

// ClickHouseConfig configures the ClickHouse writer.
type ClickHouseConfig struct {
	// Enabled stores results of every run in ClickHouse.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// Table is the target table name.
	// Defaults to "evaluation_results".
	Table string `yaml:"table"`

	// BatchSize is the number of rows per batch insert.
	// Defaults to 10000.
	BatchSize int `yaml:"batch_size"`

	// InsertTimeout bounds the inserts made when a run closes.
	// Defaults to 30s.
	InsertTimeout time.Duration `yaml:"insert_timeout"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// Migrate applies the results schema before the first run. Only the
	// default table is managed.
	Migrate bool `yaml:"migrate"`
}

// ClickHouseWriter manages the ClickHouse connection shared by all runs.
type ClickHouseWriter struct {
	log     logrus.FieldLogger
	cfg     ClickHouseConfig
	conn    clickhouse.Conn
	metrics *Metrics
}

// NewClickHouseWriter creates a new ClickHouse writer. m may be nil.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	m *Metrics,
) *ClickHouseWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10000
	}

	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 30 * time.Second
	}

	if cfg.Table == "" {
		cfg.Table = "evaluation_results"
	}

	return &ClickHouseWriter{
		log:     log.WithField("component", "clickhouse"),
		cfg:     cfg,
		metrics: m,
	}
}

// Start opens the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	opts := &clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	if w.metrics != nil {
		w.metrics.ClickHouseConnected.WithLabelValues("results").Set(1)
	}

	w.log.WithField("endpoint", w.cfg.Endpoint).
		Info("ClickHouse writer connected")

	return nil
}

// Config returns the writer configuration.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn == nil {
		return nil
	}

	if w.metrics != nil {
		w.metrics.ClickHouseConnected.WithLabelValues("results").Set(0)
	}

	return w.conn.Close()
}

// ResultRow is one stored result.
type ResultRow struct {
	UpdatedAt  time.Time
	RunID      string
	Evaluation string
	Meter      string
	ResultKey  string
	Kind       string
	Value      float64
	ValueJSON  string
}

// ResultRows flattens a finalized meter into rows: one for its per-sample
// values unless batchwise, one for its final result if any.
func ResultRows(runID, evaluation string, res instrument.Result, now time.Time) ([]ResultRow, error) {
	rows := make([]ResultRow, 0, 2)

	base := ResultRow{
		UpdatedAt:  now,
		RunID:      runID,
		Evaluation: evaluation,
		Meter:      res.Name,
		Kind:       res.Kind.String(),
	}

	if !res.Batchwise {
		raw, err := json.Marshal(JSONSafe(res.Values))
		if err != nil {
			return nil, fmt.Errorf("encoding %s values: %w", res.Name, err)
		}

		row := base
		row.ResultKey = res.Name
		row.ValueJSON = string(raw)
		row.Value = math.NaN()

		if v, ok := instrument.Summary(instrument.Result{Values: res.Values}); ok {
			row.Value = v
		}

		rows = append(rows, row)
	}

	if res.HasFinal {
		raw, err := json.Marshal(JSONSafe(res.Final))
		if err != nil {
			return nil, fmt.Errorf("encoding %s final: %w", res.FinalName, err)
		}

		row := base
		row.ResultKey = res.FinalName
		row.ValueJSON = string(raw)
		row.Value, _ = instrument.Summary(res)

		rows = append(rows, row)
	}

	return rows, nil
}

// ClickHouseResultsWriter buffers the results of one run and inserts them
// when the hub closes.
type ClickHouseResultsWriter struct {
	parent     *ClickHouseWriter
	runID      string
	evaluation string
	now        func() time.Time
	rows       []ResultRow
}

var _ instrument.Writer = (*ClickHouseResultsWriter)(nil)

// ResultsWriter returns a hub writer for one run.
func (w *ClickHouseWriter) ResultsWriter(runID, evaluation string) *ClickHouseResultsWriter {
	return &ClickHouseResultsWriter{
		parent:     w,
		runID:      runID,
		evaluation: evaluation,
		now:        time.Now,
		rows:       make([]ResultRow, 0, 64),
	}
}

// Name returns the writer name.
func (r *ClickHouseResultsWriter) Name() string { return "clickhouse" }

// Write buffers the rows of one result.
func (r *ClickHouseResultsWriter) Write(res instrument.Result) error {
	rows, err := ResultRows(r.runID, r.evaluation, res, r.now().UTC())
	if err != nil {
		return err
	}

	r.rows = append(r.rows, rows...)

	return nil
}

// Rows returns the buffered rows.
func (r *ClickHouseResultsWriter) Rows() []ResultRow { return r.rows }

// Close inserts the buffered rows in batches.
func (r *ClickHouseResultsWriter) Close() error {
	if len(r.rows) == 0 {
		return nil
	}

	if r.parent.conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.parent.cfg.InsertTimeout)
	defer cancel()

	size := r.parent.cfg.BatchSize

	for start := 0; start < len(r.rows); start += size {
		end := min(start+size, len(r.rows))

		if err := r.parent.insert(ctx, r.rows[start:end]); err != nil {
			return err
		}
	}

	r.parent.log.WithFields(logrus.Fields{
		"run_id": r.runID,
		"rows":   len(r.rows),
	}).Info("Stored results in ClickHouse")

	r.rows = r.rows[:0]

	return nil
}

func (w *ClickHouseWriter) insert(ctx context.Context, rows []ResultRow) error {
	start := time.Now()
	table := fmt.Sprintf("%s.%s", w.cfg.Database, w.cfg.Table)

	batch, err := w.conn.PrepareBatch(
		ctx,
		fmt.Sprintf(
			"INSERT INTO %s (updated_date_time, run_id, evaluation, meter, result_key, kind, value, value_json)",
			table,
		),
	)
	if err != nil {
		w.recordBatchError("prepare")

		return fmt.Errorf("preparing batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(
			row.UpdatedAt,
			row.RunID,
			row.Evaluation,
			row.Meter,
			row.ResultKey,
			row.Kind,
			row.Value,
			row.ValueJSON,
		); err != nil {
			w.recordBatchError("append")

			return fmt.Errorf("appending row %s: %w", row.ResultKey, err)
		}
	}

	if err := batch.Send(); err != nil {
		w.recordBatchError("send")

		return fmt.Errorf("sending batch: %w", err)
	}

	if w.metrics != nil {
		w.metrics.ClickHouseBatchDuration.WithLabelValues("insert_results").
			Observe(time.Since(start).Seconds())
	}

	return nil
}

func (w *ClickHouseWriter) recordBatchError(errorType string) {
	if w.metrics != nil {
		w.metrics.ExportBatchErrors.WithLabelValues("clickhouse", errorType).Inc()
	}
}

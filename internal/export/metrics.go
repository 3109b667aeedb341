// Package export publishes evaluation activity and results to Prometheus,
// ClickHouse and HTTP collectors.
package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/armory/internal/instrument"
	"github.com/ethpandaops/armory/internal/profiler"
)

const namespace = "armory"

// MetricsConfig configures the Prometheus metrics server.
type MetricsConfig struct {
	// Enabled starts the server during a run.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address for the metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// Metrics exposes Prometheus metrics for evaluation runs.
type Metrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Runs
	RunsTotal        *prometheus.CounterVec // status
	RunDuration      prometheus.Histogram
	BatchesProcessed prometheus.Counter

	// Hub
	SamplesPublished *prometheus.CounterVec // stream
	MeterSamples     *prometheus.CounterVec // meter
	MetersFinalized  *prometheus.CounterVec // meter, status
	WriterFailures   *prometheus.CounterVec // writer

	// Profiler
	BlockDuration *prometheus.HistogramVec // block

	// Results
	ResultValue *prometheus.GaugeVec // run_id, result

	// Export Layer
	ClickHouseConnected     *prometheus.GaugeVec     // sink
	ClickHouseBatchDuration *prometheus.HistogramVec // operation
	ExportBatchErrors       *prometheus.CounterVec   // sink, error_type

	running atomic.Bool
}

var (
	_ instrument.Stats  = (*Metrics)(nil)
	_ profiler.Observer = (*Metrics)(nil)
)

// NewMetrics creates a new metrics server.
func NewMetrics(
	log logrus.FieldLogger,
	cfg MetricsConfig,
) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		log:      log.WithField("component", "metrics"),
		addr:     cfg.Addr,
		registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total evaluation runs by outcome.",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a complete evaluation run.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400}, // 1s-4h
		}),
		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_processed_total",
			Help:      "Total batches driven through the hub.",
		}),
		SamplesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_published_total",
				Help:      "Total samples published by stream.",
			},
			[]string{"stream"},
		),
		MeterSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "meter_samples_total",
				Help:      "Total per-sample values recorded by meter.",
			},
			[]string{"meter"},
		),
		MetersFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "meters_finalized_total",
				Help:      "Total meter finalizations by meter and status.",
			},
			[]string{"meter", "status"},
		),
		WriterFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writer_failures_total",
				Help:      "Total result writer errors and panics by writer.",
			},
			[]string{"writer"},
		),
		BlockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_duration_seconds",
				Help:      "Duration of profiled blocks.",
				Buckets:   blockBuckets(),
			},
			[]string{"block"},
		),
		ResultValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "result_value",
				Help:      "Headline value of each finalized result.",
			},
			[]string{"run_id", "result"},
		),
		ClickHouseConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clickhouse_connected",
				Help:      "Whether ClickHouse connection is established (1=yes, 0=no).",
			},
			[]string{"sink"},
		),
		ClickHouseBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "clickhouse_batch_duration_seconds",
				Help:      "Time to write a batch to ClickHouse by operation.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5}, // 1ms-500ms
			},
			[]string{"operation"},
		),
		ExportBatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_batch_errors_total",
				Help:      "Total export batch errors by sink and error type.",
			},
			[]string{"sink", "error_type"},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.BatchesProcessed,
		m.SamplesPublished,
		m.MeterSamples,
		m.MetersFinalized,
		m.WriterFailures,
		m.BlockDuration,
		m.ResultValue,
		m.ClickHouseConnected,
		m.ClickHouseBatchDuration,
		m.ExportBatchErrors,
	)

	return m
}

// blockBuckets mirrors the profiler's own duration buckets.
func blockBuckets() []float64 {
	bounds := profiler.BucketBounds()
	out := make([]float64, 0, len(bounds))

	for _, b := range bounds {
		if b > 0 {
			out = append(out, b.Seconds())
		}
	}

	return out
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Published implements instrument.Stats.
func (m *Metrics) Published(stream string, samples int) {
	m.SamplesPublished.WithLabelValues(stream).Add(float64(samples))
}

// MeterUpdated implements instrument.Stats.
func (m *Metrics) MeterUpdated(meter string, samples int) {
	m.MeterSamples.WithLabelValues(meter).Add(float64(samples))
}

// MeterFinalized implements instrument.Stats.
func (m *Metrics) MeterFinalized(meter string, failed bool) {
	status := "ok"
	if failed {
		status = "failed"
	}

	m.MetersFinalized.WithLabelValues(meter, status).Inc()
}

// WriterFailed implements instrument.Stats.
func (m *Metrics) WriterFailed(writer string) {
	m.WriterFailures.WithLabelValues(writer).Inc()
}

// ObserveBlock implements profiler.Observer.
func (m *Metrics) ObserveBlock(name string, d time.Duration) {
	m.BlockDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RunFinished records the outcome of one run.
func (m *Metrics) RunFinished(d time.Duration, batches int, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}

	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.BatchesProcessed.Add(float64(batches))
}

// Start begins serving the /metrics endpoint.
func (m *Metrics) Start(_ context.Context) error {
	if m.addr == "" {
		m.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", m.addr, err)
	}

	m.listener = ln

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	m.running.Store(true)

	go func() {
		m.log.WithField("addr", ln.Addr().String()).
			Info("Metrics server started")

		if err := m.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			m.log.WithError(err).
				Error("Metrics server error")
		}

		m.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (m *Metrics) Addr() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}

	return m.addr
}

// Stop shuts down the metrics server.
func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}

	return m.server.Close()
}

// GaugeWriter sets a result gauge for every finalized meter of one run.
type GaugeWriter struct {
	gauge *prometheus.GaugeVec
	runID string
}

var _ instrument.Writer = (*GaugeWriter)(nil)

// ResultWriter returns a writer publishing run results as gauges.
func (m *Metrics) ResultWriter(runID string) *GaugeWriter {
	return &GaugeWriter{gauge: m.ResultValue, runID: runID}
}

// Name returns the writer name.
func (w *GaugeWriter) Name() string { return "prometheus" }

// Write sets the gauge to the result's headline value. Results without a
// numeric summary are skipped.
func (w *GaugeWriter) Write(res instrument.Result) error {
	v, ok := instrument.Summary(res)
	if !ok {
		return nil
	}

	key := res.Name
	if res.HasFinal {
		key = res.FinalName
	}

	w.gauge.WithLabelValues(w.runID, key).Set(v)

	return nil
}

// Close is a no-op.
func (w *GaugeWriter) Close() error { return nil }

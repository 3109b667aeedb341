package runner

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/armory/internal/codec"
	"github.com/ethpandaops/armory/internal/evaluation"
	"github.com/ethpandaops/armory/internal/export"
	httpexport "github.com/ethpandaops/armory/internal/export/http"
	"github.com/ethpandaops/armory/internal/matrix"
	"github.com/ethpandaops/armory/internal/migrate"
)

// Config is the top-level configuration of an evaluation.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Evaluation names the evaluation in logs and stored results.
	// Defaults to "evaluation".
	Evaluation string `yaml:"evaluation"`

	// Input is the recorded batch file, newline delimited JSON optionally
	// compressed (.gz, .zst, .zz, .sz).
	Input string `yaml:"input"`

	// OutputDir receives one directory per run. Defaults to "outputs".
	OutputDir string `yaml:"output_dir"`

	// Metric configures the meters of every run.
	Metric evaluation.Config `yaml:"metric"`

	// WrtBenignPredictions also scores adversarial predictions against
	// benign predictions.
	WrtBenignPredictions bool `yaml:"wrt_benign_predictions"`

	// SkipBenign skips the benign stage.
	SkipBenign bool `yaml:"skip_benign"`

	// SkipAttack skips the attack and adversarial stages.
	SkipAttack bool `yaml:"skip_attack"`

	// Predictions configures the per-sample predictions file.
	Predictions PredictionsConfig `yaml:"predictions"`

	// Metrics configures the Prometheus metrics server.
	Metrics export.MetricsConfig `yaml:"metrics"`

	// ClickHouse configures result storage.
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`

	// HTTP configures NDJSON result streaming.
	HTTP httpexport.Config `yaml:"http"`

	// Matrix configures repeated runs over a parameter matrix.
	Matrix MatrixConfig `yaml:"matrix"`
}

// PredictionsConfig configures the predictions exporter.
type PredictionsConfig struct {
	// Enabled writes predictions.json into the run directory.
	Enabled bool `yaml:"enabled"`

	// EveryNBatches exports every n-th batch. 0 exports all.
	EveryNBatches int `yaml:"every_n_batches"`

	// Compression of the predictions file: none, gzip, zstd, zlib, snappy.
	Compression string `yaml:"compression"`
}

// MatrixConfig configures a parameter matrix. Parameter names are dotted
// configuration paths such as "metric.task" or "input".
type MatrixConfig struct {
	Params []matrix.Param `yaml:"params"`

	// Exclude prunes rows containing all pairs of any listed row.
	Exclude []matrix.Row `yaml:"exclude"`

	// Parallel bounds concurrent runs. Defaults to 1.
	Parallel int `yaml:"parallel"`

	// Worker and Workers select a partition of the matrix.
	Worker  int `yaml:"worker"`
	Workers int `yaml:"workers"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		Evaluation: "evaluation",
		OutputDir:  "outputs",
		Predictions: PredictionsConfig{
			Compression: string(codec.None),
		},
		Metrics: export.MetricsConfig{
			Addr: ":9090",
		},
		HTTP: httpexport.DefaultConfig(),
		Matrix: MatrixConfig{
			Parallel: 1,
			Workers:  1,
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.Input == "" {
		return errors.New("input is required")
	}

	if c.OutputDir == "" {
		return errors.New("output_dir is required")
	}

	if err := c.Metric.Validate(); err != nil {
		return fmt.Errorf("metric: %w", err)
	}

	if c.SkipBenign && c.SkipAttack {
		return errors.New("skip_benign and skip_attack leave nothing to evaluate")
	}

	if _, err := codec.ParseAlgorithm(c.Predictions.Compression); err != nil {
		return fmt.Errorf("predictions: %w", err)
	}

	if c.Predictions.EveryNBatches < 0 {
		return errors.New("predictions.every_n_batches must not be negative")
	}

	if c.ClickHouse.Enabled && c.ClickHouse.Endpoint == "" {
		return errors.New("clickhouse.endpoint is required when enabled")
	}

	if c.ClickHouse.Migrate && c.ClickHouse.Table != "" && c.ClickHouse.Table != migrate.ResultsTable {
		return fmt.Errorf("clickhouse.migrate only manages table %s", migrate.ResultsTable)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	if c.Matrix.Parallel < 0 {
		return errors.New("matrix.parallel must not be negative")
	}

	return nil
}

// WithRow returns a copy of the configuration with every dotted path of row
// set to its value.
func (c *Config) WithRow(row matrix.Row) (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	for path, v := range row {
		if err := setPath(doc, strings.Split(path, "."), v); err != nil {
			return nil, fmt.Errorf("matrix parameter %s: %w", path, err)
		}
	}

	if data, err = yaml.Marshal(doc); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	out := &Config{}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("applying matrix row: %w", err)
	}

	out.Matrix = MatrixConfig{}

	return out, nil
}

func setPath(doc map[string]any, path []string, v any) error {
	if len(path) == 1 {
		doc[path[0]] = v

		return nil
	}

	next, ok := doc[path[0]]
	if !ok || next == nil {
		next = map[string]any{}
		doc[path[0]] = next
	}

	m, ok := next.(map[string]any)
	if !ok {
		return fmt.Errorf("%s is not a section", path[0])
	}

	return setPath(m, path[1:], v)
}

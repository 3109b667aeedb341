package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/armory/internal/evaluation"
	"github.com/ethpandaops/armory/internal/matrix"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "evaluation", cfg.Evaluation)
	assert.Equal(t, "outputs", cfg.OutputDir)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, 1, cfg.Matrix.Parallel)
	assert.False(t, cfg.HTTP.Enabled)
}

func TestLoadConfig(t *testing.T) {
	yaml := `
log_level: debug
evaluation: cifar10_pgd
input: batches.jsonl.zst
output_dir: /tmp/armory
metric:
  task: [categorical_accuracy, top_5_categorical_accuracy]
  perturbation: linf
  include_targeted: false
wrt_benign_predictions: true
predictions:
  enabled: true
  every_n_batches: 10
  compression: zstd
metrics:
  enabled: true
  addr: ":9191"
http:
  enabled: true
  address: "http://vector:8080"
  flush_interval: 2s
matrix:
  parallel: 4
  params:
    - name: metric.task
      values: [categorical_accuracy, word_error_rate]
  exclude:
    - metric.task: word_error_rate
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "cifar10_pgd", cfg.Evaluation)
	assert.Equal(t, evaluation.StringList{"categorical_accuracy", "top_5_categorical_accuracy"}, cfg.Metric.Task)
	assert.Equal(t, evaluation.StringList{"linf"}, cfg.Metric.Perturbation)
	assert.False(t, cfg.Metric.Targeted())
	assert.True(t, cfg.WrtBenignPredictions)
	assert.Equal(t, 10, cfg.Predictions.EveryNBatches)
	assert.Equal(t, ":9191", cfg.Metrics.Addr)
	assert.Equal(t, 2*time.Second, cfg.HTTP.FlushInterval)
	assert.Equal(t, 500, cfg.HTTP.BatchSize)
	assert.Equal(t, 4, cfg.Matrix.Parallel)
	require.Len(t, cfg.Matrix.Params, 1)
	assert.Equal(t, "metric.task", cfg.Matrix.Params[0].Name)
	assert.Equal(t, []matrix.Row{{"metric.task": "word_error_rate"}}, cfg.Matrix.Exclude)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("input: [unclosed"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing input",
			mutate:  func(c *Config) { c.Input = "" },
			wantErr: "input is required",
		},
		{
			name: "metric kwargs mismatch",
			mutate: func(c *Config) {
				c.Metric.Task = evaluation.StringList{"categorical_accuracy"}
				c.Metric.TaskKwargs = evaluation.KwargsList{nil, nil}
			},
			wantErr: "metric:",
		},
		{
			name:    "nothing to evaluate",
			mutate:  func(c *Config) { c.SkipBenign, c.SkipAttack = true, true },
			wantErr: "nothing to evaluate",
		},
		{
			name:    "bad predictions compression",
			mutate:  func(c *Config) { c.Predictions.Compression = "lzma" },
			wantErr: "predictions:",
		},
		{
			name:    "clickhouse without endpoint",
			mutate:  func(c *Config) { c.ClickHouse.Enabled = true },
			wantErr: "clickhouse.endpoint",
		},
		{
			name: "migrate with custom table",
			mutate: func(c *Config) {
				c.ClickHouse.Enabled = true
				c.ClickHouse.Endpoint = "clickhouse:9000"
				c.ClickHouse.Migrate = true
				c.ClickHouse.Table = "my_results"
			},
			wantErr: "clickhouse.migrate",
		},
		{
			name:    "http without address",
			mutate:  func(c *Config) { c.HTTP.Enabled = true },
			wantErr: "http:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Input = "batches.jsonl"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_WithRow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Input = "a.jsonl"
	cfg.Metric.Task = evaluation.StringList{"categorical_accuracy"}
	cfg.HTTP.FlushInterval = 3 * time.Second
	cfg.Matrix.Params = []matrix.Param{matrix.Values("input", "a.jsonl", "b.jsonl")}

	out, err := cfg.WithRow(matrix.Row{
		"input":                       "b.jsonl",
		"metric.task":                 "word_error_rate",
		"metric.include_adversarial":  false,
		"predictions.every_n_batches": 5,
	})
	require.NoError(t, err)

	assert.Equal(t, "b.jsonl", out.Input)
	assert.Equal(t, evaluation.StringList{"word_error_rate"}, out.Metric.Task)
	assert.Nil(t, out.Metric.TaskKwargs)
	assert.False(t, out.Metric.Adversarial())
	assert.True(t, out.Metric.Benign())
	assert.Equal(t, 5, out.Predictions.EveryNBatches)
	assert.Equal(t, 3*time.Second, out.HTTP.FlushInterval)
	assert.Empty(t, out.Matrix.Params)
	require.NoError(t, out.Validate())

	// The receiver is untouched.
	assert.Equal(t, "a.jsonl", cfg.Input)
	assert.Equal(t, evaluation.StringList{"categorical_accuracy"}, cfg.Metric.Task)
}

func TestConfig_WithRowNotASection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Input = "a.jsonl"

	_, err := cfg.WithRow(matrix.Row{"input.path": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a section")
}

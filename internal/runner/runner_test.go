package runner

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/armory/internal/evaluation"
	"github.com/ethpandaops/armory/internal/matrix"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return log
}

func writeBatches(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	return path
}

func testConfig(t *testing.T) *Config {
	t.Helper()

	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Evaluation = "unit"
	cfg.OutputDir = filepath.Join(dir, "outputs")
	cfg.Input = writeBatches(t, dir, "batches.jsonl",
		`{"y":[1,2],"y_pred":[1,0],"y_pred_adv":[0,0]}`,
		`{"y":[3,4],"y_pred":[3,4],"y_pred_adv":[3,0]}`,
	)
	cfg.Metric.Task = evaluation.StringList{"categorical_accuracy"}
	cfg.Metric.IncludeTargeted = new(bool)

	require.NoError(t, cfg.Validate())

	return cfg
}

func TestRunner_Run(t *testing.T) {
	cfg := testConfig(t)
	cfg.Predictions.Enabled = true
	cfg.WrtBenignPredictions = true

	r, err := New(testLog(), cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	defer r.Stop()

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "unit", rep.Evaluation)
	assert.Equal(t, 2, rep.Batches)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, filepath.Join(cfg.OutputDir, rep.RunID), rep.Dir)
	assert.InDelta(t, 0.75, rep.Results["benign_mean_categorical_accuracy"], 1e-9)
	assert.InDelta(t, 0.25, rep.Results["adversarial_mean_categorical_accuracy"], 1e-9)
	assert.InDelta(t, 0.5, rep.Results["adversarial_mean_categorical_accuracy_wrt_benign_preds"], 1e-9)
	assert.NotContains(t, rep.Results, "targeted_adversarial_mean_categorical_accuracy")

	require.NotEmpty(t, rep.Predictions)
	assert.FileExists(t, rep.Predictions)

	data, err := os.ReadFile(filepath.Join(rep.Dir, "results.json"))
	require.NoError(t, err)

	var saved map[string]any
	require.NoError(t, json.Unmarshal(data, &saved))

	assert.Equal(t, rep.RunID, saved["run_id"])
	assert.InDelta(t, 2, saved["batches"], 0)

	results, ok := saved["results"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.75, results["benign_mean_categorical_accuracy"], 1e-9)
}

func TestRunner_RunMissingInput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Input = filepath.Join(t.TempDir(), "missing.jsonl")

	r, err := New(testLog(), cfg)
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunner_RunMalformedBatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Input = writeBatches(t, t.TempDir(), "bad.jsonl",
		`{"y":[1],"y_pred":[1]}`,
		`{"y":[1,2],"y_pred":[1]}`,
	)

	r, err := New(testLog(), cfg)
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running evaluation")
}

func TestRunner_RunMatrix(t *testing.T) {
	cfg := testConfig(t)
	other := writeBatches(t, t.TempDir(), "other.jsonl",
		`{"y":[1,2],"y_pred":[1,2],"y_pred_adv":[1,2]}`,
	)

	cfg.Matrix.Parallel = 2
	cfg.Matrix.Params = []matrix.Param{
		matrix.Values("input", cfg.Input, other),
		matrix.Values("metric.include_adversarial", true, false),
	}
	cfg.Matrix.Exclude = []matrix.Row{{"input": other, "metric.include_adversarial": false}}

	r, err := New(testLog(), cfg)
	require.NoError(t, err)

	outcomes, err := r.RunMatrix(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	for _, o := range outcomes {
		require.NoError(t, o.Err)
		assert.Equal(t, o.Row, o.Value.Matrix)
	}

	assert.InDelta(t, 0.25, outcomes[0].Value.Results["adversarial_mean_categorical_accuracy"], 1e-9)
	assert.NotContains(t, outcomes[1].Value.Results, "adversarial_mean_categorical_accuracy")
	assert.InDelta(t, 1.0, outcomes[2].Value.Results["benign_mean_categorical_accuracy"], 1e-9)

	// Every run writes into its own directory.
	assert.NotEqual(t, outcomes[0].Value.Dir, outcomes[1].Value.Dir)
}

func TestRunner_RunMatrixInvalidPartition(t *testing.T) {
	cfg := testConfig(t)
	cfg.Matrix.Worker = 3
	cfg.Matrix.Workers = 2

	r, err := New(testLog(), cfg)
	require.NoError(t, err)

	_, err = r.RunMatrix(context.Background())
	assert.ErrorIs(t, err, matrix.ErrInvalidPartition)
}

func TestReport_MarshalJSON(t *testing.T) {
	rep := &Report{
		RunID:    "run",
		Duration: 2 * time.Second,
		Results: map[string]any{
			"nan":  math.NaN(),
			"mean": 0.5,
		},
	}

	data, err := json.Marshal(rep)
	require.NoError(t, err)

	var out struct {
		DurationNS int64          `json:"duration_ns"`
		Results    map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, int64(2*time.Second), out.DurationNS)
	assert.Nil(t, out.Results["nan"])
	assert.Contains(t, out.Results, "nan")
	assert.InDelta(t, 0.5, out.Results["mean"], 0)

	// The report itself keeps the NaN.
	assert.True(t, math.IsNaN(rep.Results["nan"].(float64)))
	assert.Equal(t, []string{"mean", "nan"}, rep.ResultKeys())
}

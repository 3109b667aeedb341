package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/armory/internal/metrics"
)

func TestConfig_YAMLScalarAndList(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		assert func(t *testing.T, cfg Config)
	}{
		{
			name: "scalar task",
			yaml: "task: categorical_accuracy\nperturbation: linf\n",
			assert: func(t *testing.T, cfg Config) {
				t.Helper()
				assert.Equal(t, StringList{"categorical_accuracy"}, cfg.Task)
				assert.Equal(t, StringList{"linf"}, cfg.Perturbation)
				assert.Nil(t, cfg.TaskKwargs)
			},
		},
		{
			name: "list with kwargs",
			yaml: "task: [categorical_accuracy, object_detection_AP_per_class]\n" +
				"task_kwargs:\n  - null\n  - {iou_threshold: 0.3}\n",
			assert: func(t *testing.T, cfg Config) {
				t.Helper()
				assert.Len(t, cfg.Task, 2)
				require.Len(t, cfg.TaskKwargs, 2)
				assert.Nil(t, cfg.TaskKwargs[0])
				assert.Equal(t, 0.3, cfg.TaskKwargs[1]["iou_threshold"])
			},
		},
		{
			name: "single kwargs mapping",
			yaml: "task: object_detection_AP_per_class\ntask_kwargs: {iou_threshold: 0.7}\n",
			assert: func(t *testing.T, cfg Config) {
				t.Helper()
				require.Len(t, cfg.TaskKwargs, 1)
				assert.NoError(t, cfg.Validate())
			},
		},
		{
			name: "null task",
			yaml: "task: null\nmeans: false\n",
			assert: func(t *testing.T, cfg Config) {
				t.Helper()
				assert.Nil(t, cfg.Task)
				assert.False(t, cfg.UseMeans())
			},
		},
		{
			name: "unknown option lands in extra",
			yaml: "task: l2\nfancy: 1\n",
			assert: func(t *testing.T, cfg Config) {
				t.Helper()
				assert.Contains(t, cfg.Extra, "fancy")
				assert.ErrorIs(t, cfg.Validate(), ErrUnexpectedOption)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			require.NoError(t, yaml.Unmarshal([]byte(tt.yaml), &cfg))
			tt.assert(t, cfg)
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config

	assert.True(t, cfg.UseMeans())
	assert.True(t, cfg.Benign())
	assert.True(t, cfg.Adversarial())
	assert.True(t, cfg.Targeted())
	assert.Nil(t, cfg.kwargsFor(0))
	assert.NoError(t, cfg.Validate())
}

func TestConfig_KwargsMismatchIgnoredWithoutTask(t *testing.T) {
	cfg := Config{TaskKwargs: KwargsList{{"k": 1}}}
	assert.NoError(t, cfg.Validate())

	cfg.Task = StringList{"a", "b"}
	assert.ErrorIs(t, cfg.Validate(), ErrKwargsMismatch)
}

func TestConfigFromMap(t *testing.T) {
	cfg, err := ConfigFromMap(map[string]any{
		"task":                     "word_error_rate",
		"include_targeted":         false,
		"task_kwargs":              []any{map[string]any{"foo": "bar"}},
		"record_metric_per_sample": true,
	})
	require.NoError(t, err)

	assert.Equal(t, StringList{"word_error_rate"}, cfg.Task)
	assert.False(t, cfg.Targeted())
	assert.Equal(t, KwargsList{metrics.Kwargs{"foo": "bar"}}, cfg.TaskKwargs)
	require.NotNil(t, cfg.RecordMetricPerSample)
	assert.Empty(t, cfg.Extra)
}

func TestStringList_RejectsMapping(t *testing.T) {
	var cfg Config

	err := yaml.Unmarshal([]byte("task: {a: b}\n"), &cfg)
	assert.Error(t, err)
}

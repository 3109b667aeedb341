package evaluation

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/armory/internal/codec"
)

func TestPredictionsExporter_Directory(t *testing.T) {
	base := t.TempDir()

	first, err := NewPredictionsExporter(testLog(), base, codec.None, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "saved_samples"), first.Dir())

	now := func() time.Time { return time.Unix(1700000000, 500_000_000) }

	second, err := NewPredictionsExporter(testLog(), base, codec.None, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "saved_samples_1700000000.5"), second.Dir())

	info, err := os.Stat(second.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPredictionsExporter_MissingBase(t *testing.T) {
	_, err := NewPredictionsExporter(testLog(), filepath.Join(t.TempDir(), "nope"), codec.None, nil)
	assert.Error(t, err)
}

func TestPredictionsExporter_Write(t *testing.T) {
	x, err := NewPredictionsExporter(testLog(), t.TempDir(), codec.None, nil)
	require.NoError(t, err)

	x.Export(&Batch{Y: []any{1, 2}, YPred: []any{1, 0}})
	x.Export(&Batch{Y: []any{3}, YPred: []any{3}, YPredAdv: []any{0}})

	path, err := x.Write()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(x.Dir(), "predictions.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	require.Len(t, got, 3)
	assert.Equal(t, map[string]any{"ground truth": 2.0, "predicted": 0.0}, got["1"])
	assert.Equal(t, map[string]any{
		"ground truth":     3.0,
		"predicted":        0.0,
		"predicted benign": 3.0,
	}, got["2"])
}

func TestPredictionsExporter_WriteCompressed(t *testing.T) {
	x, err := NewPredictionsExporter(testLog(), t.TempDir(), codec.Gzip, nil)
	require.NoError(t, err)

	x.Export(&Batch{Y: []any{"a"}, YPred: []any{"b"}})

	path, err := x.Write()
	require.NoError(t, err)
	assert.Equal(t, ".gz", filepath.Ext(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	data, err := codec.Decompress(codec.Gzip, raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"0": {"ground truth": "a", "predicted": "b"}}`, string(data))
}

type failingClose struct {
	bytes.Buffer
}

func (f *failingClose) Close() error { return errors.New("disk quota exceeded") }

func TestPredictionsExporter_WriteCloseError(t *testing.T) {
	x, err := NewPredictionsExporter(testLog(), t.TempDir(), codec.None, nil)
	require.NoError(t, err)

	out := &failingClose{}
	x.create = func(string) (io.WriteCloser, error) { return out, nil }

	x.Export(&Batch{Y: []any{1}, YPred: []any{1}})

	path, err := x.Write()
	require.Error(t, err)
	assert.Empty(t, path)
	assert.Contains(t, err.Error(), "closing predictions file: disk quota exceeded")

	// The encoded samples were written before the close failed.
	assert.Contains(t, out.String(), `"ground truth":1`)
}

package evaluation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/armory/internal/codec"
)

// SamplePrediction is the exported record of one sample.
type SamplePrediction struct {
	GroundTruth     any `json:"ground truth"`
	Predicted       any `json:"predicted"`
	PredictedBenign any `json:"predicted benign,omitempty"`
}

// PredictionsExporter collects per-sample labels and predictions and
// writes them to a predictions file in its own output directory.
type PredictionsExporter struct {
	log       logrus.FieldLogger
	dir       string
	algorithm codec.Algorithm
	create    func(path string) (io.WriteCloser, error)

	samples map[int]SamplePrediction
	saved   int
}

// NewPredictionsExporter creates the output directory "saved_samples"
// below baseDir, or "saved_samples_<unix time>" when that already exists.
func NewPredictionsExporter(
	log logrus.FieldLogger,
	baseDir string,
	algorithm codec.Algorithm,
	now func() time.Time,
) (*PredictionsExporter, error) {
	log = log.WithField("component", "predictions_exporter")

	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("checking output directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("output path %s is not a directory", baseDir)
	}

	if now == nil {
		now = time.Now
	}

	dir := filepath.Join(baseDir, "saved_samples")
	if _, err := os.Stat(dir); err == nil {
		log.WithField("dir", dir).Warn("Sample output directory already exists. Creating new directory")

		ts := float64(now().UnixNano()) / float64(time.Second)
		dir = filepath.Join(baseDir, "saved_samples_"+strconv.FormatFloat(ts, 'f', -1, 64))
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sample output directory: %w", err)
	}

	return &PredictionsExporter{
		log:       log,
		dir:       dir,
		algorithm: algorithm,
		create:    createFile,
		samples:   make(map[int]SamplePrediction, 64),
	}, nil
}

// Dir returns the output directory.
func (x *PredictionsExporter) Dir() string { return x.dir }

// Saved returns the number of exported samples.
func (x *PredictionsExporter) Saved() int { return x.saved }

// Export records every sample of b. Adversarial predictions are preferred
// over benign ones.
func (x *PredictionsExporter) Export(b *Batch) {
	n := max(len(b.Y), len(b.YPred), len(b.YPredAdv))

	for i := range n {
		rec := SamplePrediction{
			GroundTruth: at(b.Y, i),
			Predicted:   at(b.YPredAdv, i),
		}

		if rec.Predicted == nil {
			rec.Predicted = at(b.YPred, i)
		} else {
			rec.PredictedBenign = at(b.YPred, i)
		}

		x.samples[x.saved] = rec
		x.saved++
	}
}

func at(values []any, i int) any {
	if i < len(values) {
		return values[i]
	}

	return nil
}

// Write stores all recorded samples as predictions.json, compressed with
// the configured algorithm, and returns the file path.
func (x *PredictionsExporter) Write() (string, error) {
	path := filepath.Join(x.dir, "predictions.json"+x.algorithm.Extension())

	f, err := x.create(path)
	if err != nil {
		return "", fmt.Errorf("creating predictions file: %w", err)
	}

	if err := x.encode(f); err != nil {
		_ = f.Close()

		return "", err
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing predictions file: %w", err)
	}

	x.log.WithFields(logrus.Fields{
		"path":    path,
		"samples": x.saved,
	}).Info("Saved predictions")

	return path, nil
}

func (x *PredictionsExporter) encode(out io.Writer) error {
	buf := bufio.NewWriter(out)

	w, err := codec.NewWriter(buf, x.algorithm)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(w).Encode(x.samples); err != nil {
		return fmt.Errorf("encoding predictions: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("flushing predictions: %w", err)
	}

	if err := buf.Flush(); err != nil {
		return fmt.Errorf("writing predictions: %w", err)
	}

	return nil
}

func createFile(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

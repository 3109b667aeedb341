package evaluation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/armory/internal/instrument"
	"github.com/ethpandaops/armory/internal/profiler"
)

// Profiled block names.
const (
	BlockBenignPredict      = "benign/predict"
	BlockAttackGenerate     = "attack/generate"
	BlockAdversarialPredict = "adversarial/predict"
)

// Stages set on the hub while a batch is processed.
const (
	StageBenign      = "benign"
	StageAttack      = "attack"
	StageAdversarial = "adversarial"
)

// Batch is one recorded evaluation step. Missing fields are produced by the
// engine's model or attack when configured, otherwise their stage is
// skipped.
type Batch struct {
	Index    int   `json:"index"`
	X        []any `json:"x,omitempty"`
	XAdv     []any `json:"x_adv,omitempty"`
	Y        []any `json:"y,omitempty"`
	YPred    []any `json:"y_pred,omitempty"`
	YPredAdv []any `json:"y_pred_adv,omitempty"`
	YTarget  []any `json:"y_target,omitempty"`
}

// BatchSource yields batches until it returns io.EOF.
type BatchSource interface {
	Next(ctx context.Context) (*Batch, error)
}

// Model predicts labels for inputs.
type Model interface {
	Predict(ctx context.Context, x []any) ([]any, error)
}

// Attack perturbs inputs. A targeted attack also returns its target labels.
type Attack interface {
	Generate(ctx context.Context, x, y []any) (xAdv, yTarget []any, err error)
}

// Engine drives batches through the hub stage by stage.
type Engine struct {
	log      logrus.FieldLogger
	hub      *instrument.Hub
	profiler *profiler.Profiler
	source   BatchSource

	model       Model
	attack      Attack
	exporter    *PredictionsExporter
	exportEvery int
	skipBenign  bool
	skipAttack  bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithModel predicts batches lacking predictions.
func WithModel(m Model) EngineOption {
	return func(e *Engine) {
		e.model = m
	}
}

// WithAttack generates adversarial inputs for batches lacking them.
func WithAttack(a Attack) EngineOption {
	return func(e *Engine) {
		e.attack = a
	}
}

// WithExporter saves predictions of every n-th batch. n <= 0 saves all.
func WithExporter(x *PredictionsExporter, n int) EngineOption {
	return func(e *Engine) {
		e.exporter = x
		e.exportEvery = n
	}
}

// WithSkipBenign skips the benign stage.
func WithSkipBenign() EngineOption {
	return func(e *Engine) {
		e.skipBenign = true
	}
}

// WithSkipAttack skips the attack and adversarial stages.
func WithSkipAttack() EngineOption {
	return func(e *Engine) {
		e.skipAttack = true
	}
}

// NewEngine creates an Engine publishing to hub.
func NewEngine(
	log logrus.FieldLogger,
	hub *instrument.Hub,
	prof *profiler.Profiler,
	source BatchSource,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		log:      log.WithField("component", "engine"),
		hub:      hub,
		profiler: prof,
		source:   source,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.profiler == nil {
		e.profiler = profiler.New(log)
	}

	return e
}

// Run processes batches until the source is exhausted and returns how
// many were processed. The hub is left open for the caller to close.
func (e *Engine) Run(ctx context.Context) (int, error) {
	n := 0

	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		batch, err := e.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return n, fmt.Errorf("reading batch %d: %w", n, err)
		}

		if err := e.step(ctx, batch); err != nil {
			return n, fmt.Errorf("batch %d: %w", batch.Index, err)
		}

		n++
	}

	e.log.WithField("batches", n).Info("Evaluation finished")

	return n, nil
}

func (e *Engine) step(ctx context.Context, b *Batch) error {
	e.hub.NextBatch(b.Index)

	if !e.skipBenign {
		if err := e.runBenign(ctx, b); err != nil {
			return err
		}
	}

	if !e.skipAttack {
		if err := e.runAttack(ctx, b); err != nil {
			return err
		}
	}

	if e.exporter != nil && (e.exportEvery <= 0 || b.Index%e.exportEvery == 0) {
		e.exporter.Export(b)
	}

	return nil
}

func (e *Engine) runBenign(ctx context.Context, b *Batch) error {
	e.hub.SetContext(StageBenign)

	if b.YPred == nil && e.model != nil && b.X != nil {
		err := e.profiler.Measure(BlockBenignPredict, func() (err error) {
			b.YPred, err = e.model.Predict(ctx, b.X)

			return err
		})
		if err != nil {
			return fmt.Errorf("benign prediction: %w", err)
		}
	}

	if b.Y == nil || b.YPred == nil {
		return nil
	}

	return e.hub.UpdateTask(b.Y, b.YPred, false, false)
}

func (e *Engine) runAttack(ctx context.Context, b *Batch) error {
	e.hub.SetContext(StageAttack)

	if b.XAdv == nil && e.attack != nil && b.X != nil {
		err := e.profiler.Measure(BlockAttackGenerate, func() (err error) {
			var target []any

			b.XAdv, target, err = e.attack.Generate(ctx, b.X, b.Y)
			if b.YTarget == nil {
				b.YTarget = target
			}

			return err
		})
		if err != nil {
			return fmt.Errorf("attack generation: %w", err)
		}
	}

	if b.X != nil && b.XAdv != nil {
		if err := e.hub.UpdatePerturbation(b.X, b.XAdv); err != nil {
			return err
		}
	}

	e.hub.SetContext(StageAdversarial)

	if b.YPredAdv == nil && e.model != nil && b.XAdv != nil {
		err := e.profiler.Measure(BlockAdversarialPredict, func() (err error) {
			b.YPredAdv, err = e.model.Predict(ctx, b.XAdv)

			return err
		})
		if err != nil {
			return fmt.Errorf("adversarial prediction: %w", err)
		}
	}

	if b.YPredAdv == nil {
		return nil
	}

	if b.Y != nil {
		if err := e.hub.UpdateTask(b.Y, b.YPredAdv, true, false); err != nil {
			return err
		}
	}

	if b.YTarget != nil {
		return e.hub.UpdateTask(b.YTarget, b.YPredAdv, true, true)
	}

	return nil
}

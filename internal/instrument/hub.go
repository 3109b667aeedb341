package instrument

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Stream names published by the evaluation driver.
const (
	StreamX        = "scenario.x"
	StreamXAdv     = "scenario.x_adv"
	StreamY        = "scenario.y"
	StreamYPred    = "scenario.y_pred"
	StreamYTarget  = "scenario.y_target"
	StreamYPredAdv = "scenario.y_pred_adv"
)

// DefaultStage is the stage before SetContext is called.
const DefaultStage = "default"

var (
	// ErrAlreadyConnected is returned when a meter name is connected twice.
	ErrAlreadyConnected = errors.New("meter already connected")

	// ErrUnknownMeter is returned when a writer names an unconnected meter.
	ErrUnknownMeter = errors.New("unknown meter")

	// ErrHubClosed is returned when a closed hub is used.
	ErrHubClosed = errors.New("hub closed")

	// ErrTargetedBenign is returned for a targeted update without adversarial.
	ErrTargetedBenign = errors.New("benign task cannot be targeted")
)

// Context is the position of the driver within a run.
type Context struct {
	Stage string
	Batch int
}

type writerBinding struct {
	writer    Writer
	meters    []string
	isDefault bool
}

// Hub routes published stream values to meters and hands finalized meters
// to writers. A Hub serves one run and is not safe for concurrent use.
type Hub struct {
	log   logrus.FieldLogger
	stats Stats

	meters  []*Meter
	byName  map[string]*Meter
	streams map[string][]*Meter
	writers []writerBinding

	ctx     Context
	pending map[string][]any
	fresh   map[*Meter]map[string]bool

	closed bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithStats reports hub activity to s.
func WithStats(s Stats) HubOption {
	return func(h *Hub) {
		if s != nil {
			h.stats = s
		}
	}
}

// NewHub creates an empty hub.
func NewHub(log logrus.FieldLogger, opts ...HubOption) *Hub {
	h := &Hub{
		log:     log.WithField("component", "hub"),
		stats:   NopStats,
		byName:  make(map[string]*Meter, 16),
		streams: make(map[string][]*Meter, 8),
		ctx:     Context{Stage: DefaultStage},
		pending: make(map[string][]any, 8),
		fresh:   make(map[*Meter]map[string]bool, 16),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// ConnectMeter subscribes a meter to its input streams.
func (h *Hub) ConnectMeter(m *Meter) error {
	if h.closed {
		return ErrHubClosed
	}

	if _, ok := h.byName[m.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, m.Name())
	}

	h.meters = append(h.meters, m)
	h.byName[m.Name()] = m
	h.fresh[m] = make(map[string]bool, len(m.inputs))

	for _, in := range m.inputs {
		h.streams[in] = append(h.streams[in], m)
	}

	h.log.WithFields(logrus.Fields{
		"meter":  m.Name(),
		"inputs": m.inputs,
	}).Debug("Connected meter")

	return nil
}

// Meter returns a connected meter by name.
func (h *Hub) Meter(name string) (*Meter, bool) {
	m, ok := h.byName[name]

	return m, ok
}

// ConnectWriter subscribes w to the named meters. A default writer instead
// receives every meter connected when the hub closes.
func (h *Hub) ConnectWriter(w Writer, meters []string, isDefault bool) error {
	if h.closed {
		return ErrHubClosed
	}

	if !isDefault {
		for _, name := range meters {
			if _, ok := h.byName[name]; !ok {
				return fmt.Errorf("%w: %s (writer %s)", ErrUnknownMeter, name, w.Name())
			}
		}
	}

	h.writers = append(h.writers, writerBinding{
		writer:    w,
		meters:    append([]string(nil), meters...),
		isDefault: isDefault,
	})

	return nil
}

// SetContext records the current stage. It does not affect routing.
func (h *Hub) SetContext(stage string) {
	h.ctx.Stage = stage

	h.log.WithFields(logrus.Fields{
		"stage": stage,
		"batch": h.ctx.Batch,
	}).Debug("Context changed")
}

// NextBatch starts a new batch and drops values published for the last one.
func (h *Hub) NextBatch(batch int) {
	h.ctx.Batch = batch

	clear(h.pending)

	for _, f := range h.fresh {
		clear(f)
	}
}

// Context returns the current context.
func (h *Hub) Context() Context { return h.ctx }

// Publish delivers values to every meter subscribed to stream. A meter
// updates once all its inputs have been published since its last update,
// using the latest value of each input.
func (h *Hub) Publish(stream string, values []any) error {
	if h.closed {
		return fmt.Errorf("publishing %s: %w", stream, ErrHubClosed)
	}

	h.pending[stream] = values
	h.stats.Published(stream, len(values))

	for _, m := range h.streams[stream] {
		fresh := h.fresh[m]
		fresh[stream] = true

		if len(fresh) < len(m.inputs) {
			continue
		}

		args := make(map[string][]any, len(m.inputs))
		for _, in := range m.inputs {
			args[in] = h.pending[in]
		}

		clear(fresh)

		before := m.Len()

		if err := m.Update(args); err != nil {
			return fmt.Errorf("publishing %s in stage %s: %w", stream, h.ctx.Stage, err)
		}

		h.stats.MeterUpdated(m.Name(), m.Len()-before)
	}

	return nil
}

// Publish converts a typed slice and publishes it on h.
func Publish[T any](h *Hub, stream string, values []T) error {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}

	return h.Publish(stream, out)
}

// UpdateTask publishes labels and predictions on the streams matching the
// task variant.
func (h *Hub) UpdateTask(y, yPred []any, adversarial, targeted bool) error {
	var yStream, predStream string

	switch {
	case targeted && !adversarial:
		return ErrTargetedBenign
	case targeted:
		yStream, predStream = StreamYTarget, StreamYPredAdv
	case adversarial:
		yStream, predStream = StreamY, StreamYPredAdv
	default:
		yStream, predStream = StreamY, StreamYPred
	}

	if err := h.Publish(yStream, y); err != nil {
		return err
	}

	return h.Publish(predStream, yPred)
}

// UpdatePerturbation publishes benign and adversarial inputs.
func (h *Hub) UpdatePerturbation(x, xAdv []any) error {
	if err := h.Publish(StreamX, x); err != nil {
		return err
	}

	return h.Publish(StreamXAdv, xAdv)
}

// Closed reports whether Close has run.
func (h *Hub) Closed() bool { return h.closed }

// Close finalizes every meter in connection order, hands the results to
// writers in the same order and closes the writers. Failures of one meter
// or writer do not stop the others; they are combined into the returned
// error. Calling Close again is a no-op.
func (h *Hub) Close() error {
	if h.closed {
		return nil
	}

	h.closed = true

	var errs error

	results := make(map[string]Result, len(h.meters))

	for _, m := range h.meters {
		if _, err := m.Finalize(); err != nil {
			h.log.WithError(err).WithField("meter", m.Name()).Error("Failed to finalize meter")
			h.stats.MeterFinalized(m.Name(), true)
			errs = multierr.Append(errs, err)

			continue
		}

		h.stats.MeterFinalized(m.Name(), false)
		results[m.Name()] = m.Result()
	}

	for _, b := range h.writers {
		for _, m := range h.subscribed(b) {
			res, ok := results[m.Name()]
			if !ok {
				continue
			}

			if err := h.write(b.writer, res); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	for _, b := range h.writers {
		if err := h.closeWriter(b.writer); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	h.log.WithFields(logrus.Fields{
		"meters":  len(h.meters),
		"writers": len(h.writers),
	}).Debug("Hub closed")

	return errs
}

// subscribed returns the writer's meters in connection order.
func (h *Hub) subscribed(b writerBinding) []*Meter {
	if b.isDefault {
		return h.meters
	}

	want := make(map[string]struct{}, len(b.meters))
	for _, name := range b.meters {
		want[name] = struct{}{}
	}

	out := make([]*Meter, 0, len(b.meters))

	for _, m := range h.meters {
		if _, ok := want[m.Name()]; ok {
			out = append(out, m)
		}
	}

	return out
}

func (h *Hub) write(w Writer, res Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("writer %s panicked on %s: %v", w.Name(), res.Name, r)
		}

		if err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"writer": w.Name(),
				"meter":  res.Name,
			}).Error("Writer failed")
			h.stats.WriterFailed(w.Name())
		}
	}()

	if err := w.Write(res); err != nil {
		return fmt.Errorf("writer %s on %s: %w", w.Name(), res.Name, err)
	}

	return nil
}

func (h *Hub) closeWriter(w Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("writer %s panicked on close: %v", w.Name(), r)
		}

		if err != nil {
			h.log.WithError(err).WithField("writer", w.Name()).Error("Writer close failed")
			h.stats.WriterFailed(w.Name())
		}
	}()

	if err := w.Close(); err != nil {
		return fmt.Errorf("closing writer %s: %w", w.Name(), err)
	}

	return nil
}

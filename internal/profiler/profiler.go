// Package profiler records execution counts and elapsed time of named code
// blocks during an evaluation run.
package profiler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Observer receives every recorded block duration.
type Observer interface {
	ObserveBlock(name string, d time.Duration)
}

// Profiler accumulates named block timings. Safe for concurrent use.
type Profiler struct {
	log      logrus.FieldLogger
	now      func() time.Time
	observer Observer

	mu     sync.RWMutex
	blocks map[string]*blockAggregate
}

// Option configures a Profiler.
type Option func(*Profiler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Profiler) {
		p.now = now
	}
}

// WithObserver forwards durations to o.
func WithObserver(o Observer) Option {
	return func(p *Profiler) {
		p.observer = o
	}
}

// New creates a Profiler.
func New(log logrus.FieldLogger, opts ...Option) *Profiler {
	p := &Profiler{
		log:    log.WithField("component", "profiler"),
		now:    time.Now,
		blocks: make(map[string]*blockAggregate, 8),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins timing a block. The returned stop function records it;
// calls after the first are ignored.
func (p *Profiler) Start(name string) func() {
	begin := p.now()

	var once sync.Once

	return func() {
		once.Do(func() {
			p.record(name, p.now().Sub(begin))
		})
	}
}

// Measure runs fn as a named block. The execution is recorded even when fn
// returns an error or panics; the error is returned and the panic continues.
func (p *Profiler) Measure(name string, fn func() error) error {
	stop := p.Start(name)
	defer stop()

	return fn()
}

func (p *Profiler) record(name string, d time.Duration) {
	p.mu.RLock()
	agg, ok := p.blocks[name]
	p.mu.RUnlock()

	if !ok {
		p.mu.Lock()

		if agg, ok = p.blocks[name]; !ok {
			agg = newBlockAggregate()
			p.blocks[name] = agg
		}

		p.mu.Unlock()
	}

	agg.add(d)

	if p.observer != nil {
		p.observer.ObserveBlock(name, d)
	}

	p.log.WithFields(logrus.Fields{
		"block":    name,
		"duration": d,
	}).Trace("Block finished")
}

// Entries returns a snapshot of every block.
func (p *Profiler) Entries() map[string]Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Entry, len(p.blocks))
	for name, agg := range p.blocks {
		out[name] = agg.snapshot()
	}

	return out
}

// Names returns the profiled block names in sorted order.
func (p *Profiler) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.blocks))
	for name := range p.blocks {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ResultKey names the average time of a block in run results.
func ResultKey(name string, count uint64) string {
	return fmt.Sprintf("Avg. CPU time (s) for %d executions of %s", count, name)
}

// Results returns the average seconds per execution of every block.
func (p *Profiler) Results() map[string]any {
	entries := p.Entries()
	out := make(map[string]any, len(entries))

	for name, e := range entries {
		if e.ExecutionCount == 0 {
			continue
		}

		out[ResultKey(name, e.ExecutionCount)] = e.TotalTime.Seconds() / float64(e.ExecutionCount)
	}

	return out
}

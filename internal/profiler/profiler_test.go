package profiler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

// fakeClock advances by the next step every time it is read twice.
type fakeClock struct {
	now   time.Time
	steps []time.Duration
	reads int
}

func (c *fakeClock) Now() time.Time {
	c.reads++
	if c.reads%2 == 0 && len(c.steps) > 0 {
		c.now = c.now.Add(c.steps[0])
		c.steps = c.steps[1:]
	}

	return c.now
}

type recordingObserver struct {
	mu        sync.Mutex
	durations map[string][]time.Duration
}

func (o *recordingObserver) ObserveBlock(name string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.durations == nil {
		o.durations = map[string][]time.Duration{}
	}

	o.durations[name] = append(o.durations[name], d)
}

func TestProfiler_AverageOfFourExecutions(t *testing.T) {
	clock := &fakeClock{
		now:   time.Unix(0, 0),
		steps: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second},
	}

	p := New(testLog(), WithClock(clock.Now))

	for range 4 {
		require.NoError(t, p.Measure("Attack", func() error { return nil }))
	}

	results := p.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 2.5, results["Avg. CPU time (s) for 4 executions of Attack"])

	e := p.Entries()["Attack"]
	assert.Equal(t, uint64(4), e.ExecutionCount)
	assert.Equal(t, 10*time.Second, e.TotalTime)
	assert.Equal(t, time.Second, e.Min)
	assert.Equal(t, 4*time.Second, e.Max)
	assert.Equal(t, 2500*time.Millisecond, e.Average())
}

func TestProfiler_MeasureRecordsOnError(t *testing.T) {
	p := New(testLog())
	boom := errors.New("boom")

	err := p.Measure("fails", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), p.Entries()["fails"].ExecutionCount)
}

func TestProfiler_MeasureRecordsOnPanic(t *testing.T) {
	p := New(testLog())

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = p.Measure("panics", func() error { panic("kaboom") })
	})

	assert.Equal(t, uint64(1), p.Entries()["panics"].ExecutionCount)
}

func TestProfiler_StopOnce(t *testing.T) {
	p := New(testLog())

	stop := p.Start("block")
	stop()
	stop()

	assert.Equal(t, uint64(1), p.Entries()["block"].ExecutionCount)
}

func TestProfiler_Observer(t *testing.T) {
	obs := &recordingObserver{}
	p := New(testLog(), WithObserver(obs))

	require.NoError(t, p.Measure("a", func() error { return nil }))
	require.NoError(t, p.Measure("a", func() error { return nil }))

	assert.Len(t, obs.durations["a"], 2)
	assert.Equal(t, []string{"a"}, p.Names())
}

func TestProfiler_Concurrent(t *testing.T) {
	p := New(testLog())

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				p.Start("shared")()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, uint64(800), p.Entries()["shared"].ExecutionCount)
}

func TestBucketIndex(t *testing.T) {
	assert.Equal(t, 0, bucketIndex(500*time.Microsecond))
	assert.Equal(t, 1, bucketIndex(time.Millisecond))
	assert.Equal(t, 3, bucketIndex(500*time.Millisecond))
	assert.Equal(t, numBuckets-1, bucketIndex(time.Hour))
	assert.Equal(t, time.Duration(0), BucketBounds()[numBuckets-1])
}

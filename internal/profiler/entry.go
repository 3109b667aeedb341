package profiler

import (
	"math"
	"sync/atomic"
	"time"
)

// blockAggregate accumulates executions of one named block.
// All operations are atomic and safe for concurrent use.
type blockAggregate struct {
	count     atomic.Uint64
	total     atomic.Int64
	min       atomic.Int64
	max       atomic.Int64
	histogram Histogram
}

func newBlockAggregate() *blockAggregate {
	a := &blockAggregate{}
	a.min.Store(math.MaxInt64)
	a.max.Store(math.MinInt64)

	return a
}

func (a *blockAggregate) add(d time.Duration) {
	val := int64(d)
	a.total.Add(val)
	a.count.Add(1)
	a.histogram.Add(d)

	for {
		oldMin := a.min.Load()
		if val >= oldMin || a.min.CompareAndSwap(oldMin, val) {
			break
		}
	}

	for {
		oldMax := a.max.Load()
		if val <= oldMax || a.max.CompareAndSwap(oldMax, val) {
			break
		}
	}
}

// Entry is the accumulated usage of one profiled block.
type Entry struct {
	ExecutionCount uint64
	TotalTime      time.Duration
	Min            time.Duration
	Max            time.Duration
	Histogram      [numBuckets]uint64
}

// Average is the mean duration of one execution.
func (e Entry) Average() time.Duration {
	if e.ExecutionCount == 0 {
		return 0
	}

	return e.TotalTime / time.Duration(e.ExecutionCount)
}

func (a *blockAggregate) snapshot() Entry {
	count := a.count.Load()
	minVal := a.min.Load()
	maxVal := a.max.Load()

	if count == 0 {
		minVal = 0
		maxVal = 0
	}

	return Entry{
		ExecutionCount: count,
		TotalTime:      time.Duration(a.total.Load()),
		Min:            time.Duration(minVal),
		Max:            time.Duration(maxVal),
		Histogram:      a.histogram.Snapshot(),
	}
}

package profiler

import (
	"sync/atomic"
	"time"
)

// Histogram bucket upper bounds for profiled block durations.
// 8 buckets: 1ms, 10ms, 100ms, 1s, 10s, 1m, 10m, +inf.
const numBuckets = 8

var bucketBounds = [numBuckets - 1]time.Duration{
	time.Millisecond,
	10 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
	10 * time.Second,
	time.Minute,
	10 * time.Minute,
}

// Histogram counts block durations in exponential buckets.
// All operations are atomic and safe for concurrent use.
type Histogram struct {
	buckets [numBuckets]atomic.Uint64
}

// Add records one duration.
func (h *Histogram) Add(d time.Duration) {
	h.buckets[bucketIndex(d)].Add(1)
}

// Snapshot returns the bucket counts.
func (h *Histogram) Snapshot() [numBuckets]uint64 {
	var result [numBuckets]uint64
	for i := range h.buckets {
		result[i] = h.buckets[i].Load()
	}

	return result
}

func bucketIndex(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}

	return numBuckets - 1
}

// BucketBounds returns the upper bound of each bucket. The last bucket is
// unbounded and reported as 0.
func BucketBounds() [numBuckets]time.Duration {
	var out [numBuckets]time.Duration

	copy(out[:], bucketBounds[:])

	return out
}

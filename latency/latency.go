// Package latency records per-operation latencies into a lock-free
// logarithmic histogram and summarises them as percentiles.
package latency

import (
	"math"
	"math/bits"
	"sync/atomic"
	"time"
)

// Op names an operation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpVerify Op = "verify"
)

// Sample is one timed operation.
type Sample struct {
	Op    Op
	Start time.Time
	End   time.Time
}

// Duration returns the elapsed time of the sample, never negative.
func (s Sample) Duration() time.Duration {
	return max(s.End.Sub(s.Start), 0)
}

// Each power of two is divided into 1<<subBits linear sub-buckets, so the
// relative error of a bucket bound is at most 1/8.
const (
	subBits    = 3
	subCount   = 1 << subBits
	numBuckets = (64 - subBits + 1) * subCount
)

func bucketIndex(ns uint64) int {
	if ns < subCount {
		return int(ns)
	}

	exp := bits.Len64(ns) - 1
	sub := (ns >> (exp - subBits)) & (subCount - 1)

	return (exp-subBits+1)*subCount + int(sub)
}

// bucketLower returns the smallest value that falls into bucket i.
func bucketLower(i int) uint64 {
	if i < subCount {
		return uint64(i)
	}

	exp := i/subCount + subBits - 1
	sub := uint64(i % subCount)

	return 1<<exp | sub<<(exp-subBits)
}

// bucketUpper returns the exclusive upper bound of bucket i.
func bucketUpper(i int) uint64 {
	if i+1 >= numBuckets {
		return math.MaxUint64
	}

	return bucketLower(i + 1)
}

// Recorder accumulates samples. Record may be called from any number of
// goroutines; it only performs atomic adds.
type Recorder struct {
	buckets [numBuckets]atomic.Uint64
	count   atomic.Uint64
	sum     atomic.Uint64
	min     atomic.Uint64
	max     atomic.Uint64

	observe func(Sample)
}

// NewRecorder returns an empty Recorder. observe, if non-nil, is called with
// every recorded sample.
func NewRecorder(observe func(Sample)) *Recorder {
	r := &Recorder{observe: observe}
	r.min.Store(math.MaxUint64)

	return r
}

// Record adds one sample.
func (r *Recorder) Record(s Sample) {
	ns := uint64(s.Duration())

	r.buckets[bucketIndex(ns)].Add(1)
	r.count.Add(1)
	r.sum.Add(ns)

	for {
		cur := r.min.Load()
		if ns >= cur || r.min.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := r.max.Load()
		if ns <= cur || r.max.CompareAndSwap(cur, ns) {
			break
		}
	}

	if r.observe != nil {
		r.observe(s)
	}
}

// Count returns the number of recorded samples.
func (r *Recorder) Count() uint64 {
	return r.count.Load()
}

// Quantiles reported in every snapshot.
var Quantiles = []float64{0.5, 0.9, 0.95, 0.99, 0.999}

// Percentile is the latency at or below which a fraction of samples fall.
type Percentile struct {
	Quantile float64       `json:"quantile"`
	Value    time.Duration `json:"value_ns"`
}

// Bucket is one non-empty histogram bucket covering [Lower, Upper).
type Bucket struct {
	Lower time.Duration `json:"lower_ns"`
	Upper time.Duration `json:"upper_ns"`
	Count uint64        `json:"count"`
}

// Snapshot summarises the samples recorded so far.
type Snapshot struct {
	Count       uint64        `json:"count"`
	Total       time.Duration `json:"total_ns"`
	Mean        time.Duration `json:"mean_ns"`
	Min         time.Duration `json:"min_ns"`
	Max         time.Duration `json:"max_ns"`
	Percentiles []Percentile  `json:"percentiles"`
	Buckets     []Bucket      `json:"buckets"`
}

// Snapshot returns the current summary. Taken while samples are still being
// recorded it is approximate: buckets and totals are read independently.
func (r *Recorder) Snapshot() Snapshot {
	var (
		counts [numBuckets]uint64
		total  uint64
	)
	for i := range r.buckets {
		counts[i] = r.buckets[i].Load()
		total += counts[i]
	}

	snap := Snapshot{Count: total}
	if total == 0 {
		return snap
	}

	minNs, maxNs := r.min.Load(), r.max.Load()
	snap.Total = time.Duration(r.sum.Load())
	snap.Mean = snap.Total / time.Duration(total)
	snap.Min = time.Duration(minNs)
	snap.Max = time.Duration(maxNs)

	for i, c := range counts {
		if c == 0 {
			continue
		}
		snap.Buckets = append(snap.Buckets, Bucket{
			Lower: time.Duration(bucketLower(i)),
			Upper: time.Duration(min(bucketUpper(i), math.MaxInt64)),
			Count: c,
		})
	}

	snap.Percentiles = make([]Percentile, 0, len(Quantiles))
	for _, q := range Quantiles {
		snap.Percentiles = append(snap.Percentiles, Percentile{
			Quantile: q,
			Value:    time.Duration(quantile(counts[:], total, q, minNs, maxNs)),
		})
	}

	return snap
}

// Percentile returns the recorded value for q, or zero when q is not one of
// Quantiles.
func (s Snapshot) Percentile(q float64) time.Duration {
	for _, p := range s.Percentiles {
		if p.Quantile == q {
			return p.Value
		}
	}

	return 0
}

// quantile returns the upper edge of the bucket holding the rank q*total
// sample, clamped to the observed range.
func quantile(counts []uint64, total uint64, q float64, minNs, maxNs uint64) uint64 {
	rank := uint64(math.Ceil(q * float64(total)))
	rank = max(rank, 1)

	var seen uint64
	for i, c := range counts {
		seen += c
		if seen >= rank {
			v := bucketUpper(i) - 1

			return min(max(v, minNs), maxNs)
		}
	}

	return maxNs
}

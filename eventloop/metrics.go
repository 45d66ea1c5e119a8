package eventloop

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of a loop's runtime statistics, as returned by
// [Loop.Metrics]. Collection is opt-in, see [WithMetrics].
//
// Example:
//
//	loop, _ := New(WithMetrics(true))
//	_ = loop.Run(ctx)
//	stats := loop.Metrics()
//	fmt.Printf("read %d bytes in %d chunks, P99 callback %v\n",
//		stats.BytesRead, stats.Chunks, stats.ReadLatency.P99)
type Metrics struct {
	// ReadLatency is the distribution of read callback durations.
	ReadLatency LatencyMetrics

	// Iterations counts completed loop iterations.
	Iterations uint64
	// Chunks counts chunks delivered to read callbacks.
	Chunks uint64
	// BytesRead counts bytes delivered to read callbacks.
	BytesRead uint64
	// BytesWritten counts bytes accepted by the OS for write requests.
	BytesWritten uint64
	// WriteFailures counts failed (including cancelled) write requests.
	WriteFailures uint64
	// Spawned counts child processes started.
	Spawned uint64
	// Exited counts child processes observed to terminate.
	Exited uint64
	// ForceClosed counts handles closed by loop teardown rather than by
	// their stream.
	ForceClosed uint64
}

// LatencyMetrics summarizes a rolling window of latency samples.
type LatencyMetrics struct {
	P50  time.Duration
	P90  time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
	Mean time.Duration
	// Count is the number of samples in the window.
	Count int
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// loopMetrics is the live counterpart of Metrics. Counters are written by the
// loop goroutine and read by Loop.Metrics from anywhere.
type loopMetrics struct {
	latency      latencyRecorder
	iterations   atomic.Uint64
	chunks       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	writeFailed  atomic.Uint64
	spawned      atomic.Uint64
	exited       atomic.Uint64
	forceClosed  atomic.Uint64
}

func (m *loopMetrics) snapshot() Metrics {
	return Metrics{
		ReadLatency:   m.latency.sample(),
		Iterations:    m.iterations.Load(),
		Chunks:        m.chunks.Load(),
		BytesRead:     m.bytesRead.Load(),
		BytesWritten:  m.bytesWritten.Load(),
		WriteFailures: m.writeFailed.Load(),
		Spawned:       m.spawned.Load(),
		Exited:        m.exited.Load(),
		ForceClosed:   m.forceClosed.Load(),
	}
}

// latencyRecorder keeps a rolling buffer of samples.
type latencyRecorder struct {
	samples     [sampleSize]time.Duration
	sum         time.Duration
	sampleIdx   int
	sampleCount int
	mu          sync.Mutex
}

// record records a latency sample.
func (l *latencyRecorder) record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// If buffer is full, subtract the old sample that we're replacing
	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}
	l.samples[l.sampleIdx] = duration
	l.sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// sample computes percentiles from the collected samples.
func (l *latencyRecorder) sample() LatencyMetrics {
	l.mu.Lock()
	count := l.sampleCount
	sorted := slices.Clone(l.samples[:count])
	sum := l.sum
	l.mu.Unlock()

	if count == 0 {
		return LatencyMetrics{}
	}
	slices.Sort(sorted)
	return LatencyMetrics{
		P50:   sorted[percentileIndex(count, 50)],
		P90:   sorted[percentileIndex(count, 90)],
		P95:   sorted[percentileIndex(count, 95)],
		P99:   sorted[percentileIndex(count, 99)],
		Max:   sorted[count-1],
		Mean:  sum / time.Duration(count),
		Count: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

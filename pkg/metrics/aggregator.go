// Package metrics accumulates request outcomes for health reporting and
// exposes them in Prometheus text format.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// sampleCapacity bounds the in-memory outcome buffer. Once full, new samples
// overwrite the oldest ones.
const sampleCapacity = 1000

// DefaultWindow is the default look-back window for summaries.
const DefaultWindow = 300 * time.Second

// sample is one recorded request outcome.
type sample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// Aggregator is a bounded ring buffer of recent request outcomes shared by the
// synchronous and asynchronous inference paths. Writes take a short lock;
// summaries copy the buffer under the lock and compute everything else
// lock-free.
type Aggregator struct {
	mu      sync.Mutex
	samples [sampleCapacity]sample
	next    int
	filled  bool
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record registers one request outcome.
func (a *Aggregator) Record(latency time.Duration, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples[a.next] = sample{at: time.Now(), latency: latency, failed: failed}
	a.next++
	if a.next == sampleCapacity {
		a.next = 0
		a.filled = true
	}
}

// Summary is a point-in-time performance summary over a window.
type Summary struct {
	P50Ms            float64 `json:"p50_ms"`
	P95Ms            float64 `json:"p95_ms"`
	P99Ms            float64 `json:"p99_ms"`
	MeanLatencyMs    float64 `json:"mean_latency_ms"`
	ThroughputPerSec float64 `json:"throughput_per_sec"`
	ErrorRate        float64 `json:"error_rate"`
	SampleCount      int     `json:"sample_count"`
}

// Summary computes the summary over samples no older than window. A
// non-positive window falls back to DefaultWindow.
func (a *Aggregator) Summary(window time.Duration) Summary {
	if window <= 0 {
		window = DefaultWindow
	}

	// Snapshot the buffer; the computation below runs without the lock.
	a.mu.Lock()
	count := a.next
	if a.filled {
		count = sampleCapacity
	}
	snapshot := make([]sample, count)
	copy(snapshot, a.samples[:count])
	a.mu.Unlock()

	cutoff := time.Now().Add(-window)
	latencies := make([]float64, 0, len(snapshot))
	failures := 0
	for _, s := range snapshot {
		if s.at.Before(cutoff) {
			continue
		}
		latencies = append(latencies, float64(s.latency)/float64(time.Millisecond))
		if s.failed {
			failures++
		}
	}
	if len(latencies) == 0 {
		return Summary{}
	}

	sort.Float64s(latencies)
	var total float64
	for _, l := range latencies {
		total += l
	}
	return Summary{
		P50Ms:            percentile(latencies, 0.50),
		P95Ms:            percentile(latencies, 0.95),
		P99Ms:            percentile(latencies, 0.99),
		MeanLatencyMs:    total / float64(len(latencies)),
		ThroughputPerSec: float64(len(latencies)) / window.Seconds(),
		ErrorRate:        float64(failures) / float64(len(latencies)),
		SampleCount:      len(latencies),
	}
}

// percentile returns the nearest-rank percentile of sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

package models

import (
	"sync"
	"time"
)

// Counters accumulates per-model performance counters. Counters are only ever
// incremented; they reset only when their model is unloaded (the Counters
// value dies with the handle). The lock is scoped to one counter set so stats
// updates for one model never serialize another model's traffic.
type Counters struct {
	mu           sync.Mutex
	calls        uint64
	errors       uint64
	totalLatency time.Duration
	lastUsed     time.Time
}

// CounterSnapshot is a point-in-time copy of one counter set.
type CounterSnapshot struct {
	Calls            uint64    `json:"calls"`
	Errors           uint64    `json:"errors"`
	TotalLatencyMs   float64   `json:"total_latency_ms"`
	AverageLatencyMs float64   `json:"average_latency_ms"`
	LastUsed         time.Time `json:"last_used,omitzero"`
}

// Record registers one inference outcome, success or failure.
func (c *Counters) Record(latency time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if failed {
		c.errors++
	}
	c.totalLatency += latency
	c.lastUsed = time.Now()
}

// Snapshot returns a copy of the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CounterSnapshot{
		Calls:          c.calls,
		Errors:         c.errors,
		TotalLatencyMs: float64(c.totalLatency) / float64(time.Millisecond),
		LastUsed:       c.lastUsed,
	}
	if c.calls > 0 {
		s.AverageLatencyMs = s.TotalLatencyMs / float64(c.calls)
	}
	return s
}

// lastUsedTime returns the last usage time, used by LRU eviction ordering.
func (c *Counters) lastUsedTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAggregatorEmptySummary(t *testing.T) {
	a := NewAggregator()
	summary := a.Summary(DefaultWindow)
	require.Zero(t, summary.SampleCount)
	require.Zero(t, summary.P50Ms)
	require.Zero(t, summary.ErrorRate)
}

func TestAggregatorPercentiles(t *testing.T) {
	a := NewAggregator()
	for i := 1; i <= 100; i++ {
		a.Record(time.Duration(i)*time.Millisecond, false)
	}

	summary := a.Summary(DefaultWindow)
	require.Equal(t, 100, summary.SampleCount)
	require.InDelta(t, 50.0, summary.P50Ms, 1e-9)
	require.InDelta(t, 95.0, summary.P95Ms, 1e-9)
	require.InDelta(t, 99.0, summary.P99Ms, 1e-9)
	require.InDelta(t, 50.5, summary.MeanLatencyMs, 1e-9)
	require.Zero(t, summary.ErrorRate)
}

func TestAggregatorErrorRate(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < 10; i++ {
		a.Record(time.Millisecond, i < 3)
	}

	summary := a.Summary(DefaultWindow)
	require.Equal(t, 10, summary.SampleCount)
	require.InDelta(t, 0.3, summary.ErrorRate, 1e-9)
}

func TestAggregatorRingBufferBounds(t *testing.T) {
	a := NewAggregator()
	// Overfill the buffer; only the newest sampleCapacity samples survive.
	for i := 0; i < sampleCapacity+500; i++ {
		a.Record(time.Millisecond, false)
	}

	summary := a.Summary(DefaultWindow)
	require.Equal(t, sampleCapacity, summary.SampleCount)
}

func TestAggregatorThroughput(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < 300; i++ {
		a.Record(time.Millisecond, false)
	}

	summary := a.Summary(300 * time.Second)
	require.InDelta(t, 1.0, summary.ThroughputPerSec, 1e-9)
}

func TestAggregatorWindowFiltersOldSamples(t *testing.T) {
	a := NewAggregator()
	a.Record(time.Millisecond, false)
	time.Sleep(20 * time.Millisecond)
	a.Record(2*time.Millisecond, false)

	summary := a.Summary(10 * time.Millisecond)
	require.Equal(t, 1, summary.SampleCount)
	require.InDelta(t, 2.0, summary.P50Ms, 1e-9)
}

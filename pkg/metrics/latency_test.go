package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTracker_PercentilesOverSortedSamples(t *testing.T) {
	lt := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}

	stats := lt.Stats()
	require.Equal(t, int64(100), stats.Count)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 50*time.Millisecond, stats.P50)
	assert.Equal(t, 99*time.Millisecond, stats.P99)
}

func TestLatencyTracker_SlidingWindowDropsOldest(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 0; i < 25; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}

	stats := lt.Stats()
	assert.LessOrEqual(t, int(stats.Count), 10)
	assert.Equal(t, 24*time.Millisecond, stats.Max)
}

func TestLatencyTracker_EmptyStatsIsZeroValue(t *testing.T) {
	lt := NewLatencyTracker(10)
	assert.Equal(t, LatencyStats{}, lt.Stats())
}

func TestLatencyTracker_Reset(t *testing.T) {
	lt := NewLatencyTracker(10)
	lt.Record(5 * time.Millisecond)
	lt.Reset()
	assert.Equal(t, int64(0), lt.Stats().Count)
}

func TestLatencyStats_ToMapConvertsToMilliseconds(t *testing.T) {
	stats := LatencyStats{Count: 3, P50: 1500 * time.Microsecond, Samples: 3}
	m := stats.ToMap()
	assert.Equal(t, int64(3), m["count"])
	assert.Equal(t, 1.5, m["p50_ms"])
	assert.Equal(t, 3, m["sample_size"])
}

func TestLatencyRegistry_TracksIndependentEndpoints(t *testing.T) {
	reg := NewLatencyRegistry(50)
	reg.Record("anthropic/claude-3", 10*time.Millisecond)
	reg.Record("ollama/llama3", 200*time.Millisecond)

	all := reg.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, 10*time.Millisecond, all["anthropic/claude-3"].P50)
	assert.Equal(t, 200*time.Millisecond, all["ollama/llama3"].P50)

	assert.Equal(t, LatencyStats{}, reg.Stats("unknown/model"))
}

func TestLatencyRegistry_Reset(t *testing.T) {
	reg := NewLatencyRegistry(50)
	reg.Record("ollama/llama3", 10*time.Millisecond)
	reg.Reset()
	assert.Equal(t, int64(0), reg.Stats("ollama/llama3").Count)
}

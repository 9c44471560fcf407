package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	m := NewMonitor()

	m.RecordTiming("meshtastic", 10*time.Millisecond, 5, false)
	m.RecordTiming("meshtastic", 30*time.Millisecond, 7, true)

	stats := m.SourceStats("meshtastic")
	require.NotNil(t, stats)
	assert.Equal(t, int64(2), stats.Count)
	assert.InDelta(t, 20.0, stats.AvgMs, 0.5)
	assert.InDelta(t, 10.0, stats.MinMs, 0.5)
	assert.InDelta(t, 30.0, stats.MaxMs, 0.5)
	assert.InDelta(t, 0.5, stats.CacheHitRatio, 0.001)
	assert.Equal(t, int64(12), stats.TotalNodesSeen)
}

func TestUnknownSource(t *testing.T) {
	m := NewMonitor()
	assert.Nil(t, m.SourceStats("nope"))
}

func TestRecordCycle(t *testing.T) {
	m := NewMonitor()

	m.RecordCycle(50*time.Millisecond, 12)
	m.RecordCycle(70*time.Millisecond, 14)

	report := m.Stats()
	require.NotNil(t, report.Cycle)
	assert.Equal(t, int64(2), report.Cycle.Count)
	assert.InDelta(t, 60.0, report.Cycle.AvgMs, 0.5)
	assert.Equal(t, int64(26), report.Cycle.TotalNodes)
	assert.Equal(t, int64(2), report.TotalCollections)
}

func TestStatsWithoutCycles(t *testing.T) {
	m := NewMonitor()
	report := m.Stats()
	assert.Nil(t, report.Cycle)
	assert.Empty(t, report.Sources)
}

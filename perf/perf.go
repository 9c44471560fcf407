// Package perf instruments collection cycle timing and per-source latency
// for runtime diagnostics. Keeps simple counters plus min/avg/max timings
// and cache-hit ratios per source.
package perf

import (
	"sync"
	"time"
)

// SourceStats is the formatted timing summary for one source.
type SourceStats struct {
	Source         string  `json:"source"`
	Count          int64   `json:"count"`
	AvgMs          float64 `json:"avg_ms"`
	MinMs          float64 `json:"min_ms"`
	MaxMs          float64 `json:"max_ms"`
	LastDurationMs float64 `json:"last_duration_ms"`
	LastTimestamp  int64   `json:"last_timestamp"`
	CacheHitRatio  float64 `json:"cache_hit_ratio"`
	TotalNodesSeen int64   `json:"total_nodes_collected"`
}

// CycleStats summarizes full collection cycles.
type CycleStats struct {
	Count          int64   `json:"count"`
	AvgMs          float64 `json:"avg_ms"`
	LastDurationMs float64 `json:"last_duration_ms"`
	TotalNodes     int64   `json:"total_nodes_collected"`
}

// Report is the full snapshot served by /api/perf.
type Report struct {
	UptimeSeconds        int64                  `json:"uptime_seconds"`
	TotalCollections     int64                  `json:"total_collections"`
	CollectionsPerMinute float64                `json:"collections_per_minute"`
	Sources              map[string]SourceStats `json:"sources"`
	Cycle                *CycleStats            `json:"cycle,omitempty"`
}

type sourceRecord struct {
	count      int64
	totalMs    float64
	cacheHits  int64
	totalNodes int64
	lastMs     float64
	lastTime   time.Time
	minMs      float64
	maxMs      float64
}

type cycleRecord struct {
	count      int64
	totalMs    float64
	lastMs     float64
	totalNodes int64
}

// Monitor tracks collection timing. All state is behind a mutex.
type Monitor struct {
	mu               sync.Mutex
	startTime        time.Time
	totalCollections int64
	sources          map[string]*sourceRecord
	cycle            *cycleRecord
}

// NewMonitor creates a perf monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		startTime: time.Now(),
		sources:   make(map[string]*sourceRecord),
	}
}

// RecordTiming records a timing sample for a source.
func (m *Monitor) RecordTiming(source string, duration time.Duration, nodeCount int, fromCache bool) {
	ms := float64(duration.Microseconds()) / 1000.0

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sources[source]
	if !ok {
		rec = &sourceRecord{minMs: -1}
		m.sources[source] = rec
	}
	rec.count++
	rec.totalMs += ms
	rec.lastMs = ms
	rec.lastTime = time.Now()
	rec.totalNodes += int64(nodeCount)
	if fromCache {
		rec.cacheHits++
	}
	if rec.minMs < 0 || ms < rec.minMs {
		rec.minMs = ms
	}
	if ms > rec.maxMs {
		rec.maxMs = ms
	}
}

// RecordCycle records a full collection cycle.
func (m *Monitor) RecordCycle(duration time.Duration, totalNodes int) {
	ms := float64(duration.Microseconds()) / 1000.0

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycle == nil {
		m.cycle = &cycleRecord{}
	}
	m.cycle.count++
	m.cycle.totalMs += ms
	m.cycle.lastMs = ms
	m.cycle.totalNodes += int64(totalNodes)
	m.totalCollections++
}

// SourceStats returns the formatted stats for one source, or nil when the
// source has never been timed.
func (m *Monitor) SourceStats(source string) *SourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sources[source]
	if !ok {
		return nil
	}
	s := formatSource(source, rec)
	return &s
}

// Stats returns the full performance report.
func (m *Monitor) Stats() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	uptime := time.Since(m.startTime)
	report := Report{
		UptimeSeconds:    int64(uptime.Seconds()),
		TotalCollections: m.totalCollections,
		Sources:          make(map[string]SourceStats, len(m.sources)),
	}

	minutes := uptime.Minutes()
	if minutes < 1 {
		minutes = 1
	}
	report.CollectionsPerMinute = round2(float64(m.totalCollections) / minutes)

	for name, rec := range m.sources {
		report.Sources[name] = formatSource(name, rec)
	}

	if m.cycle != nil && m.cycle.count > 0 {
		report.Cycle = &CycleStats{
			Count:          m.cycle.count,
			AvgMs:          round2(m.cycle.totalMs / float64(m.cycle.count)),
			LastDurationMs: round2(m.cycle.lastMs),
			TotalNodes:     m.cycle.totalNodes,
		}
	}

	return report
}

func formatSource(name string, rec *sourceRecord) SourceStats {
	s := SourceStats{
		Source:         name,
		Count:          rec.count,
		LastDurationMs: round2(rec.lastMs),
		MaxMs:          round2(rec.maxMs),
		TotalNodesSeen: rec.totalNodes,
	}
	if !rec.lastTime.IsZero() {
		s.LastTimestamp = rec.lastTime.Unix()
	}
	if rec.count > 0 {
		s.AvgMs = round2(rec.totalMs / float64(rec.count))
		s.CacheHitRatio = round3(float64(rec.cacheHits) / float64(rec.count))
	}
	if rec.minMs >= 0 {
		s.MinMs = round2(rec.minMs)
	}
	return s
}

func round2(v float64) float64 { return float64(int64(v*100+0.5)) / 100 }
func round3(v float64) float64 { return float64(int64(v*1000+0.5)) / 1000 }

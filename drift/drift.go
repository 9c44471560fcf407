// Package drift detects changes in node configuration over time by
// comparing successive observations of identity and radio parameters. A
// node suddenly changing role or region may indicate unauthorized
// reconfiguration, a firmware update, or a replaced device; each change is
// recorded with a severity and optionally emitted through a callback.
package drift

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Severity of a detected config drift.
type Severity string

// Drift severities.
const (
	SeverityInfo     Severity = "info"     // cosmetic changes (names)
	SeverityWarning  Severity = "warning"  // operational changes (role, tx power)
	SeverityCritical Severity = "critical" // breaking changes (region, modem preset)
)

// Detector bounds.
const (
	DefaultMaxHistory = 50
	DefaultMaxNodes   = 10000
)

// TrackedFields maps each tracked field to its change severity.
var TrackedFields = map[string]Severity{
	"role":             SeverityWarning,
	"hardware":         SeverityWarning,
	"name":             SeverityInfo,
	"short_name":       SeverityInfo,
	"region":           SeverityCritical,
	"modem_preset":     SeverityCritical,
	"channel_name":     SeverityCritical,
	"hop_limit":        SeverityWarning,
	"tx_power":         SeverityWarning,
	"tx_enabled":       SeverityWarning,
	"uplink_enabled":   SeverityInfo,
	"downlink_enabled": SeverityInfo,
}

// Drift is one recorded configuration change.
type Drift struct {
	NodeID    string   `json:"node_id"`
	Field     string   `json:"field"`
	OldValue  any      `json:"old_value"`
	NewValue  any      `json:"new_value"`
	Severity  Severity `json:"severity"`
	Timestamp int64    `json:"timestamp"`
}

// Summary aggregates detector state.
type Summary struct {
	TrackedNodes   int     `json:"tracked_nodes"`
	NodesWithDrift int     `json:"nodes_with_drift"`
	TotalDrifts    int64   `json:"total_drifts"`
	RecentDrifts   []Drift `json:"recent_drifts"`
}

// DriftFunc observes detected drifts. It fires outside the detector lock.
type DriftFunc func(nodeID string, drifts []Drift)

type snapshot struct {
	fields    map[string]any
	firstSeen time.Time
	lastSeen  time.Time
}

// Detector maintains the last-known configuration of each node and compares
// incoming updates against it. All state is behind a mutex.
type Detector struct {
	maxHistory int
	maxNodes   int
	onDrift    DriftFunc
	logger     *slog.Logger

	mu          sync.Mutex
	snapshots   map[string]*snapshot
	history     map[string][]Drift
	totalDrifts int64
}

// Option configures a Detector.
type Option func(*Detector)

// WithMaxHistory bounds per-node drift history.
func WithMaxHistory(n int) Option {
	return func(d *Detector) { d.maxHistory = n }
}

// WithMaxNodes bounds the tracked node count.
func WithMaxNodes(n int) Option {
	return func(d *Detector) { d.maxNodes = n }
}

// WithDriftCallback registers the drift observer.
func WithDriftCallback(fn DriftFunc) Option {
	return func(d *Detector) { d.onDrift = fn }
}

// NewDetector creates a config drift detector.
func NewDetector(logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		maxHistory: DefaultMaxHistory,
		maxNodes:   DefaultMaxNodes,
		logger:     logger,
		snapshots:  make(map[string]*snapshot),
		history:    make(map[string][]Drift),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CheckNode compares a node's current fields against its last-known
// snapshot. Only tracked fields are compared; nil values are ignored. The
// first observation records the snapshot and returns no drifts; subsequent
// changes are recorded, the snapshot updated atomically, and the callback
// fired outside the lock.
func (d *Detector) CheckNode(nodeID string, fields map[string]any) []Drift {
	current := make(map[string]any)
	for k, v := range fields {
		if _, tracked := TrackedFields[k]; tracked && v != nil {
			current[k] = v
		}
	}
	if len(current) == 0 {
		return nil
	}

	now := time.Now()
	var drifts []Drift

	d.mu.Lock()
	prev, ok := d.snapshots[nodeID]
	if !ok {
		if len(d.snapshots) >= d.maxNodes {
			d.evictOldestLocked()
		}
		d.snapshots[nodeID] = &snapshot{
			fields:    current,
			firstSeen: now,
			lastSeen:  now,
		}
		d.mu.Unlock()
		return nil
	}

	for field, newValue := range current {
		oldValue, seen := prev.fields[field]
		if !seen || equalValue(oldValue, newValue) {
			continue
		}
		severity := TrackedFields[field]
		drift := Drift{
			NodeID:    nodeID,
			Field:     field,
			OldValue:  oldValue,
			NewValue:  newValue,
			Severity:  severity,
			Timestamp: now.Unix(),
		}
		drifts = append(drifts, drift)
		d.totalDrifts++

		hist := append(d.history[nodeID], drift)
		if len(hist) > d.maxHistory {
			hist = hist[len(hist)-d.maxHistory:]
		}
		d.history[nodeID] = hist

		d.logger.Info("config drift detected",
			"severity", string(severity), "field", field,
			"old", oldValue, "new", newValue, "node_id", nodeID)
	}

	for k, v := range current {
		prev.fields[k] = v
	}
	prev.lastSeen = now
	cb := d.onDrift
	d.mu.Unlock()

	if len(drifts) > 0 && cb != nil {
		cb(nodeID, drifts)
	}
	return drifts
}

// NodeSnapshot returns a copy of the node's current config snapshot, or nil.
func (d *Detector) NodeSnapshot(nodeID string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.snapshots[nodeID]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(snap.fields))
	for k, v := range snap.fields {
		out[k] = v
	}
	return out
}

// NodeHistory returns the drift history for one node.
func (d *Detector) NodeHistory(nodeID string) []Drift {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := d.history[nodeID]
	out := make([]Drift, len(hist))
	copy(out, hist)
	return out
}

// AllDrifts returns all drift events, newest first, optionally filtered by
// time and severity.
func (d *Detector) AllDrifts(since int64, severity Severity) []Drift {
	d.mu.Lock()
	result := make([]Drift, 0)
	for _, hist := range d.history {
		for _, drift := range hist {
			if since > 0 && drift.Timestamp < since {
				continue
			}
			if severity != "" && drift.Severity != severity {
				continue
			}
			result = append(result, drift)
		}
	}
	d.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp > result[j].Timestamp
	})
	return result
}

// Summary returns aggregate drift detection state.
func (d *Detector) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodesWithDrift := 0
	recent := make([]Drift, 0)
	for _, hist := range d.history {
		if len(hist) > 0 {
			nodesWithDrift++
		}
		start := len(hist) - 3
		if start < 0 {
			start = 0
		}
		recent = append(recent, hist[start:]...)
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].Timestamp > recent[j].Timestamp
	})
	if len(recent) > 10 {
		recent = recent[:10]
	}

	return Summary{
		TrackedNodes:   len(d.snapshots),
		NodesWithDrift: nodesWithDrift,
		TotalDrifts:    d.totalDrifts,
		RecentDrifts:   recent,
	}
}

// RemoveNode drops all tracking data for an evicted node.
func (d *Detector) RemoveNode(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.snapshots, nodeID)
	delete(d.history, nodeID)
}

// TrackedNodeCount returns the number of tracked nodes.
func (d *Detector) TrackedNodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.snapshots)
}

// evictOldestLocked evicts the node with the oldest last update. Caller
// must hold the mutex.
func (d *Detector) evictOldestLocked() {
	var oldestID string
	var oldestSeen time.Time
	for nodeID, snap := range d.snapshots {
		if oldestID == "" || snap.lastSeen.Before(oldestSeen) {
			oldestID = nodeID
			oldestSeen = snap.lastSeen
		}
	}
	if oldestID != "" {
		delete(d.snapshots, oldestID)
		delete(d.history, oldestID)
	}
}

// equalValue compares field values with normalization: numeric values
// compare by magnitude (1 == 1.0) and strings compare trimmed.
func equalValue(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.TrimSpace(as) == strings.TrimSpace(bs)
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

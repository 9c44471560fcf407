// Package healthscore computes a composite health score (0-100) for each
// mesh node from available telemetry, broken into five weighted components:
//
//	battery     (0-25)  battery level and voltage
//	signal      (0-25)  SNR quality and hop distance
//	freshness   (0-20)  time since last observation
//	reliability (0-15)  connectivity state
//	congestion  (0-15)  channel utilization and TX air time
//
// Not all nodes report all metrics: the scorer normalizes over the
// components that had input, so a node reporting only battery and freshness
// is scored out of 45 and scaled to 0-100. A node with no scoreable input
// has no score at all.
package healthscore

import (
	"math"
	"sync"
	"time"

	"github.com/Nursedude/meshforge-maps/nodestate"
)

// Component weights (max points).
const (
	WeightBattery     = 25.0
	WeightSignal      = 25.0
	WeightFreshness   = 20.0
	WeightReliability = 15.0
	WeightCongestion  = 15.0
)

// Scoring thresholds.
const (
	batteryFull    = 80.0 // >= 80% earns the full battery score
	batteryLow     = 20.0 // <= 20% earns zero
	voltageMin     = 3.0  // below 3.0V is critical (Li-ion)
	voltageHealthy = 3.7

	snrPoor       = -10.0
	snrExcellent  = 8.0
	maxHopsScored = 7.0

	freshSeconds = 300.0  // 5 min earns the full freshness score
	staleSeconds = 3600.0 // 1 hour earns zero

	channelUtilLow  = 25.0
	channelUtilHigh = 75.0

	// DefaultMaxNodes bounds the score cache.
	DefaultMaxNodes = 10000
)

// Component is one scored component with its inputs echoed back.
type Component struct {
	Score  float64        `json:"score"`
	Max    float64        `json:"max"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Score is a computed health score for a single node.
type Score struct {
	NodeID          string               `json:"node_id"`
	Value           int                  `json:"score"`
	Status          string               `json:"status"`
	Components      map[string]Component `json:"components"`
	AvailableWeight float64              `json:"available_weight"`
	Timestamp       int64                `json:"timestamp"`
}

// Summary aggregates all cached scores.
type Summary struct {
	ScoredNodes       int                `json:"scored_nodes"`
	AverageScore      float64            `json:"average_score"`
	MinScore          int                `json:"min_score,omitempty"`
	MaxScore          int                `json:"max_score,omitempty"`
	StatusCounts      map[string]int     `json:"status_counts"`
	ComponentAverages map[string]float64 `json:"component_averages"`
}

// Scorer computes and caches per-node health scores, bounded with oldest-
// score eviction. All state is behind a mutex.
type Scorer struct {
	maxNodes int

	mu     sync.Mutex
	scores map[string]*Score
}

// NewScorer creates a scorer. maxNodes <= 0 uses the default bound.
func NewScorer(maxNodes int) *Scorer {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	return &Scorer{
		maxNodes: maxNodes,
		scores:   make(map[string]*Score),
	}
}

// ScoreNode computes the composite score for a node from its feature
// properties and connectivity state, caches it, and returns it. Returns nil
// when no component had any input.
func (s *Scorer) ScoreNode(nodeID string, props map[string]any, connState nodestate.State, now time.Time) *Score {
	if now.IsZero() {
		now = time.Now()
	}

	components := make(map[string]Component)
	earned := 0.0
	available := 0.0

	if c := scoreBattery(props); c != nil {
		components["battery"] = *c
		earned += c.Score
		available += WeightBattery
	}
	if c := scoreSignal(props); c != nil {
		components["signal"] = *c
		earned += c.Score
		available += WeightSignal
	}
	if c := scoreFreshness(props, now); c != nil {
		components["freshness"] = *c
		earned += c.Score
		available += WeightFreshness
	}
	if c := scoreReliability(connState); c != nil {
		components["reliability"] = *c
		earned += c.Score
		available += WeightReliability
	}
	if c := scoreCongestion(props); c != nil {
		components["congestion"] = *c
		earned += c.Score
		available += WeightCongestion
	}

	if available == 0 {
		return nil
	}

	normalized := int(math.Round(earned / available * 100))
	if normalized < 0 {
		normalized = 0
	} else if normalized > 100 {
		normalized = 100
	}

	result := &Score{
		NodeID:          nodeID,
		Value:           normalized,
		Status:          StatusLabel(normalized),
		Components:      components,
		AvailableWeight: available,
		Timestamp:       now.Unix(),
	}

	s.mu.Lock()
	if _, exists := s.scores[nodeID]; !exists && len(s.scores) >= s.maxNodes {
		s.evictOldestLocked()
	}
	s.scores[nodeID] = result
	s.mu.Unlock()

	return result
}

// CachedScore returns the cached score for a node, or nil.
func (s *Scorer) CachedScore(nodeID string) *Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[nodeID]
}

// AllScores returns node-to-score for every cached node.
func (s *Scorer) AllScores() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.scores))
	for nodeID, score := range s.scores {
		out[nodeID] = score.Value
	}
	return out
}

// Summary returns aggregate statistics over all cached scores.
func (s *Scorer) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := Summary{
		StatusCounts:      make(map[string]int),
		ComponentAverages: make(map[string]float64),
	}
	if len(s.scores) == 0 {
		return summary
	}

	summary.ScoredNodes = len(s.scores)
	total := 0
	minScore, maxScore := 101, -1
	compTotals := make(map[string]float64)
	compCounts := make(map[string]int)

	for _, score := range s.scores {
		total += score.Value
		if score.Value < minScore {
			minScore = score.Value
		}
		if score.Value > maxScore {
			maxScore = score.Value
		}
		summary.StatusCounts[score.Status]++
		for name, c := range score.Components {
			compTotals[name] += c.Score
			compCounts[name]++
		}
	}

	summary.AverageScore = round1(float64(total) / float64(len(s.scores)))
	summary.MinScore = minScore
	summary.MaxScore = maxScore
	for name, sum := range compTotals {
		summary.ComponentAverages[name] = round1(sum / float64(compCounts[name]))
	}
	return summary
}

// RemoveNode drops the cached score for an evicted node.
func (s *Scorer) RemoveNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scores, nodeID)
}

// Count returns the number of cached scores.
func (s *Scorer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scores)
}

// StatusLabel maps a 0-100 score to a status label.
func StatusLabel(score int) string {
	switch {
	case score >= 80:
		return "excellent"
	case score >= 60:
		return "good"
	case score >= 40:
		return "fair"
	case score >= 20:
		return "poor"
	default:
		return "critical"
	}
}

// evictOldestLocked evicts the node with the oldest score timestamp. Caller
// must hold the mutex.
func (s *Scorer) evictOldestLocked() {
	var oldestID string
	var oldestTS int64 = math.MaxInt64
	for nodeID, score := range s.scores {
		if score.Timestamp < oldestTS {
			oldestTS = score.Timestamp
			oldestID = nodeID
		}
	}
	if oldestID != "" {
		delete(s.scores, oldestID)
	}
}

// --- component scorers ---

func scoreBattery(props map[string]any) *Component {
	battery, hasBattery := numProp(props, "battery")
	voltage, hasVoltage := numProp(props, "voltage")
	if !hasBattery && !hasVoltage {
		return nil
	}

	inputs := map[string]any{}
	var points float64
	switch {
	case hasBattery && hasVoltage:
		points = linearScore(clamp(battery, 0, 100), batteryLow, batteryFull, WeightBattery*0.5) +
			linearScore(voltage, voltageMin, voltageHealthy, WeightBattery*0.5)
		inputs["battery_level"] = battery
		inputs["voltage"] = voltage
	case hasBattery:
		points = linearScore(clamp(battery, 0, 100), batteryLow, batteryFull, WeightBattery)
		inputs["battery_level"] = battery
	default:
		points = linearScore(voltage, voltageMin, voltageHealthy, WeightBattery)
		inputs["voltage"] = voltage
	}
	return &Component{Score: round1(points), Max: WeightBattery, Inputs: inputs}
}

func scoreSignal(props map[string]any) *Component {
	snr, hasSNR := numProp(props, "snr")
	hops, hasHops := numProp(props, "hops_away")
	if !hasSNR && !hasHops {
		return nil
	}
	if hasHops && hops < 0 {
		hops = 0
	}

	inputs := map[string]any{}
	var points float64
	switch {
	case hasSNR && hasHops:
		points = linearScore(snr, snrPoor, snrExcellent, WeightSignal*0.7) +
			linearScore(maxHopsScored-hops, 0, maxHopsScored, WeightSignal*0.3)
		inputs["snr"] = snr
		inputs["hops_away"] = hops
	case hasSNR:
		points = linearScore(snr, snrPoor, snrExcellent, WeightSignal)
		inputs["snr"] = snr
	default:
		points = linearScore(maxHopsScored-hops, 0, maxHopsScored, WeightSignal)
		inputs["hops_away"] = hops
	}
	return &Component{Score: round1(points), Max: WeightSignal, Inputs: inputs}
}

func scoreFreshness(props map[string]any, now time.Time) *Component {
	lastSeen, ok := numProp(props, "last_seen")
	if !ok {
		return nil
	}

	age := float64(now.Unix()) - lastSeen
	if age < 0 {
		age = 0 // clock skew protection
	}
	points := linearScore(staleSeconds-age, 0, staleSeconds-freshSeconds, WeightFreshness)
	return &Component{
		Score:  round1(points),
		Max:    WeightFreshness,
		Inputs: map[string]any{"age_seconds": int64(age)},
	}
}

func scoreReliability(connState nodestate.State) *Component {
	if connState == "" {
		return nil
	}

	var points float64
	switch connState {
	case nodestate.StateStable:
		points = WeightReliability
	case nodestate.StateNew:
		points = WeightReliability * 0.7
	case nodestate.StateIntermittent:
		points = WeightReliability * 0.3
	case nodestate.StateOffline:
		points = 0
	default:
		points = WeightReliability * 0.5
	}
	return &Component{
		Score:  round1(points),
		Max:    WeightReliability,
		Inputs: map[string]any{"connectivity_state": string(connState)},
	}
}

func scoreCongestion(props map[string]any) *Component {
	channelUtil, hasChannel := numProp(props, "channel_util")
	airUtil, hasAir := numProp(props, "air_util_tx")
	if !hasChannel && !hasAir {
		return nil
	}

	inputs := map[string]any{}
	var util float64
	switch {
	case hasChannel && hasAir:
		util = (clamp(channelUtil, 0, 100) + clamp(airUtil, 0, 100)) / 2
		inputs["channel_util"] = channelUtil
		inputs["air_util_tx"] = airUtil
	case hasChannel:
		util = clamp(channelUtil, 0, 100)
		inputs["channel_util"] = channelUtil
	default:
		util = clamp(airUtil, 0, 100)
		inputs["air_util_tx"] = airUtil
	}

	// Lower utilization is better
	points := linearScore(channelUtilHigh-util, 0, channelUtilHigh-channelUtilLow, WeightCongestion)
	return &Component{Score: round1(points), Max: WeightCongestion, Inputs: inputs}
}

// linearScore interpolates linearly between bad (0 points) and good (max
// points), clamped at the ends.
func linearScore(value, bad, good, maxPoints float64) float64 {
	if good == bad {
		if value >= good {
			return maxPoints
		}
		return 0
	}
	ratio := (value - bad) / (good - bad)
	return clamp(ratio, 0, 1) * maxPoints
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// numProp extracts a numeric property, tolerating the types that appear
// after JSON decoding.
func numProp(props map[string]any, key string) (float64, bool) {
	v, ok := props[key]
	if !ok || v == nil {
		return 0, false
	}
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

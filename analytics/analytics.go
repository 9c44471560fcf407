// Package analytics computes time-series aggregations over the node history
// store and the alert engine history: network growth per bucket, hour-of-day
// activity, per-node observation rankings, network summaries, and alert
// trends. All queries are read-only and parameterized.
package analytics

import (
	"sort"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/Nursedude/meshforge-maps/alert"
	"github.com/Nursedude/meshforge-maps/history"
)

// Aggregation bounds.
const (
	DefaultBucketSeconds = 3600
	MaxBuckets           = 720 // 30 days at 1-hour buckets
	minBucketSeconds     = 60
	maxBucketSeconds     = 86400
)

// GrowthBucket is one time bucket of network growth.
type GrowthBucket struct {
	Timestamp    int64 `json:"timestamp"`
	UniqueNodes  int64 `json:"unique_nodes"`
	Observations int64 `json:"observations"`
}

// Growth is the network growth time series.
type Growth struct {
	Buckets       []GrowthBucket `json:"buckets"`
	BucketSeconds int64          `json:"bucket_seconds"`
	Since         int64          `json:"since"`
	Until         int64          `json:"until"`
	TotalBuckets  int            `json:"total_buckets"`
}

// Activity is the hour-of-day observation histogram.
type Activity struct {
	Hours             [24]int64 `json:"hours"`
	Since             int64     `json:"since"`
	Until             int64     `json:"until"`
	PeakHour          *int      `json:"peak_hour"`
	TotalObservations int64     `json:"total_observations"`
}

// RankedNode is one row of the activity ranking.
type RankedNode struct {
	NodeID           string `json:"node_id"`
	ObservationCount int64  `json:"observation_count"`
	FirstSeen        int64  `json:"first_seen"`
	LastSeen         int64  `json:"last_seen"`
	Network          string `json:"network,omitempty"`
	ActiveSeconds    int64  `json:"active_seconds"`
}

// Ranking lists the most active nodes in a window.
type Ranking struct {
	Nodes []RankedNode `json:"nodes"`
	Since int64        `json:"since"`
	Count int          `json:"count"`
}

// NetworkBreakdown summarizes one source network.
type NetworkBreakdown struct {
	NodeCount        int64 `json:"node_count"`
	ObservationCount int64 `json:"observation_count"`
}

// NetworkSummary is the high-level statistics overview.
type NetworkSummary struct {
	UniqueNodes       int64                       `json:"unique_nodes"`
	TotalObservations int64                       `json:"total_observations"`
	AvgObsPerNode     float64                     `json:"avg_observations_per_node"`
	Networks          map[string]NetworkBreakdown `json:"networks"`
	Since             int64                       `json:"since"`
	Until             int64                       `json:"until"`
}

// AlertTrendBucket is one time bucket of alert counts by severity.
type AlertTrendBucket struct {
	Timestamp int64 `json:"timestamp"`
	Critical  int   `json:"critical"`
	Warning   int   `json:"warning"`
	Info      int   `json:"info"`
	Total     int   `json:"total"`
}

// AlertTrends aggregates alert history into severity buckets.
type AlertTrends struct {
	Buckets       []AlertTrendBucket `json:"buckets"`
	BucketSeconds int64              `json:"bucket_seconds"`
	TotalAlerts   int                `json:"total_alerts"`
	TotalBuckets  int                `json:"total_buckets"`
}

// Analytics is the read-only query engine over the history store and alert
// engine. Both dependencies hold their own locks.
type Analytics struct {
	history *history.Store
	alerts  *alert.Engine
}

// New creates the analytics engine. Either dependency may be nil; the
// corresponding queries then return empty results.
func New(historyStore *history.Store, alertEngine *alert.Engine) *Analytics {
	return &Analytics{history: historyStore, alerts: alertEngine}
}

// NetworkGrowth computes the unique-node count per time bucket.
func (a *Analytics) NetworkGrowth(since, until *int64, bucketSeconds int64) Growth {
	now := time.Now().Unix()
	untilTS := now
	if until != nil {
		untilTS = *until
	}
	sinceTS := untilTS - 24*3600
	if since != nil {
		sinceTS = *since
	}
	bucketSeconds = clampBucket(bucketSeconds)

	growth := Growth{
		Buckets:       []GrowthBucket{},
		BucketSeconds: bucketSeconds,
		Since:         sinceTS,
		Until:         untilTS,
	}
	if a.history == nil {
		return growth
	}

	query := `
		SELECT (timestamp / ?) * ? AS bucket_start,
		       COUNT(DISTINCT node_id),
		       COUNT(*)
		FROM observations
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY bucket_start
		ORDER BY bucket_start ASC`

	_ = a.history.Query(query, []any{bucketSeconds, bucketSeconds, sinceTS, untilTS},
		func(stmt *sqlite.Stmt) error {
			if len(growth.Buckets) >= MaxBuckets {
				return nil
			}
			growth.Buckets = append(growth.Buckets, GrowthBucket{
				Timestamp:    stmt.ColumnInt64(0),
				UniqueNodes:  stmt.ColumnInt64(1),
				Observations: stmt.ColumnInt64(2),
			})
			return nil
		})
	growth.TotalBuckets = len(growth.Buckets)
	return growth
}

// ActivityHeatmap computes observation counts per hour of day over a window
// (default: the last seven days).
func (a *Analytics) ActivityHeatmap(since, until *int64) Activity {
	now := time.Now().Unix()
	untilTS := now
	if until != nil {
		untilTS = *until
	}
	sinceTS := untilTS - 7*24*3600
	if since != nil {
		sinceTS = *since
	}

	activity := Activity{Since: sinceTS, Until: untilTS}
	if a.history == nil {
		return activity
	}

	query := `
		SELECT CAST(strftime('%H', timestamp, 'unixepoch') AS INTEGER) AS hour,
		       COUNT(*)
		FROM observations
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY hour
		ORDER BY hour ASC`

	_ = a.history.Query(query, []any{sinceTS, untilTS}, func(stmt *sqlite.Stmt) error {
		hour := stmt.ColumnInt64(0)
		if hour >= 0 && hour < 24 {
			activity.Hours[hour] = stmt.ColumnInt64(1)
		}
		return nil
	})

	var peak int
	var peakCount int64
	for hour, count := range activity.Hours {
		activity.TotalObservations += count
		if count > peakCount {
			peakCount = count
			peak = hour
		}
	}
	if peakCount > 0 {
		activity.PeakHour = &peak
	}
	return activity
}

// NodeRanking ranks nodes by observation count within a window.
func (a *Analytics) NodeRanking(since *int64, limit int) Ranking {
	now := time.Now().Unix()
	sinceTS := now - 24*3600
	if since != nil {
		sinceTS = *since
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	ranking := Ranking{Nodes: []RankedNode{}, Since: sinceTS}
	if a.history == nil {
		return ranking
	}

	query := `
		SELECT node_id, COUNT(*), MIN(timestamp), MAX(timestamp), COALESCE(network, '')
		FROM observations
		WHERE timestamp >= ?
		GROUP BY node_id
		ORDER BY COUNT(*) DESC
		LIMIT ?`

	_ = a.history.Query(query, []any{sinceTS, limit}, func(stmt *sqlite.Stmt) error {
		node := RankedNode{
			NodeID:           stmt.ColumnText(0),
			ObservationCount: stmt.ColumnInt64(1),
			FirstSeen:        stmt.ColumnInt64(2),
			LastSeen:         stmt.ColumnInt64(3),
			Network:          stmt.ColumnText(4),
		}
		node.ActiveSeconds = node.LastSeen - node.FirstSeen
		ranking.Nodes = append(ranking.Nodes, node)
		return nil
	})
	ranking.Count = len(ranking.Nodes)
	return ranking
}

// Summary computes high-level network statistics over a window.
func (a *Analytics) Summary(since *int64) NetworkSummary {
	now := time.Now().Unix()
	sinceTS := now - 24*3600
	if since != nil {
		sinceTS = *since
	}

	summary := NetworkSummary{
		Networks: make(map[string]NetworkBreakdown),
		Since:    sinceTS,
		Until:    now,
	}
	if a.history == nil {
		return summary
	}

	_ = a.history.Query(
		"SELECT COUNT(DISTINCT node_id), COUNT(*) FROM observations WHERE timestamp >= ?",
		[]any{sinceTS},
		func(stmt *sqlite.Stmt) error {
			summary.UniqueNodes = stmt.ColumnInt64(0)
			summary.TotalObservations = stmt.ColumnInt64(1)
			return nil
		})

	_ = a.history.Query(`
		SELECT COALESCE(NULLIF(network, ''), 'unknown') AS net,
		       COUNT(DISTINCT node_id),
		       COUNT(*)
		FROM observations
		WHERE timestamp >= ?
		GROUP BY net
		ORDER BY COUNT(DISTINCT node_id) DESC`,
		[]any{sinceTS},
		func(stmt *sqlite.Stmt) error {
			summary.Networks[stmt.ColumnText(0)] = NetworkBreakdown{
				NodeCount:        stmt.ColumnInt64(1),
				ObservationCount: stmt.ColumnInt64(2),
			}
			return nil
		})

	if summary.UniqueNodes > 0 {
		summary.AvgObsPerNode = round1(float64(summary.TotalObservations) / float64(summary.UniqueNodes))
	}
	return summary
}

// AlertTrends aggregates the in-memory alert history into per-severity time
// buckets.
func (a *Analytics) AlertTrends(bucketSeconds int64, limit int) AlertTrends {
	bucketSeconds = clampBucket(bucketSeconds)
	if limit <= 0 || limit > MaxBuckets {
		limit = 200
	}

	trends := AlertTrends{Buckets: []AlertTrendBucket{}, BucketSeconds: bucketSeconds}
	if a.alerts == nil {
		return trends
	}

	alerts := a.alerts.History(alert.DefaultMaxHistory, "", "")
	trends.TotalAlerts = len(alerts)
	if len(alerts) == 0 {
		return trends
	}

	bucketMap := make(map[int64]*AlertTrendBucket)
	for _, al := range alerts {
		key := (al.Timestamp / bucketSeconds) * bucketSeconds
		b, ok := bucketMap[key]
		if !ok {
			b = &AlertTrendBucket{Timestamp: key}
			bucketMap[key] = b
		}
		switch al.Severity {
		case alert.SeverityCritical:
			b.Critical++
		case alert.SeverityWarning:
			b.Warning++
		default:
			b.Info++
		}
		b.Total++
	}

	keys := make([]int64, 0, len(bucketMap))
	for key := range bucketMap {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	for _, key := range keys {
		trends.Buckets = append(trends.Buckets, *bucketMap[key])
	}
	trends.TotalBuckets = len(trends.Buckets)
	return trends
}

func clampBucket(bucketSeconds int64) int64 {
	if bucketSeconds <= 0 {
		return DefaultBucketSeconds
	}
	if bucketSeconds < minBucketSeconds {
		return minBucketSeconds
	}
	if bucketSeconds > maxBucketSeconds {
		return maxBucketSeconds
	}
	return bucketSeconds
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

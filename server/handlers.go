package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Nursedude/meshforge-maps/alert"
	"github.com/Nursedude/meshforge-maps/collector"
	"github.com/Nursedude/meshforge-maps/config"
	"github.com/Nursedude/meshforge-maps/drift"
	"github.com/Nursedude/meshforge-maps/geo"
	"github.com/Nursedude/meshforge-maps/healthscore"
	"github.com/Nursedude/meshforge-maps/nodestate"
)

// validSourceNames gates the /api/nodes/{source} route.
var validSourceNames = map[string]bool{
	"meshtastic": true,
	"reticulum":  true,
	"aredn":      true,
	"hamclock":   true,
}

func (s *Server) serveGeoJSON(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "aggregator not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Aggregator.CollectAll(r.Context()))
}

func (s *Server) serveSourceGeoJSON(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	if !validSourceNames[source] {
		s.writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	if s.deps.Aggregator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "aggregator not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Aggregator.CollectSource(r.Context(), source))
}

// nodeIDParam validates the {id} path parameter, writing a 400 on failure.
func (s *Server) nodeIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := geo.ValidateNodeID(id); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node ID format")
		return "", false
	}
	return id, true
}

func (s *Server) serveTrajectory(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := s.nodeIDParam(w, r)
	if !ok {
		return
	}
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "node history not available")
		return
	}
	since, ok := int64Param(r, "since")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	until, ok := int64Param(r, "until")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid until parameter")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.History.Trajectory(nodeID, since, until, 0))
}

func (s *Server) serveNodeHistory(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := s.nodeIDParam(w, r)
	if !ok {
		return
	}
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "node history not available")
		return
	}
	since, ok := int64Param(r, "since")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	limit, ok := limitParam(r, "limit", 100)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}

	observations := s.deps.History.NodeHistory(nodeID, since, limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"node_id":      nodeID,
		"observations": observations,
		"count":        len(observations),
	})
}

func (s *Server) serveNodeHealth(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := s.nodeIDParam(w, r)
	if !ok {
		return
	}
	if s.deps.Scorer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health scoring not available")
		return
	}

	if cached := s.deps.Scorer.CachedScore(nodeID); cached != nil {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	// Score on demand from current aggregated data
	if s.deps.Aggregator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no data available")
		return
	}
	data := s.deps.Aggregator.CollectAll(r.Context())
	for _, f := range data.Features {
		if f.ID() != nodeID {
			continue
		}
		score := s.deps.Scorer.ScoreNode(nodeID, f.Properties, s.connState(nodeID), time.Now())
		if score == nil {
			s.writeError(w, http.StatusNotFound, "node has no scoreable metrics")
			return
		}
		s.writeJSON(w, http.StatusOK, score)
		return
	}
	s.writeError(w, http.StatusNotFound, "node not found")
}

func (s *Server) serveAllNodeHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scorer == nil || s.deps.Aggregator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health scoring not available")
		return
	}

	data := s.deps.Aggregator.CollectAll(r.Context())
	results := make([]*healthscore.Score, 0, len(data.Features))
	for _, f := range data.Features {
		nodeID := f.ID()
		if nodeID == "" {
			continue
		}
		if score := s.deps.Scorer.ScoreNode(nodeID, f.Properties, s.connState(nodeID), time.Now()); score != nil {
			results = append(results, score)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"nodes": results,
		"count": len(results),
	})
}

func (s *Server) serveNodeHealthSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scorer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health scoring not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Scorer.Summary())
}

func (s *Server) connState(nodeID string) nodestate.State {
	if s.deps.States == nil {
		return ""
	}
	return s.deps.States.NodeState(nodeID)
}

func (s *Server) serveTopology(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"links": []any{}, "link_count": 0})
		return
	}
	links := s.deps.Aggregator.TopologyLinks()
	s.writeJSON(w, http.StatusOK, map[string]any{"links": links, "link_count": len(links)})
}

func (s *Server) serveTopologyGeoJSON(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		s.writeJSON(w, http.StatusOK, geo.NewFeatureCollection(nil, "topology"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Aggregator.TopologyGeoJSON())
}

func (s *Server) serveOverlay(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Aggregator.CachedOverlay(r.Context()))
}

func (s *Server) serveHamClock(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "aggregator not initialized")
		return
	}
	c := s.deps.Aggregator.Collector("hamclock")
	if c == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "propagation source not enabled", "available": false,
		})
		return
	}
	if src, ok := c.Source().(*collector.HamClockSource); ok {
		s.writeJSON(w, http.StatusOK, src.Data())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"available": false})
}

func (s *Server) serveSystemHealth(w http.ResponseWriter, r *http.Request) {
	agg := s.deps.Aggregator
	if agg == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"score": 0, "status": "offline", "components": map[string]any{},
		})
		return
	}

	cacheTTL := float64(s.deps.Config.Snapshot().CacheTTLMinutes) * 60
	if cacheTTL <= 0 {
		cacheTTL = 900
	}

	// Freshness (0-40): degrades from full at one TTL to zero at three
	freshness := 0.0
	dataAge := agg.LastCollectAge()
	if dataAge != nil {
		switch {
		case *dataAge <= cacheTTL:
			freshness = 40
		case *dataAge <= cacheTTL*3:
			freshness = 40 * (1 - (*dataAge-cacheTTL)/(cacheTTL*2))
		}
	}

	// Source availability (0-30): proportional to sources with data
	sourceScore := 0.0
	counts := agg.LastCounts()
	enabled := len(agg.EnabledSources())
	if enabled > 0 {
		withData := 0
		for _, c := range counts {
			if c > 0 {
				withData++
			}
		}
		sourceScore = 30 * float64(withData) / float64(enabled)
	}

	// Breaker health (0-30): proportional to CLOSED breakers
	cbScore := 0.0
	cbStates := agg.BreakerStates()
	if len(cbStates) > 0 {
		closed := 0
		for _, st := range cbStates {
			if st.State == "closed" {
				closed++
			}
		}
		cbScore = 30 * float64(closed) / float64(len(cbStates))
	}

	total := int(freshness + sourceScore + cbScore)
	if total > 100 {
		total = 100
	}

	status := "critical"
	switch {
	case total >= 80:
		status = "healthy"
	case total >= 60:
		status = "fair"
	case total >= 30:
		status = "degraded"
	}

	resp := map[string]any{
		"score":  total,
		"status": status,
		"components": map[string]any{
			"freshness":        map[string]any{"score": round1(freshness), "max": 40},
			"sources":          map[string]any{"score": round1(sourceScore), "max": 30},
			"circuit_breakers": map[string]any{"score": round1(cbScore), "max": 30},
		},
		"sources_reporting": counts,
	}
	if dataAge != nil {
		resp["data_age_seconds"] = int64(*dataAge)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	settings := s.deps.Config.Snapshot()

	resp := map[string]any{
		"status":  "ok",
		"service": "meshforge-maps",
		"sources": settings.EnabledSources(),
	}
	if !s.startTime.IsZero() {
		resp["uptime_seconds"] = int64(time.Since(s.startTime).Seconds())
	}

	if agg := s.deps.Aggregator; agg != nil {
		counts := agg.LastCounts()
		resp["source_counts"] = counts
		resp["source_health"] = agg.SourceHealth()
		resp["circuit_breakers"] = agg.BreakerStates()
		if bus := agg.Bus(); bus != nil {
			resp["event_bus"] = bus.Stats()
		}
		if age := agg.LastCollectAge(); age != nil {
			resp["data_age_seconds"] = int64(*age)
			cacheTTL := float64(settings.CacheTTLMinutes) * 60
			resp["data_stale"] = *age > cacheTTL*2
		}
		if sub := agg.Subscriber(); sub != nil {
			stats := sub.Stats()
			resp["mqtt_live"] = stats.Connected
			resp["mqtt_node_count"] = stats.NodeCount
		}
	}

	// The ws block is present only when the broadcaster is running
	if s.deps.Broadcast != nil && s.deps.Broadcast.Running() {
		resp["ws"] = s.deps.Broadcast.Stats()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) servePerf(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "aggregator not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Aggregator.PerfMonitor().Stats())
}

func (s *Server) serveNodeStates(w http.ResponseWriter, r *http.Request) {
	if s.deps.States == nil {
		s.writeError(w, http.StatusServiceUnavailable, "node state tracking not available")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"states":  s.deps.States.AllStates(),
		"summary": s.deps.States.Summary(),
	})
}

func (s *Server) serveNodeStatesSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.States == nil {
		s.writeError(w, http.StatusServiceUnavailable, "node state tracking not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.States.Summary())
}

func (s *Server) serveConfigDrift(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drift == nil {
		s.writeError(w, http.StatusServiceUnavailable, "config drift detection not available")
		return
	}
	since, ok := int64Param(r, "since")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	severity := queryParam(r, "severity")
	if severity != "" {
		switch drift.Severity(severity) {
		case drift.SeverityInfo, drift.SeverityWarning, drift.SeverityCritical:
		default:
			s.writeError(w, http.StatusBadRequest, "invalid severity parameter")
			return
		}
	}

	sinceTS := int64(0)
	if since != nil {
		sinceTS = *since
	}
	drifts := s.deps.Drift.AllDrifts(sinceTS, drift.Severity(severity))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"drifts":  drifts,
		"count":   len(drifts),
		"summary": s.deps.Drift.Summary(),
	})
}

func (s *Server) serveMQTTStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil || s.deps.Aggregator.Subscriber() == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"available": false, "status": "not_configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Aggregator.Subscriber().Stats())
}

func (s *Server) serveAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alerting not available")
		return
	}
	limit, ok := limitParam(r, "limit", 50)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}
	nodeID := queryParam(r, "node_id")
	if nodeID != "" {
		if _, err := geo.ValidateNodeID(nodeID); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid node_id parameter")
			return
		}
	}
	severity := queryParam(r, "severity")

	alerts := s.deps.Alerts.History(limit, alert.Severity(severity), nodeID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) serveActiveAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alerting not available")
		return
	}
	active := s.deps.Alerts.ActiveAlerts()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": active,
		"count":  len(active),
	})
}

func (s *Server) serveAlertRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alerting not available")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": s.deps.Alerts.Rules()})
}

func (s *Server) serveAlertSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alerting not available")
		return
	}
	resp := map[string]any{"summary": s.deps.Alerts.Summary()}
	if s.deps.Aggregator != nil && s.deps.Aggregator.Subscriber() != nil {
		resp["mqtt"] = s.deps.Aggregator.Subscriber().Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) serveAcknowledge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alerting not available")
		return
	}
	alertID := r.PathValue("id")
	if !s.deps.Alerts.Acknowledge(alertID) {
		s.writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": alertID})
}

func (s *Server) serveGrowth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not available")
		return
	}
	since, ok := int64Param(r, "since")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	until, ok := int64Param(r, "until")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid until parameter")
		return
	}
	bucket, ok := int64Param(r, "bucket")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid bucket parameter")
		return
	}
	var bucketSecs int64
	if bucket != nil {
		bucketSecs = *bucket
	}
	s.writeJSON(w, http.StatusOK, s.deps.Analytics.NetworkGrowth(since, until, bucketSecs))
}

func (s *Server) serveActivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not available")
		return
	}
	since, ok := int64Param(r, "since")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	until, ok := int64Param(r, "until")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid until parameter")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Analytics.ActivityHeatmap(since, until))
}

func (s *Server) serveRanking(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not available")
		return
	}
	since, ok := int64Param(r, "since")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	limit, ok := limitParam(r, "limit", 50)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Analytics.NodeRanking(since, limit))
}

func (s *Server) serveAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not available")
		return
	}
	since, ok := int64Param(r, "since")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Analytics.Summary(since))
}

func (s *Server) serveAlertTrends(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not available")
		return
	}
	bucket, ok := int64Param(r, "bucket")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid bucket parameter")
		return
	}
	var bucketSecs int64
	if bucket != nil {
		bucketSecs = *bucket
	}
	s.writeJSON(w, http.StatusOK, s.deps.Analytics.AlertTrends(bucketSecs, 0))
}

func (s *Server) serveTrackedNodes(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "node history not available")
		return
	}
	nodes := s.deps.History.TrackedNodes()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"nodes":              nodes,
		"total_nodes":        len(nodes),
		"total_observations": s.deps.History.ObservationCount(),
	})
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "node history not available")
		return
	}
	ts, err := parseInt64(r.PathValue("ts"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid timestamp")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.History.Snapshot(ts))
}

func (s *Server) serveConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config.Redacted()
	cfg["network_colors"] = config.NetworkColors
	if s.deps.Broadcast != nil && s.deps.Broadcast.Running() {
		cfg["ws_port"] = s.deps.Broadcast.Port()
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) serveTileProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, config.TileProviders)
}

func (s *Server) serveSources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sources":        s.deps.Config.Snapshot().EnabledSources(),
		"network_colors": config.NetworkColors,
	})
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

func parseInt64(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

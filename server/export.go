package server

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
)

// writeCSV writes a CSV attachment with the proper escaping and headers.
func (s *Server) writeCSV(w http.ResponseWriter, filename string, header []string, rows [][]string) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Write(header)
	for _, row := range rows {
		cw.Write(row)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "csv encoding failed")
		return
	}

	body := buf.Bytes()
	h := w.Header()
	h.Set("Content-Type", "text/csv")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) serveExportNodes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "aggregator not initialized")
		return
	}
	format := queryParam(r, "format")
	if format == "" {
		format = "csv"
	}

	data := s.deps.Aggregator.CollectAll(r.Context())
	if format == "json" {
		s.writeJSON(w, http.StatusOK, data)
		return
	}
	if format != "csv" {
		s.writeError(w, http.StatusBadRequest, "invalid format parameter")
		return
	}

	header := []string{"id", "name", "network", "lat", "lon", "battery", "snr", "last_seen", "is_online"}
	rows := make([][]string, 0, len(data.Features))
	for _, f := range data.Features {
		lat, lon, hasGeo := f.LatLon()
		row := []string{
			f.ID(),
			propString(f.Properties, "name"),
			f.Network(),
			"", "",
			propString(f.Properties, "battery"),
			propString(f.Properties, "snr"),
			propString(f.Properties, "last_seen"),
			propString(f.Properties, "is_online"),
		}
		if hasGeo {
			row[3] = strconv.FormatFloat(lat, 'f', -1, 64)
			row[4] = strconv.FormatFloat(lon, 'f', -1, 64)
		}
		rows = append(rows, row)
	}
	s.writeCSV(w, "meshforge_nodes.csv", header, rows)
}

func (s *Server) serveExportAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alerting not available")
		return
	}
	format := queryParam(r, "format")
	if format == "" {
		format = "csv"
	}

	alerts := s.deps.Alerts.History(maxLimit, "", "")
	if format == "json" {
		s.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
		return
	}
	if format != "csv" {
		s.writeError(w, http.StatusBadRequest, "invalid format parameter")
		return
	}

	header := []string{"alert_id", "rule_id", "alert_type", "severity", "node_id", "metric", "value", "threshold", "message", "timestamp", "acknowledged"}
	rows := make([][]string, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, []string{
			a.AlertID,
			a.RuleID,
			a.AlertType,
			string(a.Severity),
			a.NodeID,
			a.Metric,
			strconv.FormatFloat(a.Value, 'f', -1, 64),
			strconv.FormatFloat(a.Threshold, 'f', -1, 64),
			a.Message,
			strconv.FormatInt(a.Timestamp, 10),
			strconv.FormatBool(a.Acknowledged),
		})
	}
	s.writeCSV(w, "meshforge_alerts.csv", header, rows)
}

func (s *Server) serveExportAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not available")
		return
	}

	switch r.PathValue("kind") {
	case "growth":
		growth := s.deps.Analytics.NetworkGrowth(nil, nil, 0)
		header := []string{"timestamp", "unique_nodes", "observations"}
		rows := make([][]string, 0, len(growth.Buckets))
		for _, b := range growth.Buckets {
			rows = append(rows, []string{
				strconv.FormatInt(b.Timestamp, 10),
				strconv.FormatInt(b.UniqueNodes, 10),
				strconv.FormatInt(b.Observations, 10),
			})
		}
		s.writeCSV(w, "meshforge_growth.csv", header, rows)

	case "activity":
		activity := s.deps.Analytics.ActivityHeatmap(nil, nil)
		header := []string{"hour", "observations"}
		rows := make([][]string, 0, 24)
		for hour, count := range activity.Hours {
			rows = append(rows, []string{
				strconv.Itoa(hour),
				strconv.FormatInt(count, 10),
			})
		}
		s.writeCSV(w, "meshforge_activity.csv", header, rows)

	case "ranking":
		ranking := s.deps.Analytics.NodeRanking(nil, 100)
		header := []string{"node_id", "observation_count", "first_seen", "last_seen", "network"}
		rows := make([][]string, 0, len(ranking.Nodes))
		for _, n := range ranking.Nodes {
			rows = append(rows, []string{
				n.NodeID,
				strconv.FormatInt(n.ObservationCount, 10),
				strconv.FormatInt(n.FirstSeen, 10),
				strconv.FormatInt(n.LastSeen, 10),
				n.Network,
			})
		}
		s.writeCSV(w, "meshforge_ranking.csv", header, rows)

	default:
		s.writeError(w, http.StatusNotFound, "unknown analytics export kind")
	}
}

func propString(props map[string]any, key string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(n, 10)
	case int:
		return strconv.Itoa(n)
	case bool:
		return strconv.FormatBool(n)
	}
	return fmt.Sprintf("%v", v)
}

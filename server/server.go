// Package server implements the HTTP delivery plane: the documented API
// surface over the aggregator, history store, alert engine, health scorer,
// state tracker, drift detector, and analytics module — through their public
// accessors only. Responses carry uniform security headers; an optional
// pre-shared key gates every /api route with a timing-safe comparison.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Nursedude/meshforge-maps/alert"
	"github.com/Nursedude/meshforge-maps/analytics"
	"github.com/Nursedude/meshforge-maps/collector"
	"github.com/Nursedude/meshforge-maps/config"
	"github.com/Nursedude/meshforge-maps/drift"
	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/healthscore"
	"github.com/Nursedude/meshforge-maps/history"
	"github.com/Nursedude/meshforge-maps/metric"
	"github.com/Nursedude/meshforge-maps/nodestate"
	"github.com/Nursedude/meshforge-maps/ws"
)

// Server tunables.
const (
	portAttempts    = 5
	shutdownTimeout = 5 * time.Second

	serverHeader = "MeshForge-Maps/1.0"
	apiKeyHeader = "X-MeshForge-Key"

	maxLimit = 10000
)

// Deps carries the server's collaborators. Aggregator and Config are
// required; everything else degrades gracefully when nil.
type Deps struct {
	Config     *config.Config
	Aggregator *collector.Aggregator
	History    *history.Store
	Alerts     *alert.Engine
	Scorer     *healthscore.Scorer
	States     *nodestate.Tracker
	Drift      *drift.Detector
	Analytics  *analytics.Analytics
	Broadcast  *ws.Broadcaster
	Metrics    *metric.Registry
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	port       int
	startTime  time.Time
	done       chan struct{}
}

// route is one entry in the static dispatch table.
type route struct {
	method  string
	pattern string
	handler string
}

// The route table is built once; handler names resolve through the handler
// map at mux construction, never per request.
var routeTable = []route{
	{http.MethodGet, "/{$}", "serveMapPage"},
	{http.MethodGet, "/api/nodes/geojson", "serveGeoJSON"},
	{http.MethodGet, "/api/nodes/{source}", "serveSourceGeoJSON"},
	{http.MethodGet, "/api/nodes/{id}/trajectory", "serveTrajectory"},
	{http.MethodGet, "/api/nodes/{id}/history", "serveNodeHistory"},
	{http.MethodGet, "/api/nodes/{id}/health", "serveNodeHealth"},
	{http.MethodGet, "/api/topology", "serveTopology"},
	{http.MethodGet, "/api/topology/geojson", "serveTopologyGeoJSON"},
	{http.MethodGet, "/api/overlay", "serveOverlay"},
	{http.MethodGet, "/api/hamclock", "serveHamClock"},
	{http.MethodGet, "/api/node-health", "serveAllNodeHealth"},
	{http.MethodGet, "/api/node-health/summary", "serveNodeHealthSummary"},
	{http.MethodGet, "/api/health", "serveSystemHealth"},
	{http.MethodGet, "/api/status", "serveStatus"},
	{http.MethodGet, "/api/perf", "servePerf"},
	{http.MethodGet, "/api/node-states", "serveNodeStates"},
	{http.MethodGet, "/api/node-states/summary", "serveNodeStatesSummary"},
	{http.MethodGet, "/api/config-drift", "serveConfigDrift"},
	{http.MethodGet, "/api/mqtt/stats", "serveMQTTStats"},
	{http.MethodGet, "/api/alerts", "serveAlerts"},
	{http.MethodGet, "/api/alerts/active", "serveActiveAlerts"},
	{http.MethodGet, "/api/alerts/rules", "serveAlertRules"},
	{http.MethodGet, "/api/alerts/summary", "serveAlertSummary"},
	{http.MethodPost, "/api/alerts/{id}/acknowledge", "serveAcknowledge"},
	{http.MethodGet, "/api/analytics/growth", "serveGrowth"},
	{http.MethodGet, "/api/analytics/activity", "serveActivity"},
	{http.MethodGet, "/api/analytics/ranking", "serveRanking"},
	{http.MethodGet, "/api/analytics/summary", "serveAnalyticsSummary"},
	{http.MethodGet, "/api/analytics/alert-trends", "serveAlertTrends"},
	{http.MethodGet, "/api/history/nodes", "serveTrackedNodes"},
	{http.MethodGet, "/api/snapshot/{ts}", "serveSnapshot"},
	{http.MethodGet, "/api/config", "serveConfig"},
	{http.MethodGet, "/api/tile-providers", "serveTileProviders"},
	{http.MethodGet, "/api/sources", "serveSources"},
	{http.MethodGet, "/api/export/nodes", "serveExportNodes"},
	{http.MethodGet, "/api/export/alerts", "serveExportAlerts"},
	{http.MethodGet, "/api/export/analytics/{kind}", "serveExportAnalytics"},
}

// New creates the HTTP server.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// handlers maps route handler names to methods. The dispatch table above
// refers to handlers by name so the API surface reads as one block.
func (s *Server) handlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"serveMapPage":           s.serveMapPage,
		"serveGeoJSON":           s.serveGeoJSON,
		"serveSourceGeoJSON":     s.serveSourceGeoJSON,
		"serveTrajectory":        s.serveTrajectory,
		"serveNodeHistory":       s.serveNodeHistory,
		"serveNodeHealth":        s.serveNodeHealth,
		"serveTopology":          s.serveTopology,
		"serveTopologyGeoJSON":   s.serveTopologyGeoJSON,
		"serveOverlay":           s.serveOverlay,
		"serveHamClock":          s.serveHamClock,
		"serveAllNodeHealth":     s.serveAllNodeHealth,
		"serveNodeHealthSummary": s.serveNodeHealthSummary,
		"serveSystemHealth":      s.serveSystemHealth,
		"serveStatus":            s.serveStatus,
		"servePerf":              s.servePerf,
		"serveNodeStates":        s.serveNodeStates,
		"serveNodeStatesSummary": s.serveNodeStatesSummary,
		"serveConfigDrift":       s.serveConfigDrift,
		"serveMQTTStats":         s.serveMQTTStats,
		"serveAlerts":            s.serveAlerts,
		"serveActiveAlerts":      s.serveActiveAlerts,
		"serveAlertRules":        s.serveAlertRules,
		"serveAlertSummary":      s.serveAlertSummary,
		"serveAcknowledge":       s.serveAcknowledge,
		"serveGrowth":            s.serveGrowth,
		"serveActivity":          s.serveActivity,
		"serveRanking":           s.serveRanking,
		"serveAnalyticsSummary":  s.serveAnalyticsSummary,
		"serveAlertTrends":       s.serveAlertTrends,
		"serveTrackedNodes":      s.serveTrackedNodes,
		"serveSnapshot":          s.serveSnapshot,
		"serveConfig":            s.serveConfig,
		"serveTileProviders":     s.serveTileProviders,
		"serveSources":           s.serveSources,
		"serveExportNodes":       s.serveExportNodes,
		"serveExportAlerts":      s.serveExportAlerts,
		"serveExportAnalytics":   s.serveExportAnalytics,
	}
}

// Handler builds the routed handler with middleware applied. Exposed for
// tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handlers := s.handlers()
	for _, rt := range routeTable {
		h, ok := handlers[rt.handler]
		if !ok {
			panic(fmt.Sprintf("route %s %s refers to unknown handler %s", rt.method, rt.pattern, rt.handler))
		}
		mux.HandleFunc(rt.method+" "+rt.pattern, h)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	mux.HandleFunc("/", s.serveNotFound)
	return s.middleware(mux)
}

// Start binds the listener, trying up to five adjacent ports, and serves in
// the background.
func (s *Server) Start() error {
	settings := s.deps.Config.Snapshot()
	host := settings.HTTPHost
	basePort := settings.HTTPPort

	var listener net.Listener
	var err error
	var port int
	for offset := 0; offset < portAttempts; offset++ {
		port = basePort + offset
		listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			break
		}
		s.logger.Debug("port unavailable", "port", port, "error", err)
	}
	if listener == nil {
		return errors.WrapFatal(errors.ErrPortUnavailable, "Server", "Start",
			fmt.Sprintf("bind %s:%d-%d", host, basePort, basePort+portAttempts-1))
	}

	s.listener = listener
	s.port = port
	s.startTime = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	if port != basePort {
		s.logger.Warn("port in use, server started on fallback",
			"base_port", basePort, "port", port)
	} else {
		s.logger.Info("map server started", "addr", fmt.Sprintf("http://%s:%d", host, port))
	}
	return nil
}

// Port returns the bound port (0 before Start).
func (s *Server) Port() int { return s.port }

// Stop shuts the server down, joins the serving goroutine with a deadline,
// and closes the listener so the port frees immediately.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := contextWithTimeout(shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
	select {
	case <-s.done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("http serve goroutine did not exit within deadline")
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.logger.Info("map server stopped")
}

// middleware applies the universal response policy: security headers on
// every response, optional CORS, and timing-safe API-key enforcement on the
// /api tree.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Server", serverHeader)

		settings := s.deps.Config.Snapshot()
		if settings.CORSAllowedOrigin != "" {
			h.Set("Access-Control-Allow-Origin", settings.CORSAllowedOrigin)
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, "+apiKeyHeader)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		if settings.APIKey != "" && isAPIPath(r.URL.Path) {
			presented := r.Header.Get(apiKeyHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(settings.APIKey)) != 1 {
				// Do not reveal whether the key is unset or wrong
				s.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func isAPIPath(path string) bool {
	return len(path) >= 5 && path[:5] == "/api/"
}

// writeJSON writes a JSON response with Content-Length set.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("json serialization failed", "error", err)
		body = []byte(`{"error":"serialization error"}`)
		status = http.StatusInternalServerError
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}

func (s *Server) serveNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "not found")
}

// queryParam extracts a single query value, tolerating missing and empty
// values.
func queryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// int64Param parses an optional numeric query parameter. The bool result is
// false when the parameter is present but malformed.
func int64Param(r *http.Request, key string) (*int64, bool) {
	raw := queryParam(r, key)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

// limitParam parses a limit parameter, clamped to [1, maxLimit].
func limitParam(r *http.Request, key string, def int) (int, bool) {
	raw := queryParam(r, key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	if v < 1 {
		v = 1
	}
	if v > maxLimit {
		v = maxLimit
	}
	return v, true
}

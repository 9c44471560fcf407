package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nursedude/meshforge-maps/alert"
	"github.com/Nursedude/meshforge-maps/analytics"
	"github.com/Nursedude/meshforge-maps/breaker"
	"github.com/Nursedude/meshforge-maps/collector"
	"github.com/Nursedude/meshforge-maps/config"
	"github.com/Nursedude/meshforge-maps/drift"
	"github.com/Nursedude/meshforge-maps/eventbus"
	"github.com/Nursedude/meshforge-maps/geo"
	"github.com/Nursedude/meshforge-maps/healthscore"
	"github.com/Nursedude/meshforge-maps/history"
	"github.com/Nursedude/meshforge-maps/nodestate"
)

type staticSource struct {
	name     string
	features []*geo.Feature
}

func (s *staticSource) Name() string { return s.name }
func (s *staticSource) Fetch(context.Context) (*geo.FeatureCollection, error) {
	return geo.NewFeatureCollection(s.features, s.name), nil
}

func feature(t *testing.T, id string, network string, props map[string]any) *geo.Feature {
	t.Helper()
	f, err := geo.MakeFeature(id, 39.7, -104.9, network, props)
	require.NoError(t, err)
	return f
}

// newTestServer assembles a server over fake sources and in-memory stores.
func newTestServer(t *testing.T, mutate func(*config.Settings)) (*Server, *history.Store) {
	t.Helper()

	cfg := config.Load(filepath.Join(t.TempDir(), "settings.json"), nil)
	if mutate != nil {
		s := cfg.Snapshot()
		mutate(&s)
		cfg.Update(s)
	}

	bus := eventbus.New(nil)
	breakers := breaker.NewRegistry(5, time.Minute, nil)
	agg := collector.NewAggregator(nil, breakers, bus, nil, nil)
	agg.Add(collector.New(&staticSource{name: "meshtastic", features: []*geo.Feature{
		feature(t, "!deadbeef", "meshtastic", map[string]any{
			"name": "Denver", "battery": 88.0, "snr": 6.0,
			"last_seen": float64(time.Now().Unix()),
		}),
	}}, nil))

	hist, err := history.Open(":memory:", time.Nanosecond, history.DefaultRetention, nil)
	require.NoError(t, err)
	t.Cleanup(hist.Close)

	alerts := alert.NewEngine(nil)
	srv := New(Deps{
		Config:     cfg,
		Aggregator: agg,
		History:    hist,
		Alerts:     alerts,
		Scorer:     healthscore.NewScorer(0),
		States:     nodestate.NewTracker(nil),
		Drift:      drift.NewDetector(nil),
		Analytics:  analytics.New(hist, alerts),
	}, nil)
	return srv, hist
}

func get(t *testing.T, h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	for _, path := range []string{"/", "/api/status", "/api/nowhere"} {
		w := get(t, h, path, nil)
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"), path)
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"), path)
		assert.Equal(t, "MeshForge-Maps/1.0", w.Header().Get("Server"), path)
		assert.NotEmpty(t, w.Header().Get("Content-Length"), path)
	}
}

func TestMapPageCSP(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := get(t, srv.Handler(), "/", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'self'")
}

func TestGeoJSONEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := get(t, srv.Handler(), "/api/nodes/geojson", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, "FeatureCollection", body["type"])
	features := body["features"].([]any)
	require.Len(t, features, 1)
}

func TestSourceGeoJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	w := get(t, h, "/api/nodes/meshtastic", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(t, h, "/api/nodes/notasource", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestNodeIDValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	w := get(t, h, "/api/nodes/zzz!bad/trajectory", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, h, "/api/nodes/%21deadbeef/trajectory", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQueryParamValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	w := get(t, h, "/api/nodes/%21deadbeef/history?since=notanumber", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, h, "/api/nodes/%21deadbeef/history?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, h, "/api/analytics/growth?bucket=xyz", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthKeyEnforcement(t *testing.T) {
	srv, _ := newTestServer(t, func(s *config.Settings) { s.APIKey = "sekrit" })
	h := srv.Handler()

	// Missing key
	w := get(t, h, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong key
	w = get(t, h, "/api/status", map[string]string{"X-MeshForge-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Correct key
	w = get(t, h, "/api/status", map[string]string{"X-MeshForge-Key": "sekrit"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Non-API paths stay open
	w = get(t, h, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSOnlyWhenConfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := get(t, srv.Handler(), "/api/status", nil)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	srv2, _ := newTestServer(t, func(s *config.Settings) { s.CORSAllowedOrigin = "https://maps.example.org" })
	w = get(t, srv2.Handler(), "/api/status", nil)
	assert.Equal(t, "https://maps.example.org", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	// Prime the aggregator so status carries counts
	get(t, h, "/api/nodes/geojson", nil)

	w := get(t, h, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "source_counts")
	assert.Contains(t, body, "event_bus")
	assert.Contains(t, body, "circuit_breakers")
	// No broadcaster configured: no ws block
	assert.NotContains(t, body, "ws")
}

func TestSystemHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()
	get(t, h, "/api/nodes/geojson", nil) // prime

	w := get(t, h, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)

	score := body["score"].(float64)
	assert.GreaterOrEqual(t, score, float64(0))
	assert.LessOrEqual(t, score, float64(100))
	assert.Contains(t, body, "components")
}

func TestNodeHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := get(t, srv.Handler(), "/api/nodes/%21deadbeef/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Contains(t, body, "score")
	assert.Contains(t, body, "status")
	assert.Contains(t, body, "components")
}

func TestAlertsFlow(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	// Fire an alert through the engine
	fired := srv.deps.Alerts.EvaluateNode("!deadbeef", map[string]any{"battery": 3.0}, nil, time.Now())
	require.NotEmpty(t, fired)

	w := get(t, h, "/api/alerts", nil)
	body := decodeJSON(t, w)
	assert.GreaterOrEqual(t, int(body["count"].(float64)), 2)

	w = get(t, h, "/api/alerts/active", nil)
	body = decodeJSON(t, w)
	assert.Greater(t, int(body["count"].(float64)), 0)

	// Acknowledge via API
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/"+fired[0].AlertID+"/acknowledge", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	w = get(t, h, "/api/alerts/rules", nil)
	body = decodeJSON(t, w)
	assert.Len(t, body["rules"].([]any), 5)

	w = get(t, h, "/api/alerts?severity=critical&node_id=notvalid!!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotAndTrackedNodes(t *testing.T) {
	srv, hist := newTestServer(t, nil)
	h := srv.Handler()

	hist.RecordObservation("!a", 39.0, -104.0, history.Record{Timestamp: 100})
	hist.RecordObservation("!a", 39.1, -104.1, history.Record{Timestamp: 200})
	hist.RecordObservation("!b", 40.0, -105.0, history.Record{Timestamp: 150})

	w := get(t, h, "/api/snapshot/220", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, float64(2), body["properties"].(map[string]any)["node_count"])

	w = get(t, h, "/api/snapshot/notatimestamp", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, h, "/api/history/nodes", nil)
	body = decodeJSON(t, w)
	assert.Equal(t, float64(2), body["total_nodes"])
}

func TestConfigRedaction(t *testing.T) {
	srv, _ := newTestServer(t, func(s *config.Settings) {
		s.APIKey = ""
		s.MQTTPassword = "supersecret"
	})
	w := get(t, srv.Handler(), "/api/config", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "supersecret")
	body := decodeJSON(t, w)
	assert.Contains(t, body, "network_colors")
}

func TestExportCSV(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	w := get(t, h, "/api/export/nodes?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Body.String(), "!deadbeef")

	w = get(t, h, "/api/export/nodes?format=json", nil)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	w = get(t, h, "/api/export/nodes?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, h, "/api/export/analytics/growth", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = get(t, h, "/api/export/analytics/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTileProvidersAndSources(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	w := get(t, h, "/api/tile-providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Contains(t, body, "carto_dark")

	w = get(t, h, "/api/sources", nil)
	body = decodeJSON(t, w)
	assert.Contains(t, body["sources"], "meshtastic")
}

func TestNotFoundIsJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := get(t, srv.Handler(), "/api/definitely/not/here", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestStartStop(t *testing.T) {
	srv, _ := newTestServer(t, func(s *config.Settings) {
		s.HTTPHost = "127.0.0.1"
		s.HTTPPort = 0 // kernel-assigned; the port fallback is not exercised here
	})
	// Port 0 binds an ephemeral port on the first attempt
	require.NoError(t, srv.Start())
	assert.NotNil(t, srv.httpServer)
	srv.Stop()
}

package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCoreMetrics(t *testing.T) {
	r := NewRegistry()

	r.Metrics.MessagesReceived.WithLabelValues("position").Inc()
	r.Metrics.AlertsFired.WithLabelValues("critical").Add(2)
	r.Metrics.NodesTracked.Set(42)

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["meshforge_mqtt_messages_received_total"])
	assert.True(t, names["meshforge_alert_fired_total"])
	assert.True(t, names["meshforge_store_nodes_tracked"])
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	require.NoError(t, r.Register("ws", "frames", c))

	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter2_total", Help: "test"})
	err := r.Register("ws", "frames", c2)
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	require.NoError(t, r.Register("ws", "frames", c))
	assert.True(t, r.Unregister("ws", "frames"))
	assert.False(t, r.Unregister("ws", "frames"))
}

func TestHandlerServesScrape(t *testing.T) {
	r := NewRegistry()
	r.Metrics.ParseErrors.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "meshforge_mqtt_parse_errors_total")
}

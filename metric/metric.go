// Package metric manages Prometheus metric registration for the service.
// A single Registry owns a private prometheus.Registry preloaded with Go
// runtime and process collectors plus the core service metrics; components
// register their own collectors through it.
package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Nursedude/meshforge-maps/errors"
)

// Metrics holds the core service-wide metrics.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	ParseErrors       prometheus.Counter
	EventsPublished   prometheus.Counter
	EventsDelivered   prometheus.Counter
	EventErrors       prometheus.Counter
	CollectDuration   *prometheus.HistogramVec
	CollectErrors     *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec
	NodesTracked      prometheus.Gauge
	AlertsFired       *prometheus.CounterVec
	WSClientsGauge    prometheus.Gauge
	WSMessagesSent    prometheus.Counter
	BreakerState      *prometheus.GaugeVec
	ObservationsSaved prometheus.Counter
}

// NewMetrics creates the core metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "mqtt",
			Name: "messages_received_total",
			Help: "Broker envelopes received, by decoded kind",
		}, []string{"kind"}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "mqtt",
			Name: "parse_errors_total",
			Help: "Broker payloads that failed to decode",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "bus",
			Name: "events_published_total",
			Help: "Events published on the event bus",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "bus",
			Name: "events_delivered_total",
			Help: "Event deliveries to subscribers",
		}),
		EventErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "bus",
			Name: "subscriber_errors_total",
			Help: "Subscriber callbacks that panicked",
		}),
		CollectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshforge", Subsystem: "collector",
			Name:    "collect_duration_seconds",
			Help:    "Per-source collection latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		CollectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "collector",
			Name: "errors_total",
			Help: "Collection failures after retries, by source",
		}, []string{"source"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "collector",
			Name: "cache_hits_total",
			Help: "Collections served from cache, by source",
		}, []string{"source"}),
		NodesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshforge", Subsystem: "store",
			Name: "nodes_tracked",
			Help: "Nodes currently in the in-memory store",
		}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "alert",
			Name: "fired_total",
			Help: "Alerts fired, by severity",
		}, []string{"severity"}),
		WSClientsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshforge", Subsystem: "websocket",
			Name: "clients_connected",
			Help: "Currently connected websocket clients",
		}),
		WSMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "websocket",
			Name: "messages_sent_total",
			Help: "Frames sent to websocket clients",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshforge", Subsystem: "breaker",
			Name: "state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"source"}),
		ObservationsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshforge", Subsystem: "history",
			Name: "observations_recorded_total",
			Help: "Position observations written to the history store",
		}),
	}
}

// Registry manages metric registration and exposes the scrape handler.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics

	mu         sync.Mutex
	registered map[string]prometheus.Collector
}

// NewRegistry creates a registry with core metrics plus Go runtime and
// process collectors.
func NewRegistry() *Registry {
	promReg := prometheus.NewRegistry()
	r := &Registry{
		prometheusRegistry: promReg,
		Metrics:            NewMetrics(),
		registered:         make(map[string]prometheus.Collector),
	}

	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Metrics.MessagesReceived,
		r.Metrics.ParseErrors,
		r.Metrics.EventsPublished,
		r.Metrics.EventsDelivered,
		r.Metrics.EventErrors,
		r.Metrics.CollectDuration,
		r.Metrics.CollectErrors,
		r.Metrics.CacheHits,
		r.Metrics.NodesTracked,
		r.Metrics.AlertsFired,
		r.Metrics.WSClientsGauge,
		r.Metrics.WSMessagesSent,
		r.Metrics.BreakerState,
		r.Metrics.ObservationsSaved,
	)
	return r
}

// PrometheusRegistry returns the underlying registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register registers a component-owned collector under a namespaced key.
// Duplicate keys are rejected so components cannot clobber each other.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
			"duplicate metric registration for "+key)
	}
	if err := r.prometheusRegistry.Register(c); err != nil {
		return errors.WrapFatal(err, "Registry", "Register", "prometheus registration")
	}
	r.registered[key] = c
	return nil
}

// Unregister removes a previously registered collector.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	c, ok := r.registered[key]
	if !ok {
		return false
	}
	if r.prometheusRegistry.Unregister(c) {
		delete(r.registered, key)
		return true
	}
	return false
}

// Handler returns the /metrics scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

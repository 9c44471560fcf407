package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Nursedude/meshforge-maps/breaker"
	"github.com/Nursedude/meshforge-maps/eventbus"
	"github.com/Nursedude/meshforge-maps/geo"
	"github.com/Nursedude/meshforge-maps/mqttsub"
	"github.com/Nursedude/meshforge-maps/perf"
)

// collectDeadline bounds a full aggregation cycle; a slow collector does not
// block the others, it is simply absent from this cycle and its cache serves
// the next read.
const collectDeadline = 30 * time.Second

// Aggregator merges feature collections from all enabled collectors into a
// unified collection with deduplication, builds the merged topology, folds
// overlay data, and publishes per-source up/down transitions on the event
// bus. It exclusively owns its collector instances for the life of the
// server process.
type Aggregator struct {
	order      []string
	collectors map[string]*Collector
	subscriber *mqttsub.Subscriber
	breakers   *breaker.Registry
	bus        *eventbus.Bus
	perfMon    *perf.Monitor
	logger     *slog.Logger

	dataMu        sync.Mutex
	lastResult    *geo.FeatureCollection
	cachedOverlay map[string]any
	lastTime      time.Time
	lastCounts    map[string]int
	sourceUp      map[string]bool
}

// NewAggregator creates the aggregator. Collectors are aggregated in the
// order given; dedup keeps the first occurrence, so enable-order is
// precedence order.
func NewAggregator(subscriber *mqttsub.Subscriber, breakers *breaker.Registry, bus *eventbus.Bus, perfMon *perf.Monitor, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if perfMon == nil {
		perfMon = perf.NewMonitor()
	}
	return &Aggregator{
		collectors: make(map[string]*Collector),
		subscriber: subscriber,
		breakers:   breakers,
		bus:        bus,
		perfMon:    perfMon,
		logger:     logger,
		lastCounts: make(map[string]int),
		sourceUp:   make(map[string]bool),
	}
}

// Add registers a collector. Registration order is aggregation order.
func (a *Aggregator) Add(c *Collector) {
	name := c.Name()
	if _, exists := a.collectors[name]; exists {
		return
	}
	a.order = append(a.order, name)
	a.collectors[name] = c
}

// Collector returns a registered collector by name, or nil.
func (a *Aggregator) Collector(name string) *Collector {
	return a.collectors[name]
}

// EnabledSources lists registered source names in aggregation order.
func (a *Aggregator) EnabledSources() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// CollectAll runs every enabled collector in parallel, merges the features
// with first-wins dedup, folds overlay data, publishes service transitions,
// and persists the snapshot for /api readers.
func (a *Aggregator) CollectAll(ctx context.Context) *geo.FeatureCollection {
	ctx, cancel := context.WithTimeout(ctx, collectDeadline)
	defer cancel()

	cycleStart := time.Now()

	type sourceResult struct {
		fc        *geo.FeatureCollection
		fromCache bool
	}
	results := make([]sourceResult, len(a.order))

	var resultsMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range a.order {
		i, c := i, a.collectors[name]
		g.Go(func() error {
			start := time.Now()
			fc, fromCache := c.Collect(gctx)
			resultsMu.Lock()
			results[i] = sourceResult{fc: fc, fromCache: fromCache}
			resultsMu.Unlock()
			a.perfMon.RecordTiming(c.Name(), time.Since(start), len(fc.Features), fromCache)
			return nil
		})
	}
	waitDone := make(chan struct{})
	go func() { _ = g.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-ctx.Done():
		a.logger.Warn("collection deadline reached, slow sources skipped this cycle")
	}

	perSource := make([][]*geo.Feature, 0, len(results))
	counts := make(map[string]int, len(results))
	overlay := make(map[string]any)

	resultsMu.Lock()
	snapshot := make([]sourceResult, len(results))
	copy(snapshot, results)
	resultsMu.Unlock()

	for i, name := range a.order {
		fc := snapshot[i].fc
		if fc == nil {
			counts[name] = 0
			continue
		}
		perSource = append(perSource, fc.Features)
		counts[name] = len(fc.Features)

		// Overlay data (space weather, solar terminator) rides on the
		// propagation source's collection properties
		for _, key := range []string{"space_weather", "solar_terminator", "hamclock"} {
			if v, ok := fc.Properties[key]; ok {
				overlay[key] = v
			}
		}
	}

	merged := geo.DeduplicateFeatures(perSource, true)
	a.perfMon.RecordCycle(time.Since(cycleStart), len(merged))

	a.publishTransitions(counts)

	result := geo.NewFeatureCollection(merged, "aggregated")
	result.Properties["sources"] = counts
	result.Properties["total_nodes"] = len(merged)
	result.Properties["enabled_sources"] = a.EnabledSources()
	result.Properties["overlay_data"] = overlay

	a.dataMu.Lock()
	a.lastResult = result
	a.cachedOverlay = overlay
	a.lastTime = time.Now()
	a.lastCounts = counts
	a.dataMu.Unlock()

	a.logger.Info("aggregated nodes",
		"total", len(merged), "sources", len(a.order), "counts", counts)
	return result
}

// publishTransitions emits service.up/service.down events when a source's
// data availability flips.
func (a *Aggregator) publishTransitions(counts map[string]int) {
	if a.bus == nil {
		return
	}
	a.dataMu.Lock()
	type transition struct {
		name string
		up   bool
	}
	var transitions []transition
	for _, name := range a.order {
		up := counts[name] > 0
		prev, seen := a.sourceUp[name]
		if !seen || prev != up {
			a.sourceUp[name] = up
			// First observation only publishes when the source is down,
			// so startup noise stays low
			if seen || !up {
				transitions = append(transitions, transition{name, up})
			}
		}
	}
	a.dataMu.Unlock()

	for _, t := range transitions {
		if t.up {
			a.bus.Publish(eventbus.ServiceUp(t.name))
		} else {
			a.bus.Publish(eventbus.ServiceDown(t.name, "no data"))
		}
	}
}

// CollectSource collects from a single named source.
func (a *Aggregator) CollectSource(ctx context.Context, name string) *geo.FeatureCollection {
	c, ok := a.collectors[name]
	if !ok {
		return geo.NewFeatureCollection(nil, name)
	}
	fc, _ := c.Collect(ctx)
	return fc
}

// LastResult returns the most recent aggregation snapshot, or nil if
// CollectAll has never completed.
func (a *Aggregator) LastResult() *geo.FeatureCollection {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	return a.lastResult
}

// TopologyLinks merges the broker subscriber's topology with the Wi-Fi mesh
// collector's LQM links.
func (a *Aggregator) TopologyLinks() []*geo.TopologyLink {
	links := make([]*geo.TopologyLink, 0)
	if a.subscriber != nil {
		links = append(links, a.subscriber.Store().TopologyLinks()...)
	}
	if c, ok := a.collectors["aredn"]; ok {
		if src, ok := c.Source().(*AREDNSource); ok {
			links = append(links, src.TopologyLinks()...)
		}
	}
	return links
}

// TopologyGeoJSON renders the merged topology as a FeatureCollection of
// SNR-coloured LineStrings.
func (a *Aggregator) TopologyGeoJSON() *geo.FeatureCollection {
	links := a.TopologyLinks()
	features := make([]*geo.Feature, 0, len(links))
	for _, link := range links {
		features = append(features, link.ToFeature())
	}
	fc := geo.NewFeatureCollection(features, "topology")
	fc.Properties["link_count"] = len(features)
	return fc
}

// CachedOverlay returns overlay data from the last CollectAll, collecting
// from the propagation source alone when no cache exists yet.
func (a *Aggregator) CachedOverlay(ctx context.Context) map[string]any {
	a.dataMu.Lock()
	if len(a.cachedOverlay) > 0 {
		out := make(map[string]any, len(a.cachedOverlay))
		for k, v := range a.cachedOverlay {
			out[k] = v
		}
		a.dataMu.Unlock()
		return out
	}
	a.dataMu.Unlock()

	c, ok := a.collectors["hamclock"]
	if !ok {
		return map[string]any{}
	}
	fc, _ := c.Collect(ctx)
	overlay := make(map[string]any)
	for _, key := range []string{"space_weather", "solar_terminator", "hamclock"} {
		if v, ok := fc.Properties[key]; ok {
			overlay[key] = v
		}
	}
	a.dataMu.Lock()
	a.cachedOverlay = overlay
	a.dataMu.Unlock()
	return overlay
}

// LastCollectAge returns the seconds since the last successful CollectAll,
// or nil when it has never run.
func (a *Aggregator) LastCollectAge() *float64 {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	if a.lastTime.IsZero() {
		return nil
	}
	age := time.Since(a.lastTime).Seconds()
	return &age
}

// LastCounts returns the per-source feature counts from the last cycle.
func (a *Aggregator) LastCounts() map[string]int {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	out := make(map[string]int, len(a.lastCounts))
	for k, v := range a.lastCounts {
		out[k] = v
	}
	return out
}

// SourceHealth returns per-source collector health.
func (a *Aggregator) SourceHealth() map[string]HealthInfo {
	out := make(map[string]HealthInfo, len(a.order))
	for _, name := range a.order {
		out[name] = a.collectors[name].HealthInfo()
	}
	return out
}

// BreakerStates returns all circuit breaker stats.
func (a *Aggregator) BreakerStates() map[string]breaker.Stats {
	if a.breakers == nil {
		return map[string]breaker.Stats{}
	}
	return a.breakers.AllStats()
}

// PerfMonitor returns the aggregator's timing monitor.
func (a *Aggregator) PerfMonitor() *perf.Monitor { return a.perfMon }

// Bus returns the shared event bus.
func (a *Aggregator) Bus() *eventbus.Bus { return a.bus }

// Subscriber returns the broker subscriber, or nil when disabled.
func (a *Aggregator) Subscriber() *mqttsub.Subscriber { return a.subscriber }

// ClearAllCaches drops every collector cache and the overlay cache.
func (a *Aggregator) ClearAllCaches() {
	for _, c := range a.collectors {
		c.ClearCache()
	}
	a.dataMu.Lock()
	a.cachedOverlay = nil
	a.dataMu.Unlock()
}

// Shutdown stops the broker subscriber and releases resources.
func (a *Aggregator) Shutdown() {
	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	a.logger.Info("aggregator shut down")
}

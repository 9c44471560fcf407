// Command meshforge-maps runs the mesh-network observability service: it
// subscribes to the Meshtastic broker, polls the Reticulum, AREDN, and
// propagation sources, merges everything into a unified geospatial model,
// and serves the HTTP API, the WebSocket push channel, and the MQTT alert
// topics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Nursedude/meshforge-maps/alert"
	"github.com/Nursedude/meshforge-maps/analytics"
	"github.com/Nursedude/meshforge-maps/breaker"
	"github.com/Nursedude/meshforge-maps/collector"
	"github.com/Nursedude/meshforge-maps/config"
	"github.com/Nursedude/meshforge-maps/drift"
	"github.com/Nursedude/meshforge-maps/eventbus"
	"github.com/Nursedude/meshforge-maps/healthscore"
	"github.com/Nursedude/meshforge-maps/history"
	"github.com/Nursedude/meshforge-maps/lease"
	"github.com/Nursedude/meshforge-maps/metric"
	"github.com/Nursedude/meshforge-maps/mqttsub"
	"github.com/Nursedude/meshforge-maps/nodestate"
	"github.com/Nursedude/meshforge-maps/perf"
	"github.com/Nursedude/meshforge-maps/server"
	"github.com/Nursedude/meshforge-maps/ws"
)

const version = "1.0.0"

// Background task intervals.
const (
	retentionInterval    = time.Hour
	offlineSweepInterval = time.Minute
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(1)
		}
	}()

	os.Exit(run())
}

func run() int {
	var (
		host        = flag.String("host", "", "HTTP bind host (overrides settings)")
		port        = flag.Int("port", 0, "HTTP bind port (overrides settings)")
		tui         = flag.Bool("tui", false, "also launch the terminal dashboard")
		tuiOnly     = flag.Bool("tui-only", false, "launch only the terminal dashboard")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshforge-maps %s\n", version)
		return 0
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load("", logger)
	settings := cfg.Snapshot()
	if *host != "" {
		settings.HTTPHost = *host
	}
	if *port != 0 {
		settings.HTTPPort = *port
		settings.WSPort = *port + 1
	}
	cfg.Update(settings)

	if *tui || *tuiOnly {
		// The terminal dashboard is a separate client of this API
		logger.Warn("the terminal dashboard ships as a separate client; start it against this server's API")
		if *tuiOnly {
			return 0
		}
	}

	warnings := verifyEnvironment(logger)

	// Core infrastructure, constructed in dependency order
	metrics := metric.NewRegistry()
	bus := eventbus.New(logger)
	breakers := breaker.NewRegistry(breaker.DefaultFailureThreshold, breaker.DefaultRecoveryTimeout, logger)
	leases := lease.NewManager(logger)
	perfMon := perf.NewMonitor()

	// Mirror bus counters into prometheus
	bus.Subscribe(eventbus.TypeWildcard, func(eventbus.Event) {
		metrics.Metrics.EventsPublished.Inc()
	})

	// History store
	var hist *history.Store
	if h, err := history.Open(config.HistoryDBPath(),
		time.Duration(settings.ThrottleSeconds)*time.Second,
		time.Duration(settings.RetentionDays)*24*time.Hour, logger); err != nil {
		logger.Warn("node history store unavailable", "error", err)
	} else {
		hist = h
	}

	// Operations layer
	stateTracker := nodestate.NewTracker(logger)
	scorer := healthscore.NewScorer(0)
	driftDetector := drift.NewDetector(logger)

	// Broker subscriber and node store
	var subscriber *mqttsub.Subscriber
	var nodeStore *mqttsub.NodeStore
	if settings.EnableMeshtastic {
		nodeStore = mqttsub.NewNodeStore(
			mqttsub.WithRemovalCallback(func(nodeID string) {
				// Prune the operations layer in sync with store eviction
				driftDetector.RemoveNode(nodeID)
				stateTracker.RemoveNode(nodeID)
				scorer.RemoveNode(nodeID)
			}),
		)
		subscriber = mqttsub.NewSubscriber(mqttsub.SubscriberConfig{
			Broker:   settings.MQTTBroker,
			Port:     settings.MQTTPort,
			Topic:    settings.MQTTTopic,
			Username: settings.MQTTUsername,
			Password: settings.MQTTPassword,
			UseTLS:   &settings.MQTTUseTLS,
		}, nodeStore, nil, bus, metrics.Metrics, logger)
		if err := subscriber.Start(); err != nil {
			logger.Error("broker subscriber failed to start", "error", err)
			warnings++
		}
	}

	// Collectors, in aggregation order
	cacheTTL := time.Duration(settings.CacheTTLMinutes) * time.Minute
	agg := collector.NewAggregator(subscriber, breakers, bus, perfMon, logger)
	collectorOpts := func(name string) []collector.Option {
		return []collector.Option{
			collector.WithCacheTTL(cacheTTL),
			collector.WithMaxRetries(2),
			collector.WithBreaker(breakers.Get(name)),
			collector.WithMetrics(metrics.Metrics),
		}
	}
	if settings.EnableMeshtastic {
		src := collector.NewMeshtasticSource(nodeStore, settings.MeshtasticHost, settings.MeshtasticPort, leases, logger)
		agg.Add(collector.New(src, logger, collectorOpts("meshtastic")...))
	}
	if settings.EnableReticulum {
		agg.Add(collector.New(collector.NewReticulumSource(logger), logger, collectorOpts("reticulum")...))
	}
	if settings.EnableAREDN {
		agg.Add(collector.New(collector.NewAREDNSource(settings.AREDNNodes, logger), logger, collectorOpts("aredn")...))
	}
	if settings.EnableHamClock {
		src := collector.NewHamClockSource(settings.HamClockHost, settings.HamClockPort, settings.OpenHamClockPort, logger)
		agg.Add(collector.New(src, logger, collectorOpts("hamclock")...))
	}

	// Alert engine with every configured delivery channel
	alertOpts := []alert.Option{
		alert.WithBus(bus),
		alert.WithMetrics(metrics.Metrics),
	}
	if subscriber != nil && settings.AlertMQTTTopic != "" {
		alertOpts = append(alertOpts, alert.WithMQTT(subscriber, settings.AlertMQTTTopic))
	}
	if settings.AlertWebhook != "" {
		alertOpts = append(alertOpts, alert.WithWebhook(settings.AlertWebhook))
	}
	alertEngine := alert.NewEngine(logger, alertOpts...)

	analyticsEngine := analytics.New(hist, alertEngine)

	// WebSocket broadcaster (optional: the HTTP poll path works without it)
	broadcaster := ws.NewBroadcaster(ws.DefaultHistorySize, metrics.Metrics, logger)
	if err := broadcaster.Start(settings.HTTPHost, settings.WSPort); err != nil {
		logger.Warn("websocket broadcaster unavailable, poll path remains", "error", err)
		broadcaster = nil
	}

	wireEvents(bus, hist, stateTracker, driftDetector, broadcaster)

	// HTTP server
	srv := server.New(server.Deps{
		Config:     cfg,
		Aggregator: agg,
		History:    hist,
		Alerts:     alertEngine,
		Scorer:     scorer,
		States:     stateTracker,
		Drift:      driftDetector,
		Analytics:  analyticsEngine,
		Broadcast:  broadcaster,
		Metrics:    metrics,
	}, logger)
	if err := srv.Start(); err != nil {
		logger.Error("fatal startup error", "error", err)
		return 1
	}

	// Background loops
	stop := make(chan struct{})
	go pollLoop(stop, agg, scorer, stateTracker, alertEngine, settings, logger)
	go retentionLoop(stop, hist, logger)
	go offlineSweepLoop(stop, stateTracker, alertEngine, logger)

	// Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	// Teardown in reverse dependency order
	close(stop)
	srv.Stop()
	if broadcaster != nil {
		broadcaster.Shutdown()
	}
	agg.Shutdown()
	if hist != nil {
		hist.Close()
	}

	if warnings > 0 {
		return 2
	}
	return 0
}

// verifyEnvironment checks the filesystem layout the service relies on,
// returning a warning count (nonzero maps to exit code 2).
func verifyEnvironment(logger *slog.Logger) int {
	warnings := 0
	for _, dir := range []string{config.DataDir(), config.CacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("directory not writable", "dir", dir, "error", err)
			warnings++
		}
	}
	return warnings
}

// wireEvents connects the event bus to the history store, the state
// tracker, the drift detector, and the websocket broadcaster.
func wireEvents(bus *eventbus.Bus, hist *history.Store, states *nodestate.Tracker,
	detector *drift.Detector, broadcaster *ws.Broadcaster) {

	// Position events append to history (throttled inside the store)
	if hist != nil {
		bus.Subscribe(eventbus.TypeNodePosition, func(e eventbus.Event) {
			if e.Lat == nil || e.Lon == nil {
				return
			}
			hist.RecordObservation(e.NodeID, *e.Lat, *e.Lon, history.Record{Network: e.Source})
		})
	}

	// Every node event is a heartbeat
	heartbeat := func(e eventbus.Event) {
		states.RecordHeartbeat(e.NodeID, e.Timestamp)
	}
	bus.Subscribe(eventbus.TypeNodePosition, heartbeat)
	bus.Subscribe(eventbus.TypeNodeInfo, heartbeat)
	bus.Subscribe(eventbus.TypeNodeTelemetry, heartbeat)

	// Identity updates feed the drift detector
	bus.Subscribe(eventbus.TypeNodeInfo, func(e eventbus.Event) {
		if len(e.Data) > 0 {
			detector.CheckNode(e.NodeID, e.Data)
		}
	})

	// Everything fans out to websocket clients
	if broadcaster != nil {
		bus.Subscribe(eventbus.TypeWildcard, func(e eventbus.Event) {
			frame := map[string]any{
				"type":      string(e.Type),
				"timestamp": e.Timestamp.Unix(),
			}
			if e.Source != "" {
				frame["source"] = e.Source
			}
			if e.NodeID != "" {
				frame["node_id"] = e.NodeID
			}
			if e.Service != "" {
				frame["service"] = e.Service
				switch e.Type {
				case eventbus.TypeServiceUp:
					frame["state"] = "up"
				case eventbus.TypeServiceDown:
					frame["state"] = "down"
				case eventbus.TypeServiceDegr:
					frame["state"] = "degraded"
				}
			}
			if e.Lat != nil {
				frame["lat"] = *e.Lat
			}
			if e.Lon != nil {
				frame["lon"] = *e.Lon
			}
			if len(e.Data) > 0 {
				frame["data"] = e.Data
			}
			broadcaster.Broadcast(frame)
		})
	}
}

// pollLoop drives the aggregation cycle: collect, score every node, and run
// the alert rules against the scored properties.
func pollLoop(stop <-chan struct{}, agg *collector.Aggregator, scorer *healthscore.Scorer,
	states *nodestate.Tracker, alerts *alert.Engine, settings config.Settings, logger *slog.Logger) {

	interval := time.Duration(settings.PollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycle := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("poll cycle panicked", "panic", r)
			}
		}()
		result := agg.CollectAll(context.Background())
		now := time.Now()
		for _, f := range result.Features {
			nodeID := f.ID()
			if nodeID == "" {
				continue
			}
			var healthScore *int
			if score := scorer.ScoreNode(nodeID, f.Properties, states.NodeState(nodeID), now); score != nil {
				healthScore = &score.Value
			}
			alerts.EvaluateNode(nodeID, f.Properties, healthScore, now)
		}
	}

	cycle()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cycle()
		}
	}
}

// retentionLoop prunes ageing history rows.
func retentionLoop(stop <-chan struct{}, hist *history.Store, logger *slog.Logger) {
	if hist == nil {
		return
	}
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("retention task panicked", "panic", r)
					}
				}()
				hist.PruneOldData(0)
			}()
		}
	}
}

// offlineSweepLoop flips silent nodes offline and fires the absence-based
// offline alerts.
func offlineSweepLoop(stop <-chan struct{}, states *nodestate.Tracker, alerts *alert.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(offlineSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("offline sweep panicked", "panic", r)
					}
				}()
				now := time.Now()
				for _, nodeID := range states.CheckOffline(now) {
					info := states.Info(nodeID)
					if info == nil {
						continue
					}
					alerts.EvaluateOffline(nodeID, info.LastSeen, nodestate.DefaultOfflineThreshold, now)
				}
			}()
		}
	}
}

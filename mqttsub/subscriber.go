package mqttsub

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/eventbus"
	"github.com/Nursedude/meshforge-maps/geo"
	"github.com/Nursedude/meshforge-maps/metric"
	"github.com/Nursedude/meshforge-maps/reconnect"
)

// Subscriber tunables.
const (
	// MaxPayloadSize rejects oversized broker payloads.
	MaxPayloadSize = 64 * 1024

	connectTimeout  = 30 * time.Second
	cleanupInterval = 30 * time.Minute
)

// SubscriberConfig configures the broker subscription.
type SubscriberConfig struct {
	Broker   string
	Port     int
	Topic    string
	Username string
	Password string
	// UseTLS defaults to true when credentials are provided so passwords
	// never cross the wire in the clear.
	UseTLS *bool
}

// Stats is the subscriber's diagnostic snapshot, served by /api/mqtt/stats.
type Stats struct {
	Broker           string `json:"broker"`
	Port             int    `json:"port"`
	Topic            string `json:"topic"`
	Connected        bool   `json:"connected"`
	Running          bool   `json:"running"`
	HasCredentials   bool   `json:"has_credentials"`
	MessagesReceived int64  `json:"messages_received"`
	ParseErrors      int64  `json:"parse_errors"`
	NodeCount        int    `json:"node_count"`
}

// Subscriber maintains a session to the Meshtastic MQTT broker, subscribes
// to the wildcard topic, decodes each envelope, and updates the node store.
// The receive loop runs on paho's network goroutine; the connection loop
// applies the broker reconnect strategy on disconnect and periodically
// sweeps stale nodes out of the store.
type Subscriber struct {
	cfg     SubscriberConfig
	store   *NodeStore
	decoder Decoder
	bus     *eventbus.Bus
	metrics *metric.Metrics
	logger  *slog.Logger

	client mqtt.Client

	running   atomic.Bool
	connected atomic.Bool
	stop      chan struct{}
	lost      chan struct{}
	wg        sync.WaitGroup

	statsMu          sync.Mutex
	messagesReceived int64
	parseErrors      int64
}

// NewSubscriber creates a subscriber. A nil decoder uses the JSON decoder;
// bus and metrics are optional.
func NewSubscriber(cfg SubscriberConfig, store *NodeStore, decoder Decoder, bus *eventbus.Bus, metrics *metric.Metrics, logger *slog.Logger) *Subscriber {
	if store == nil {
		store = NewNodeStore()
	}
	if decoder == nil {
		decoder = JSONDecoder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:     cfg,
		store:   store,
		decoder: decoder,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Store returns the subscriber's node store.
func (s *Subscriber) Store() *NodeStore { return s.store }

// Start opens the broker connection loop in the background.
func (s *Subscriber) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Subscriber", "Start", "subscriber already running")
	}

	s.stop = make(chan struct{})
	s.lost = make(chan struct{}, 1)

	// TLS defaults on when credentials are configured so passwords never
	// cross the wire in the clear
	useTLS := s.cfg.Username != ""
	if s.cfg.UseTLS != nil {
		useTLS = *s.cfg.UseTLS
	}
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Broker, s.cfg.Port))
	opts.SetClientID(fmt.Sprintf("meshforge-maps-%d", time.Now().UnixNano()%1_000_000))
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(false) // reconnection is owned by the strategy loop
	opts.SetCleanSession(true)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	if useTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
		s.logger.Info("broker TLS enabled", "broker", s.cfg.Broker, "port", s.cfg.Port)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.connected.Store(true)
		s.logger.Info("broker connected",
			"broker", s.cfg.Broker, "topic", s.cfg.Topic, "nodes", s.store.NodeCount())
		c.Subscribe(s.cfg.Topic, 0, s.handleMessage)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.connected.Store(false)
		if s.running.Load() {
			s.logger.Warn("broker connection lost", "error", err)
		}
		select {
		case s.lost <- struct{}{}:
		default:
		}
	})

	s.client = mqtt.NewClient(opts)

	s.wg.Add(1)
	go s.runLoop()

	s.logger.Info("broker subscriber starting",
		"broker", s.cfg.Broker, "port", s.cfg.Port, "topic", s.cfg.Topic)
	return nil
}

// Stop disconnects and joins the connection loop with a 5-second deadline.
func (s *Subscriber) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	if s.client != nil {
		s.client.Disconnect(250)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("broker subscriber loop did not exit within 5s")
	}
	s.connected.Store(false)
	s.logger.Info("broker subscriber stopped")
}

// Publish sends a payload to a broker topic over the subscriber's session.
// The alert engine uses this for the alert topic hierarchy.
func (s *Subscriber) Publish(topic string, qos byte, payload []byte) error {
	client := s.client
	if client == nil || !s.connected.Load() {
		return errors.WrapTransient(errors.ErrNoConnection, "Subscriber", "Publish", "broker publish")
	}
	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Subscriber", "Publish", "broker publish")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "Subscriber", "Publish", "broker publish")
	}
	return nil
}

// Stats returns the subscriber's counters.
func (s *Subscriber) Stats() Stats {
	s.statsMu.Lock()
	messages := s.messagesReceived
	parseErrs := s.parseErrors
	s.statsMu.Unlock()

	return Stats{
		Broker:           s.cfg.Broker,
		Port:             s.cfg.Port,
		Topic:            s.cfg.Topic,
		Connected:        s.connected.Load(),
		Running:          s.running.Load(),
		HasCredentials:   s.cfg.Username != "",
		MessagesReceived: messages,
		ParseErrors:      parseErrs,
		NodeCount:        s.store.NodeCount(),
	}
}

// runLoop is the connection loop: connect, wait for loss or shutdown, back
// off, repeat. Stale-node cleanup runs on a fixed interval while connected;
// a tick that falls during a disconnect is handled after the next connect.
func (s *Subscriber) runLoop() {
	defer s.wg.Done()

	strategy := reconnect.ForBroker()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for s.running.Load() {
		token := s.client.Connect()
		if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
			if !s.running.Load() {
				return
			}
			delay := strategy.NextDelay()
			s.logger.Warn("broker connect failed",
				"error", token.Error(), "retry_in", delay.Round(time.Millisecond),
				"attempt", strategy.Attempt())
			if !s.sleep(delay) {
				return
			}
			continue
		}
		strategy.Reset()

		// Connected: wait for loss, shutdown, or a cleanup tick
	waitLoop:
		for {
			select {
			case <-s.stop:
				return
			case <-s.lost:
				break waitLoop
			case <-cleanup.C:
				if removed := s.store.CleanupStale(); removed > 0 {
					s.logger.Debug("cleaned up stale nodes", "removed", removed)
				}
			}
		}

		if !s.running.Load() {
			return
		}
		delay := strategy.NextDelay()
		s.logger.Warn("broker reconnecting",
			"retry_in", delay.Round(time.Millisecond), "attempt", strategy.Attempt())
		if !s.sleep(delay) {
			return
		}
	}
}

// sleep waits for d, returning false when shutdown was signalled.
func (s *Subscriber) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}

// handleMessage processes one inbound broker message.
func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if len(payload) > MaxPayloadSize {
		s.logger.Warn("rejected oversized broker payload",
			"bytes", len(payload), "topic", sanitizeTopic(msg.Topic()))
		return
	}

	s.statsMu.Lock()
	s.messagesReceived++
	s.statsMu.Unlock()

	env, err := s.decoder.Decode(msg.Topic(), payload)
	if err != nil || env == nil {
		if err != nil {
			s.recordParseError()
		}
		return
	}
	s.Apply(env)
}

// Apply folds a decoded envelope into the store and publishes the matching
// typed event. Exported so replay tooling and tests can drive the subscriber
// without a live broker.
func (s *Subscriber) Apply(env *Envelope) {
	switch env.Kind {
	case KindPosition:
		lat, lon, err := geo.ValidateCoordinates(env.Position.Lat, env.Position.Lon, false)
		if err != nil {
			// Null Island and malformed fixes never reach the store
			return
		}
		s.store.UpdatePosition(env.NodeID, lat, lon, env.Position.Altitude, env.Position.Time)
		s.countMessage("position")
		s.publish(eventbus.NodePosition(env.NodeID, lat, lon, "mqtt", nil))

	case KindNodeInfo:
		s.store.UpdateNodeInfo(env.NodeID, *env.User)
		s.countMessage("nodeinfo")
		data := map[string]any{}
		if env.User.LongName != "" {
			data["name"] = env.User.LongName
		}
		if env.User.ShortName != "" {
			data["short_name"] = env.User.ShortName
		}
		if env.User.HwModel != "" {
			data["hardware"] = env.User.HwModel
		}
		if env.User.Role != "" {
			data["role"] = env.User.Role
		}
		s.publish(eventbus.NodeInfo(env.NodeID, "mqtt", data))

	case KindTelemetry:
		s.store.UpdateTelemetry(env.NodeID, env.Telemetry)
		s.countMessage("telemetry")
		data := make(map[string]any, len(env.Telemetry))
		for k, v := range env.Telemetry {
			data[k] = v
		}
		s.publish(eventbus.NodeTelemetry(env.NodeID, "mqtt", data))

	case KindNeighborInfo:
		s.store.UpdateNeighbors(env.NodeID, env.Neighbors)
		s.countMessage("neighborinfo")
		neighbors := make([]map[string]any, 0, len(env.Neighbors))
		for _, n := range env.Neighbors {
			entry := map[string]any{"node_id": n.NodeID}
			if n.SNR != nil {
				entry["snr"] = *n.SNR
			}
			neighbors = append(neighbors, entry)
		}
		s.publish(eventbus.NodeTopology(env.NodeID, "mqtt", map[string]any{
			"neighbors":      neighbors,
			"neighbor_count": len(neighbors),
		}))
	}
}

func (s *Subscriber) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func (s *Subscriber) countMessage(kind string) {
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(kind).Inc()
	}
}

func (s *Subscriber) recordParseError() {
	s.statsMu.Lock()
	s.parseErrors++
	count := s.parseErrors
	s.statsMu.Unlock()

	if s.metrics != nil {
		s.metrics.ParseErrors.Inc()
	}
	// Unparseable messages are common on the public broker; surface them
	// only at a coarse cadence
	if count%1000 == 0 {
		s.logger.Warn("unparseable broker messages dropped", "total", count)
	}
}

// sanitizeTopic strips node-specific trailing segments before logging.
func sanitizeTopic(topic string) string {
	parts := 0
	for i, r := range topic {
		if r == '/' {
			parts++
			if parts == 5 {
				return topic[:i] + "/..."
			}
		}
	}
	return topic
}

// Package eventbus provides a synchronous, thread-safe publish-subscribe bus
// for decoupled component communication. The broker subscriber, collectors,
// and the map server communicate through it without direct coupling: events
// flow from producers through the bus to consumers (websocket broadcast,
// history recording, state tracking, alerting).
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Type is an event category used for subscription filtering.
type Type string

// Event categories.
const (
	TypeNodePosition  Type = "node.position"
	TypeNodeInfo      Type = "node.info"
	TypeNodeTelemetry Type = "node.telemetry"
	TypeNodeTopology  Type = "node.topology"
	TypeServiceUp     Type = "service.up"
	TypeServiceDown   Type = "service.down"
	TypeServiceDegr   Type = "service.degraded"
	TypeAlertFired    Type = "alert.fired"

	// TypeWildcard subscribes a handler to every event.
	TypeWildcard Type = "*"
)

// Event is the unit of delivery. NodeID is set for node events, Service for
// service transitions; Data carries any additional payload of interest to
// downstream subscribers.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Service   string         `json:"service,omitempty"`
	Lat       *float64       `json:"lat,omitempty"`
	Lon       *float64       `json:"lon,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NodePosition builds a node.position event.
func NodePosition(nodeID string, lat, lon float64, source string, data map[string]any) Event {
	return Event{
		Type: TypeNodePosition, Timestamp: time.Now(), Source: source,
		NodeID: nodeID, Lat: &lat, Lon: &lon, Data: data,
	}
}

// NodeInfo builds a node.info event.
func NodeInfo(nodeID, source string, data map[string]any) Event {
	return Event{Type: TypeNodeInfo, Timestamp: time.Now(), Source: source, NodeID: nodeID, Data: data}
}

// NodeTelemetry builds a node.telemetry event.
func NodeTelemetry(nodeID, source string, data map[string]any) Event {
	return Event{Type: TypeNodeTelemetry, Timestamp: time.Now(), Source: source, NodeID: nodeID, Data: data}
}

// NodeTopology builds a node.topology event.
func NodeTopology(nodeID, source string, data map[string]any) Event {
	return Event{Type: TypeNodeTopology, Timestamp: time.Now(), Source: source, NodeID: nodeID, Data: data}
}

// ServiceUp builds a service.up event.
func ServiceUp(service string) Event {
	return Event{Type: TypeServiceUp, Timestamp: time.Now(), Source: service, Service: service}
}

// ServiceDown builds a service.down event with a reason.
func ServiceDown(service, reason string) Event {
	return Event{
		Type: TypeServiceDown, Timestamp: time.Now(), Source: service, Service: service,
		Data: map[string]any{"reason": reason},
	}
}

// ServiceDegraded builds a service.degraded event with a reason.
func ServiceDegraded(service, reason string) Event {
	return Event{
		Type: TypeServiceDegr, Timestamp: time.Now(), Source: service, Service: service,
		Data: map[string]any{"reason": reason},
	}
}

// AlertFired builds an alert.fired event carrying the alert payload.
func AlertFired(nodeID string, data map[string]any) Event {
	return Event{Type: TypeAlertFired, Timestamp: time.Now(), NodeID: nodeID, Data: data}
}

// Handler is a subscriber callback. Handlers run synchronously on the
// publisher's goroutine.
type Handler func(Event)

// Stats holds the bus delivery counters.
type Stats struct {
	TotalPublished int64 `json:"total_published"`
	TotalDelivered int64 `json:"total_delivered"`
	TotalErrors    int64 `json:"total_errors"`
}

type subscription struct {
	id      int
	handler Handler
}

// Bus is a thread-safe publish-subscribe event bus. Each callback is wrapped
// in a panic shield: a failing subscriber is logged and counted but never
// prevents delivery to other subscribers and never propagates out of
// Publish. Subscription and unsubscription are permitted during publish; the
// delivery snapshot is evaluated once per Publish call.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[Type][]subscription
	nextID int
	stats  Stats
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[Type][]subscription),
	}
}

// Subscribe registers a handler for an event type. Use TypeWildcard to
// receive every event. The returned id can be passed to Unsubscribe.
func (b *Bus) Subscribe(t Type, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	return id
}

// Unsubscribe removes a previously registered handler by id.
func (b *Bus) Unsubscribe(t Type, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[t]) == 0 {
		delete(b.subs, t)
	}
}

// Publish delivers an event to all subscribers of its type plus wildcard
// subscribers, in registration order. Callback invocation happens without the
// bus mutex held.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	targets := make([]Handler, 0, len(b.subs[event.Type])+len(b.subs[TypeWildcard]))
	for _, s := range b.subs[event.Type] {
		targets = append(targets, s.handler)
	}
	for _, s := range b.subs[TypeWildcard] {
		targets = append(targets, s.handler)
	}
	b.stats.TotalPublished++
	b.mu.Unlock()

	for _, h := range targets {
		b.safeCall(h, event)
	}
}

// safeCall invokes a subscriber, recovering and logging any panic.
func (b *Bus) safeCall(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.stats.TotalErrors++
			b.mu.Unlock()
			b.logger.Error("event bus subscriber panicked",
				"event_type", string(event.Type), "panic", r)
		}
	}()
	h(event)
	b.mu.Lock()
	b.stats.TotalDelivered++
	b.mu.Unlock()
}

// SubscriberCount counts subscribers for a specific type. Pass the empty
// string for the total across all types.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t != "" {
		return len(b.subs[t])
	}
	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	return total
}

// Stats returns a copy of the delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset removes all subscribers and zeroes the counters in place. The stats
// object is mutated, never replaced, so concurrent publishers always observe
// the same instance.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Type][]subscription)
	b.stats.TotalPublished = 0
	b.stats.TotalDelivered = 0
	b.stats.TotalErrors = 0
}

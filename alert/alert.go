// Package alert implements threshold-based alerting for mesh network
// monitoring. Configurable rules are evaluated against node telemetry and
// health data; alerts fire with per-(rule, node) cooldown throttling and are
// delivered best-effort over every configured channel: a local callback, the
// MQTT alert topic hierarchy, a webhook, and the event bus.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Nursedude/meshforge-maps/eventbus"
	"github.com/Nursedude/meshforge-maps/metric"
)

// Severity levels.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Engine bounds and defaults.
const (
	DefaultMaxHistory = 500
	DefaultCooldown   = 10 * time.Minute

	cooldownMaxAge          = 24 * time.Hour
	cooldownCleanupInterval = time.Hour

	webhookTimeout = 5 * time.Second
)

// Rule is a threshold rule that generates alerts when its condition holds.
type Rule struct {
	RuleID        string   `json:"rule_id"`
	AlertType     string   `json:"alert_type"`
	Severity      Severity `json:"severity"`
	Metric        string   `json:"metric"`
	Operator      string   `json:"operator"` // lt, lte, gt, gte, eq
	Threshold     float64  `json:"threshold"`
	Cooldown      float64  `json:"cooldown"` // seconds
	Enabled       bool     `json:"enabled"`
	NetworkFilter string   `json:"network_filter,omitempty"`
	Description   string   `json:"description,omitempty"`
}

// Evaluate reports whether a value triggers the rule.
func (r *Rule) Evaluate(value float64) bool {
	switch r.Operator {
	case "lt":
		return value < r.Threshold
	case "lte":
		return value <= r.Threshold
	case "gt":
		return value > r.Threshold
	case "gte":
		return value >= r.Threshold
	case "eq":
		return value == r.Threshold
	default:
		return false
	}
}

// Alert is a generated alert instance.
type Alert struct {
	AlertID      string   `json:"alert_id"`
	RuleID       string   `json:"rule_id"`
	AlertType    string   `json:"alert_type"`
	Severity     Severity `json:"severity"`
	NodeID       string   `json:"node_id"`
	Metric       string   `json:"metric"`
	Value        float64  `json:"value"`
	Threshold    float64  `json:"threshold"`
	Message      string   `json:"message"`
	Timestamp    int64    `json:"timestamp"`
	Acknowledged bool     `json:"acknowledged"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	cooldown := DefaultCooldown.Seconds()
	return []Rule{
		{
			RuleID: "battery_low", AlertType: "battery_low", Severity: SeverityWarning,
			Metric: "battery", Operator: "lte", Threshold: 20, Cooldown: cooldown, Enabled: true,
			Description: "Battery level is low (<=20%)",
		},
		{
			RuleID: "battery_critical", AlertType: "battery_critical", Severity: SeverityCritical,
			Metric: "battery", Operator: "lte", Threshold: 5, Cooldown: cooldown, Enabled: true,
			Description: "Battery level is critical (<=5%)",
		},
		{
			RuleID: "signal_poor", AlertType: "signal_poor", Severity: SeverityWarning,
			Metric: "snr", Operator: "lte", Threshold: -10, Cooldown: cooldown, Enabled: true,
			Description: "Signal quality is poor (SNR <= -10 dB)",
		},
		{
			RuleID: "congestion_high", AlertType: "congestion_high", Severity: SeverityWarning,
			Metric: "channel_util", Operator: "gte", Threshold: 75, Cooldown: cooldown, Enabled: true,
			Description: "Channel utilization is high (>=75%)",
		},
		{
			RuleID: "health_degraded", AlertType: "health_degraded", Severity: SeverityWarning,
			Metric: "health_score", Operator: "lte", Threshold: 20, Cooldown: cooldown, Enabled: true,
			Description: "Node health score is critical (<=20)",
		},
	}
}

// MQTTPublisher publishes alert payloads to the broker. The subscriber's
// paho client satisfies this through a thin adapter.
type MQTTPublisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Summary aggregates engine state for /api/alerts/summary.
type Summary struct {
	TotalRules       int              `json:"total_rules"`
	EnabledRules     int              `json:"enabled_rules"`
	TotalAlertsFired int64            `json:"total_alerts_fired"`
	ActiveAlerts     int              `json:"active_alerts"`
	HistorySize      int              `json:"history_size"`
	BySeverity       map[Severity]int `json:"by_severity"`
	ByType           map[string]int   `json:"by_type"`
}

// Engine evaluates rules, throttles with cooldowns, keeps bounded alert
// history, and delivers fired alerts. All state is behind a mutex; delivery
// happens outside it.
type Engine struct {
	maxHistory int
	logger     *slog.Logger
	metrics    *metric.Metrics

	// Delivery channels, each optional and best-effort
	callback  func(Alert)
	mqtt      MQTTPublisher
	mqttTopic string
	webhook   string
	bus       *eventbus.Bus
	client    *http.Client

	mu             sync.Mutex
	rules          map[string]*Rule
	ruleOrder      []string
	history        []Alert
	cooldowns      map[string]time.Time // "node:rule" -> last fired
	alertCounter   int64
	totalFired     int64
	lastCooldownGC time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the default rule set.
func WithRules(rules []Rule) Option {
	return func(e *Engine) {
		e.rules = make(map[string]*Rule)
		e.ruleOrder = nil
		for i := range rules {
			r := rules[i]
			e.rules[r.RuleID] = &r
			e.ruleOrder = append(e.ruleOrder, r.RuleID)
		}
	}
}

// WithMaxHistory bounds the alert history.
func WithMaxHistory(n int) Option {
	return func(e *Engine) { e.maxHistory = n }
}

// WithCallback registers the local delivery callback.
func WithCallback(fn func(Alert)) Option {
	return func(e *Engine) { e.callback = fn }
}

// WithMQTT configures broker delivery: every alert publishes to baseTopic
// and baseTopic/{severity} with QoS 1.
func WithMQTT(pub MQTTPublisher, baseTopic string) Option {
	return func(e *Engine) {
		e.mqtt = pub
		e.mqttTopic = baseTopic
	}
}

// WithWebhook configures webhook delivery: fired alerts POST as JSON.
func WithWebhook(url string) Option {
	return func(e *Engine) { e.webhook = url }
}

// WithBus wires alert.fired events on the event bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics wires alert counters.
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an alert engine with the default rules unless overridden.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		maxHistory: DefaultMaxHistory,
		logger:     logger,
		client:     &http.Client{Timeout: webhookTimeout},
		rules:      make(map[string]*Rule),
		cooldowns:  make(map[string]time.Time),
	}
	WithRules(DefaultRules())(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule adds or replaces a rule.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.RuleID]; !exists {
		e.ruleOrder = append(e.ruleOrder, r.RuleID)
	}
	e.rules[r.RuleID] = &r
}

// RemoveRule removes a rule by ID. Returns true when it existed.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[ruleID]; !exists {
		return false
	}
	delete(e.rules, ruleID)
	for i, id := range e.ruleOrder {
		if id == ruleID {
			e.ruleOrder = append(e.ruleOrder[:i], e.ruleOrder[i+1:]...)
			break
		}
	}
	return true
}

// Rules lists all configured rules in definition order.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.ruleOrder))
	for _, id := range e.ruleOrder {
		out = append(out, *e.rules[id])
	}
	return out
}

// SetRuleEnabled toggles a rule. Returns true when the rule exists.
func (e *Engine) SetRuleEnabled(ruleID string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[ruleID]
	if ok {
		r.Enabled = enabled
	}
	return ok
}

// EvaluateNode evaluates all rules against a node's properties plus its
// optional health score, in rule-definition order. Fired alerts are
// recorded, cooldowns updated, and delivery dispatched. Returns the alerts
// that fired.
func (e *Engine) EvaluateNode(nodeID string, props map[string]any, healthScore *int, now time.Time) []Alert {
	if now.IsZero() {
		now = time.Now()
	}
	e.maybeCleanCooldowns(now)

	context := make(map[string]float64)
	for k, v := range props {
		if f, ok := toFloat(v); ok {
			context[k] = f
		}
	}
	if healthScore != nil {
		context["health_score"] = float64(*healthScore)
	}
	network, _ := props["network"].(string)

	e.mu.Lock()
	rules := make([]*Rule, 0, len(e.ruleOrder))
	for _, id := range e.ruleOrder {
		rules = append(rules, e.rules[id])
	}
	e.mu.Unlock()

	var fired []Alert
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.NetworkFilter != "" && network != rule.NetworkFilter {
			continue
		}
		value, present := context[rule.Metric]
		if !present {
			continue
		}
		if !rule.Evaluate(value) {
			continue
		}

		message := fmt.Sprintf("%s — node %s: %s=%g", rule.Description, nodeID, rule.Metric, value)
		if alert, ok := e.fire(nodeID, rule.RuleID, rule.AlertType, rule.Severity,
			rule.Metric, value, rule.Threshold, rule.Cooldown, message, now); ok {
			fired = append(fired, alert)
		}
	}

	for _, alert := range fired {
		e.deliver(alert)
	}
	return fired
}

// EvaluateOffline checks whether a node's silence should fire the
// absence-based offline alert. Separate from EvaluateNode because offline
// detection comes from absence, not from properties.
func (e *Engine) EvaluateOffline(nodeID string, lastSeen int64, offlineThreshold time.Duration, now time.Time) *Alert {
	if now.IsZero() {
		now = time.Now()
	}

	age := float64(now.Unix() - lastSeen)
	if age <= offlineThreshold.Seconds() {
		return nil
	}

	message := fmt.Sprintf("Node %s offline — last seen %ds ago", nodeID, int64(age))
	alert, ok := e.fire(nodeID, "node_offline", "node_offline", SeverityCritical,
		"seconds_since_seen", age, offlineThreshold.Seconds(), DefaultCooldown.Seconds(), message, now)
	if !ok {
		return nil
	}
	e.deliver(alert)
	return &alert
}

// fire applies the cooldown check and, when clear, appends the alert to
// history with the next monotonic ID. Caller delivers outside the lock.
func (e *Engine) fire(nodeID, ruleID, alertType string, severity Severity,
	metricName string, value, threshold, cooldownSecs float64, message string, now time.Time) (Alert, bool) {

	cooldownKey := nodeID + ":" + ruleID

	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.cooldowns[cooldownKey]; ok {
		if now.Sub(last) < time.Duration(cooldownSecs*float64(time.Second)) {
			return Alert{}, false
		}
	}

	e.alertCounter++
	alert := Alert{
		AlertID:   fmt.Sprintf("alert-%d", e.alertCounter),
		RuleID:    ruleID,
		AlertType: alertType,
		Severity:  severity,
		NodeID:    nodeID,
		Metric:    metricName,
		Value:     value,
		Threshold: threshold,
		Message:   message,
		Timestamp: now.Unix(),
	}
	e.cooldowns[cooldownKey] = now
	e.history = append(e.history, alert)
	e.totalFired++
	if len(e.history) > e.maxHistory {
		e.history = e.history[len(e.history)-e.maxHistory:]
	}
	return alert, true
}

// deliver pushes an alert through every configured channel. A channel
// failure never prevents the others.
func (e *Engine) deliver(alert Alert) {
	if e.metrics != nil {
		e.metrics.AlertsFired.WithLabelValues(string(alert.Severity)).Inc()
	}

	if e.callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("alert callback panicked", "panic", r)
				}
			}()
			e.callback(alert)
		}()
	}

	if e.mqtt != nil && e.mqttTopic != "" {
		payload, err := json.Marshal(alert)
		if err == nil {
			for _, topic := range []string{e.mqttTopic, e.mqttTopic + "/" + string(alert.Severity)} {
				if err := e.mqtt.Publish(topic, 1, payload); err != nil {
					e.logger.Warn("alert broker publish failed", "topic", topic, "error", err)
				}
			}
		}
	}

	if e.webhook != "" {
		if payload, err := json.Marshal(alert); err == nil {
			resp, err := e.client.Post(e.webhook, "application/json", bytes.NewReader(payload))
			if err != nil {
				e.logger.Warn("alert webhook delivery failed", "error", err)
			} else {
				resp.Body.Close()
			}
		}
	}

	if e.bus != nil {
		data := map[string]any{
			"alert_id":   alert.AlertID,
			"rule_id":    alert.RuleID,
			"alert_type": alert.AlertType,
			"severity":   string(alert.Severity),
			"metric":     alert.Metric,
			"value":      alert.Value,
			"threshold":  alert.Threshold,
			"message":    alert.Message,
			"timestamp":  alert.Timestamp,
		}
		e.bus.Publish(eventbus.AlertFired(alert.NodeID, data))
	}
}

// Acknowledge sets the acknowledged flag on an alert. Idempotent; returns
// true when the alert exists.
func (e *Engine) Acknowledge(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.history {
		if e.history[i].AlertID == alertID {
			e.history[i].Acknowledged = true
			return true
		}
	}
	return false
}

// ActiveAlerts returns all unacknowledged alerts, most recent first.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0)
	for i := len(e.history) - 1; i >= 0; i-- {
		if !e.history[i].Acknowledged {
			out = append(out, e.history[i])
		}
	}
	return out
}

// History returns recent alerts, most recent first, optionally filtered by
// severity and node.
func (e *Engine) History(limit int, severity Severity, nodeID string) []Alert {
	if limit <= 0 {
		limit = 50
	}

	e.mu.Lock()
	alerts := make([]Alert, len(e.history))
	copy(alerts, e.history)
	e.mu.Unlock()

	// History is append-only, so reversing yields most-recent-first
	for i, j := 0, len(alerts)-1; i < j; i, j = i+1, j-1 {
		alerts[i], alerts[j] = alerts[j], alerts[i]
	}
	out := make([]Alert, 0, limit)
	for _, a := range alerts {
		if severity != "" && a.Severity != severity {
			continue
		}
		if nodeID != "" && a.NodeID != nodeID {
			continue
		}
		out = append(out, a)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Summary returns aggregate alert statistics.
func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	summary := Summary{
		TotalRules:       len(e.rules),
		TotalAlertsFired: e.totalFired,
		HistorySize:      len(e.history),
		BySeverity:       make(map[Severity]int),
		ByType:           make(map[string]int),
	}
	for _, r := range e.rules {
		if r.Enabled {
			summary.EnabledRules++
		}
	}
	for _, a := range e.history {
		if !a.Acknowledged {
			summary.ActiveAlerts++
			summary.BySeverity[a.Severity]++
			summary.ByType[a.AlertType]++
		}
	}
	return summary
}

// ClearCooldowns clears all cooldown timers.
func (e *Engine) ClearCooldowns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns = make(map[string]time.Time)
}

// maybeCleanCooldowns prunes cooldown entries older than 24 hours, at most
// once an hour.
func (e *Engine) maybeCleanCooldowns(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.lastCooldownGC) < cooldownCleanupInterval {
		return
	}
	for key, last := range e.cooldowns {
		if now.Sub(last) > cooldownMaxAge {
			delete(e.cooldowns, key)
		}
	}
	e.lastCooldownGC = now
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

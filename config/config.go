// Package config handles loading, saving, and validating service settings.
// Settings persist as JSON under the plugin configuration directory and are
// written with mode 0600 because they may carry broker credentials and the
// API key.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Nursedude/meshforge-maps/errors"
)

// Settings is the full runtime configuration. JSON field names are the
// on-disk settings keys.
type Settings struct {
	HTTPHost string `json:"http_host"`
	HTTPPort int    `json:"http_port"`
	WSPort   int    `json:"ws_port"`

	EnableMeshtastic bool `json:"enable_meshtastic"`
	EnableReticulum  bool `json:"enable_reticulum"`
	EnableHamClock   bool `json:"enable_hamclock"`
	EnableAREDN      bool `json:"enable_aredn"`

	MQTTBroker   string `json:"mqtt_broker"`
	MQTTPort     int    `json:"mqtt_port"`
	MQTTTopic    string `json:"mqtt_topic"`
	MQTTUsername string `json:"mqtt_username,omitempty"`
	MQTTPassword string `json:"mqtt_password,omitempty"`
	MQTTUseTLS   bool   `json:"mqtt_use_tls"`

	AlertMQTTTopic string `json:"alert_mqtt_topic"`
	AlertWebhook   string `json:"alert_webhook_url,omitempty"`

	HamClockHost     string `json:"hamclock_host"`
	HamClockPort     int    `json:"hamclock_port"`
	OpenHamClockPort int    `json:"openhamclock_port"`

	MeshtasticHost string `json:"meshtastic_host"`
	MeshtasticPort int    `json:"meshtastic_port"`

	AREDNNodes []string `json:"aredn_nodes,omitempty"`

	CacheTTLMinutes   int    `json:"cache_ttl_minutes"`
	PollIntervalSecs  int    `json:"poll_interval_seconds"`
	RetentionDays     int    `json:"retention_days"`
	ThrottleSeconds   int    `json:"history_throttle_seconds"`
	CORSAllowedOrigin string `json:"cors_allowed_origin,omitempty"`
	APIKey            string `json:"api_key,omitempty"`

	DefaultTileProvider string  `json:"default_tile_provider"`
	MapCenterLat        float64 `json:"map_center_lat"`
	MapCenterLon        float64 `json:"map_center_lon"`
	MapDefaultZoom      int     `json:"map_default_zoom"`
}

// Defaults returns the default settings.
func Defaults() Settings {
	return Settings{
		HTTPHost:            "127.0.0.1",
		HTTPPort:            8808,
		WSPort:              8809,
		EnableMeshtastic:    true,
		EnableReticulum:     true,
		EnableHamClock:      true,
		EnableAREDN:         true,
		MQTTBroker:          "mqtt.meshtastic.org",
		MQTTPort:            1883,
		MQTTTopic:           "msh/#",
		AlertMQTTTopic:      "meshforge/alerts",
		HamClockHost:        "localhost",
		HamClockPort:        8080,
		OpenHamClockPort:    3000,
		MeshtasticHost:      "localhost",
		MeshtasticPort:      4403,
		CacheTTLMinutes:     15,
		PollIntervalSecs:    60,
		RetentionDays:       30,
		ThrottleSeconds:     60,
		DefaultTileProvider: "carto_dark",
		MapCenterLat:        20.0,
		MapCenterLon:        -100.0,
		MapDefaultZoom:      4,
	}
}

// Config is a settings manager with persistence. All access is behind a
// mutex so the HTTP handler and background tasks can read concurrently.
type Config struct {
	mu       sync.Mutex
	path     string
	settings Settings
	logger   *slog.Logger
}

// Load reads settings from path, falling back to defaults for missing or
// unreadable files. An empty path uses the standard settings location.
func Load(path string, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = SettingsPath()
	}

	c := &Config{path: path, settings: Defaults(), logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read settings, using defaults", "path", path, "error", err)
		} else {
			logger.Info("no settings file found, using defaults", "path", path)
		}
		return c
	}

	if err := json.Unmarshal(data, &c.settings); err != nil {
		logger.Warn("failed to parse settings, using defaults", "path", path, "error", err)
		c.settings = Defaults()
		return c
	}
	logger.Info("loaded settings", "path", path)
	return c
}

// Save persists the current settings with mode 0600.
func (c *Config) Save() error {
	c.mu.Lock()
	data, err := json.MarshalIndent(c.settings, "", "  ")
	path := c.path
	c.mu.Unlock()
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Save", "settings marshal")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WrapFatal(err, "Config", "Save", "settings dir create")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.WrapFatal(err, "Config", "Save", "settings write")
	}
	c.logger.Info("saved settings", "path", path)
	return nil
}

// Snapshot returns a copy of the current settings.
func (c *Config) Snapshot() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Update replaces the current settings.
func (c *Config) Update(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

// Redacted returns the settings as a JSON-ready map with secrets removed,
// for /api/config.
func (c *Config) Redacted() map[string]any {
	s := c.Snapshot()
	s.MQTTPassword = ""
	s.APIKey = ""

	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	delete(out, "mqtt_password")
	delete(out, "api_key")
	return out
}

// EnabledSources lists the enabled collector source names in aggregation
// order.
func (s Settings) EnabledSources() []string {
	sources := make([]string, 0, 4)
	if s.EnableMeshtastic {
		sources = append(sources, "meshtastic")
	}
	if s.EnableReticulum {
		sources = append(sources, "reticulum")
	}
	if s.EnableAREDN {
		sources = append(sources, "aredn")
	}
	if s.EnableHamClock {
		sources = append(sources, "hamclock")
	}
	return sources
}

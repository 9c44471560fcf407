package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "missing.json"), nil)
	s := c.Snapshot()

	assert.Equal(t, "127.0.0.1", s.HTTPHost)
	assert.Equal(t, 8808, s.HTTPPort)
	assert.Equal(t, "mqtt.meshtastic.org", s.MQTTBroker)
	assert.True(t, s.EnableMeshtastic)
	assert.Equal(t, 30, s.RetentionDays)
}

func TestLoad_PartialOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http_port": 9000, "enable_aredn": false}`), 0o600))

	c := Load(path, nil)
	s := c.Snapshot()

	assert.Equal(t, 9000, s.HTTPPort)
	assert.False(t, s.EnableAREDN)
	// Untouched keys keep their defaults
	assert.Equal(t, "msh/#", s.MQTTTopic)
}

func TestLoad_CorruptFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	c := Load(path, nil)
	assert.Equal(t, 8808, c.Snapshot().HTTPPort)
}

func TestSave_Mode0600(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	c := Load(path, nil)

	s := c.Snapshot()
	s.MQTTPassword = "secret"
	c.Update(s)
	require.NoError(t, c.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded := Load(path, nil)
	assert.Equal(t, "secret", reloaded.Snapshot().MQTTPassword)
}

func TestRedacted_StripsSecrets(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "s.json"), nil)
	s := c.Snapshot()
	s.MQTTPassword = "hunter2"
	s.APIKey = "topsecret"
	c.Update(s)

	redacted := c.Redacted()
	assert.NotContains(t, redacted, "mqtt_password")
	assert.NotContains(t, redacted, "api_key")
	assert.Equal(t, "mqtt.meshtastic.org", redacted["mqtt_broker"])

	// Redaction never leaks through serialization
	data, err := json.Marshal(redacted)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "topsecret")
}

func TestEnabledSources_Order(t *testing.T) {
	s := Defaults()
	assert.Equal(t, []string{"meshtastic", "reticulum", "aredn", "hamclock"}, s.EnabledSources())

	s.EnableReticulum = false
	s.EnableHamClock = false
	assert.Equal(t, []string{"meshtastic", "aredn"}, s.EnabledSources())
}

func TestDirsHonorXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg-cache")

	assert.Equal(t, "/tmp/xdg-data/meshforge", DataDir())
	assert.Equal(t, "/tmp/xdg-config/meshforge", ConfigDir())
	assert.Equal(t, "/tmp/xdg-cache/meshforge", CacheDir())
	assert.Contains(t, SettingsPath(), "plugins")
	assert.Contains(t, HistoryDBPath(), "maps_node_history.db")
}

func TestTileProviders(t *testing.T) {
	require.Contains(t, TileProviders, "carto_dark")
	for key, p := range TileProviders {
		assert.NotEmpty(t, p.Name, key)
		assert.NotEmpty(t, p.URL, key)
		assert.Greater(t, p.MaxZoom, 0, key)
	}
	assert.Len(t, NetworkColors, 4)
}

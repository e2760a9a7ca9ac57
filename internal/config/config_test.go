package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "MFBOLT", cfg.BLE.Name)
	assert.Equal(t, 10.0, cfg.BLE.RateLimit)
	assert.Equal(t, 5, cfg.BLE.RateBurst)
	assert.Equal(t, "bolt", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "homeassistant", cfg.MQTT.HADiscoveryPrefix)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "patterns", cfg.PatternsDir)
	assert.Equal(t, "schedules.json", cfg.SchedulesFile)
	assert.Equal(t, "info", cfg.LogLevel)

	timings, err := cfg.BLE.Timings()
	require.NoError(t, err)
	assert.Equal(t, BLETimings{
		WriteDelay:        500 * time.Millisecond,
		PersistDelay:      time.Second,
		DiscoveryLoop:     15 * time.Second,
		ConnectRetryDelay: 250 * time.Millisecond,
	}, timings)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"server": {"port": " 9090 "},
		"ble": {"allow_list": [" AA:BB ", ""], "write_delay": "100ms"},
		"mqtt": {"enabled": true, "broker": "tcp://10.0.0.2:1883"},
		"log_level": "DEBUG"
	}`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:9090"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, []string{"AA:BB"}, cfg.BLE.AllowList)
	assert.Equal(t, "100ms", cfg.BLE.WriteDelay)
	assert.Equal(t, "1s", cfg.BLE.PersistDelay)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://10.0.0.2:1883", cfg.MQTT.Broker)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
ble:
  name: MFBOLT2
  discovery_loop: 30s
  write_rate_burst: 2
patterns_dir: /srv/patterns
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "MFBOLT2", cfg.BLE.Name)
	assert.Equal(t, 2, cfg.BLE.RateBurst)
	assert.Equal(t, "/srv/patterns", cfg.PatternsDir)

	timings, err := cfg.BLE.Timings()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timings.DiscoveryLoop)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"bad json", "c.json", `{`, "failed to decode json"},
		{"bad yaml", "c.yml", "ble: [", "failed to decode yaml"},
		{"bad duration", "c.json", `{"ble": {"persist_delay": "soon"}}`, "ble.persist_delay"},
		{"negative duration", "c.json", `{"ble": {"write_delay": "-1s"}}`, "must be positive"},
		{"bad level", "c.json", `{"log_level": "loud"}`, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNegativeRateLimitRemovesCap(t *testing.T) {
	cfg, err := Load(writeConfig(t, "c.json", `{"ble": {"write_rate_limit": -1}}`))
	require.NoError(t, err)
	assert.Equal(t, -1.0, cfg.BLE.RateLimit)

	// an explicit zero cannot be told apart from an unset field
	cfg, err = Load(writeConfig(t, "c.json", `{"ble": {"write_rate_limit": 0}}`))
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.BLE.RateLimit)
}

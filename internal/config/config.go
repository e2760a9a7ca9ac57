package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ServerConfig - HTTP/WebSocket server settings
type ServerConfig struct {
	Port           string   `json:"port" yaml:"port" default:"8080"`
	WebFilesDir    string   `json:"web_files_dir" yaml:"web_files_dir" default:"./web"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// BLEConfig - bulb discovery and write scheduling
type BLEConfig struct {
	// Name is the advertised name bulbs are matched on.
	Name string `json:"name" yaml:"name" default:"MFBOLT"`
	// AllowList restricts discovery to these addresses when set.
	AllowList         []string `json:"allow_list" yaml:"allow_list"`
	WriteDelay        string   `json:"write_delay" yaml:"write_delay" default:"500ms"`
	PersistDelay      string   `json:"persist_delay" yaml:"persist_delay" default:"1s"`
	DiscoveryLoop     string   `json:"discovery_loop" yaml:"discovery_loop" default:"15s"`
	ConnectRetryDelay string   `json:"connect_retry_delay" yaml:"connect_retry_delay" default:"250ms"`
	// RateLimit caps physical writes per second per bulb. 0 means the default
	// (10); a negative value removes the cap.
	RateLimit         float64  `json:"write_rate_limit" yaml:"write_rate_limit" default:"10"`
	RateBurst         int      `json:"write_rate_burst" yaml:"write_rate_burst" default:"5"`
}

// BLETimings holds the parsed durations of a BLEConfig.
type BLETimings struct {
	WriteDelay        time.Duration
	PersistDelay      time.Duration
	DiscoveryLoop     time.Duration
	ConnectRetryDelay time.Duration
}

// MQTTConfig - MQTT and Home Assistant Discovery
type MQTTConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Broker             string `json:"broker" yaml:"broker" default:"tcp://localhost:1883"` // tcp://IP:PORT
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	ClientID           string `json:"client_id" yaml:"client_id" default:"bolt-controller"`
	TopicPrefix        string `json:"topic_prefix" yaml:"topic_prefix" default:"bolt"`
	HADiscoveryEnabled bool   `json:"ha_discovery_enabled" yaml:"ha_discovery_enabled"`
	HADiscoveryPrefix  string `json:"ha_discovery_prefix" yaml:"ha_discovery_prefix" default:"homeassistant"`
}

// Config - top level structure
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	BLE    BLEConfig    `json:"ble" yaml:"ble"`
	MQTT   MQTTConfig   `json:"mqtt" yaml:"mqtt"`

	// File system settings
	PatternsDir   string `json:"patterns_dir" yaml:"patterns_dir" default:"patterns"`
	SchedulesFile string `json:"schedules_file" yaml:"schedules_file" default:"schedules.json"`

	LogLevel string `json:"log_level" yaml:"log_level" default:"info"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads the file at path, JSON unless the extension says YAML, and applies
// sanitizing, defaults and validation. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to open config file '%s': %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w", err)
		}
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) sanitize() {
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	c.Server.WebFilesDir = strings.TrimSpace(c.Server.WebFilesDir)
	c.PatternsDir = strings.TrimSpace(c.PatternsDir)
	c.SchedulesFile = strings.TrimSpace(c.SchedulesFile)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	// the advertised name is matched exactly, only surrounding blanks are dropped
	c.BLE.Name = strings.TrimSpace(c.BLE.Name)
	allow := c.BLE.AllowList[:0]
	for _, id := range c.BLE.AllowList {
		if id = strings.TrimSpace(id); id != "" {
			allow = append(allow, id)
		}
	}
	c.BLE.AllowList = allow
}

func (c *Config) setDefaults() {
	defaults.SetDefaults(c)

	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:" + c.Server.Port}
	}
}

func (c *Config) validate() error {
	if c.BLE.RateBurst < 0 {
		return fmt.Errorf("config error: 'write_rate_burst' must not be negative")
	}
	if _, err := c.BLE.Timings(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config error: 'log_level': %w", err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config error: 'mqtt.broker' is required when mqtt is enabled")
	}
	return nil
}

// Timings parses the BLE durations.
func (b BLEConfig) Timings() (BLETimings, error) {
	var t BLETimings
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"write_delay", b.WriteDelay, &t.WriteDelay},
		{"persist_delay", b.PersistDelay, &t.PersistDelay},
		{"discovery_loop", b.DiscoveryLoop, &t.DiscoveryLoop},
		{"connect_retry_delay", b.ConnectRetryDelay, &t.ConnectRetryDelay},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return BLETimings{}, fmt.Errorf("config error: 'ble.%s': %w", f.name, err)
		}
		if d <= 0 {
			return BLETimings{}, fmt.Errorf("config error: 'ble.%s' must be positive", f.name)
		}
		*f.dst = d
	}
	return t, nil
}

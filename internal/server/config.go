package server

import (
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/enetdash/internal/ecu"
	"github.com/shaunagostinho/enetdash/internal/logger"
	"github.com/shaunagostinho/enetdash/internal/telemetry"
)

const DefaultConfigPath = "/etc/enetdash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// ENET adapter
	Adapter AdapterConfig `yaml:"adapter" json:"adapter"`

	// Gauge assignment and presets
	Layout ecu.DashboardLayout `yaml:"layout" json:"layout"`

	Polling PollingConfig `yaml:"polling" json:"polling"`
	Vehicle VehicleConfig `yaml:"vehicle" json:"vehicle"`
	DTC     DTCConfig     `yaml:"dtc" json:"dtc"`

	Logging logger.Config    `yaml:"logging" json:"logging"`
	MQTT    telemetry.Config `yaml:"mqtt" json:"mqtt"`
	Server  ServerConfig     `yaml:"server" json:"server"`

	path string // file path for save/load
}

type AdapterConfig struct {
	Address          string `yaml:"address" json:"address"` // last used adapter IP
	Port             int    `yaml:"port" json:"port"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms" json:"connectTimeoutMs"`
	AutoConnect      bool   `yaml:"auto_connect" json:"autoConnect"` // connect on startup
}

// PollingConfig tunes the engine loop. Zero values use the engine defaults.
type PollingConfig struct {
	TickMs               int `yaml:"tick_ms" json:"tickMs"`
	KeepAliveMs          int `yaml:"keep_alive_ms" json:"keepAliveMs"`
	ReconnectDelayMs     int `yaml:"reconnect_delay_ms" json:"reconnectDelayMs"`
	IdentTimeoutMs       int `yaml:"ident_timeout_ms" json:"identTimeoutMs"`
	DTCTimeoutMs         int `yaml:"dtc_timeout_ms" json:"dtcTimeoutMs"`
	MaxKeepAliveFailures int `yaml:"max_keep_alive_failures" json:"maxKeepAliveFailures"`
	ThermalEvery         int `yaml:"thermal_every" json:"thermalEvery"`
	BatterySaveEvery     int `yaml:"battery_save_every" json:"batterySaveEvery"`
	ZeroRPMSamples       int `yaml:"zero_rpm_samples" json:"zeroRpmSamples"`
	DefaultCylinders     int `yaml:"default_cylinders" json:"defaultCylinders"`
}

// VehicleConfig extends the built-in model table, keyed by VIN characters
// 4 to 7.
type VehicleConfig struct {
	Models map[string]ecu.Model `yaml:"models" json:"models"`
}

type DTCConfig struct {
	Descriptions string `yaml:"descriptions" json:"descriptions"` // YAML code -> text
	History      string `yaml:"history" json:"history"`           // bbolt file
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	d := ecu.DefaultConfig()
	return &Config{
		Adapter: AdapterConfig{
			Address:          "169.254.1.1",
			Port:             d.Port,
			ConnectTimeoutMs: int(d.ConnectTimeout / time.Millisecond),
		},
		Layout: ecu.DefaultLayout(),
		Polling: PollingConfig{
			TickMs:               int(d.TickInterval / time.Millisecond),
			KeepAliveMs:          int(d.KeepAliveInterval / time.Millisecond),
			ReconnectDelayMs:     int(d.ReconnectDelay / time.Millisecond),
			IdentTimeoutMs:       int(d.IdentTimeout / time.Millisecond),
			DTCTimeoutMs:         int(d.DTCTimeout / time.Millisecond),
			MaxKeepAliveFailures: d.MaxKeepAliveFailures,
			ThermalEvery:         d.ThermalEvery,
			BatterySaveEvery:     d.BatterySaveEvery,
			ZeroRPMSamples:       d.ZeroRPMSamples,
			DefaultCylinders:     d.DefaultCylinders,
		},
		DTC: DTCConfig{
			History: "/var/lib/enetdash/dtc.db",
		},
		Logging: logger.Config{
			Enabled:    false,
			Path:       "/var/log/enetdash",
			IntervalMs: 100,
		},
		MQTT: telemetry.Config{
			Enabled:    false,
			Broker:     telemetry.DefaultBroker,
			ClientID:   telemetry.DefaultClientID,
			Topic:      telemetry.DefaultTopic,
			IntervalMs: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then in CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ENET_ADDRESS, ENET_PORT, ENET_AUTO_CONNECT, LISTEN_ADDR,
// LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS, MQTT_ENABLED, MQTT_BROKER,
// MQTT_TOPIC, MQTT_USERNAME, MQTT_PASSWORD, DTC_DESCRIPTIONS, DTC_HISTORY
func (c *Config) applyEnvOverrides() {
	envString("ENET_ADDRESS", &c.Adapter.Address)
	envInt("ENET_PORT", &c.Adapter.Port)
	if v := os.Getenv("ENET_AUTO_CONNECT"); v != "" {
		c.Adapter.AutoConnect = envBool(v)
	}
	envString("LISTEN_ADDR", &c.Server.ListenAddr)

	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = envBool(v)
	}
	envString("LOG_PATH", &c.Logging.Path)
	envInt("LOG_INTERVAL_MS", &c.Logging.IntervalMs)

	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = envBool(v)
	}
	envString("MQTT_BROKER", &c.MQTT.Broker)
	envString("MQTT_TOPIC", &c.MQTT.Topic)
	envString("MQTT_USERNAME", &c.MQTT.Username)
	envString("MQTT_PASSWORD", &c.MQTT.Password)

	envString("DTC_DESCRIPTIONS", &c.DTC.Descriptions)
	envString("DTC_HISTORY", &c.DTC.History)
}

// Path returns the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// SetAdapter records the last successfully used adapter.
func (c *Config) SetAdapter(address string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Adapter.Address = address
	if port != 0 {
		c.Adapter.Port = port
	}
}

func (c *Config) SetLayout(l ecu.DashboardLayout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Layout = l.Clone()
}

// AdapterSettings returns a copy of the adapter section.
func (c *Config) AdapterSettings() AdapterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Adapter
}

func (c *Config) loggingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Enabled
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// EngineConfig converts the settings to an ecu.Config. Configured models
// extend the built-in table.
func (c *Config) EngineConfig() ecu.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	models := ecu.DefaultModels()
	maps.Copy(models, c.Vehicle.Models)

	p := c.Polling
	return ecu.Config{
		Port:                 c.Adapter.Port,
		ConnectTimeout:       ms(c.Adapter.ConnectTimeoutMs),
		TickInterval:         ms(p.TickMs),
		KeepAliveInterval:    ms(p.KeepAliveMs),
		ReconnectDelay:       ms(p.ReconnectDelayMs),
		IdentTimeout:         ms(p.IdentTimeoutMs),
		DTCTimeout:           ms(p.DTCTimeoutMs),
		MaxKeepAliveFailures: p.MaxKeepAliveFailures,
		ThermalEvery:         p.ThermalEvery,
		BatterySaveEvery:     p.BatterySaveEvery,
		ZeroRPMSamples:       p.ZeroRPMSamples,
		DefaultCylinders:     p.DefaultCylinders,
		Layout:               c.Layout.Clone(),
		Models:               models,
	}
}

// Package config loads the bridge configuration from YAML, a .env file and
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obdbridge/internal/device"
	"github.com/shaunagostinho/obdbridge/internal/logger"
	"github.com/shaunagostinho/obdbridge/internal/monitor"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/safety"
)

const (
	DefaultPath = "/etc/obdbridge/config.yaml"
	defaultLogs = "/var/log/obdbridge"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	Device  DeviceConfig   `yaml:"device" json:"device"`
	Monitor monitor.Config `yaml:"monitor" json:"monitor"`
	Safety  safety.Config  `yaml:"safety" json:"safety"`

	// Performance CSV written by the perf command.
	PerformanceLog logger.Config `yaml:"performance_log" json:"performanceLog"`

	Server ServerConfig `yaml:"server" json:"server"`

	// Optional code|description|severity|system file.
	DTCDatabase string `yaml:"dtc_database" json:"dtcDatabase"`

	path string
}

// DeviceConfig carries every variant; only the one matching Type is used.
type DeviceConfig struct {
	Type        device.Type              `yaml:"type" json:"type"`
	Connection  device.Connection        `yaml:"connection" json:"connection"`
	PassThru    device.PassThruConfig    `yaml:"passthru" json:"passthru"`
	Performance device.PerformanceConfig `yaml:"performance" json:"performance"`
	Tuner       device.TunerConfig       `yaml:"tuner" json:"tuner"`
	Simulator   device.SimulatorConfig   `yaml:"simulator" json:"simulator"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a simulator setup sampling at 10 Hz.
func DefaultConfig() *Config {
	mon := monitor.DefaultConfig()
	mon.LogPath = defaultLogs
	return &Config{
		Device: DeviceConfig{
			Type: device.Simulator,
			Connection: device.Connection{
				Type:      device.ConnDemo,
				Port:      "simulator",
				TimeoutMs: 1000,
			},
			PassThru: device.PassThruConfig{Retries: 3},
			Performance: device.PerformanceConfig{
				EngineDisplacement: 2.0,
				LogIntervalMs:      100,
				DisplayBrightness:  128,
				CAN:                device.CANBusConfig{PrimaryBaud: 500000},
			},
			Tuner: device.TunerConfig{ProtocolVersion: 1},
			Simulator: device.SimulatorConfig{
				RealisticNoise: true,
				UpdateRateHz:   10,
			},
		},
		Monitor: mon,
		Safety:  safety.DefaultConfig(),
		PerformanceLog: logger.Config{
			Path:       defaultLogs,
			IntervalMs: 100,
		},
		Server: ServerConfig{ListenAddr: ":8080"},
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

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}
	cfg.applyEnvOverrides()
	return cfg
}

// Path is the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the environment win.
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
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_TYPE, DEVICE_PORT, DEVICE_BAUD, MONITOR_RATE_MS,
// MONITOR_BUFFER, LOG_ENABLED, LOG_PATH, LISTEN_ADDR, SAFETY_PASSIVE,
// DTC_DATABASE
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = device.Type(v)
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.Connection.Port = v
	}
	if v := os.Getenv("DEVICE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.Connection.BaudRate = n
		}
	}
	if v := os.Getenv("MONITOR_RATE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Monitor.SampleRateMs = n
		}
	}
	if v := os.Getenv("MONITOR_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Monitor.BufferSize = n
		}
	}
	// Logging applies to both CSV families.
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Monitor.LogToFile = envBool(v)
		c.PerformanceLog.Enabled = envBool(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Monitor.LogPath = v
		c.PerformanceLog.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("SAFETY_PASSIVE"); v != "" {
		c.Safety.PassiveMode = envBool(v)
	}
	if v := os.Getenv("DTC_DATABASE"); v != "" {
		c.DTCDatabase = v
	}
}

// UseSimulator switches the device to the simulated vehicle.
func (c *Config) UseSimulator() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Device.Type = device.Simulator
	c.Device.Connection.Type = device.ConnDemo
}

// Validate checks the monitor settings and the device variant.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.device(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DeviceSettings builds the tagged device configuration for the selected type.
func (c *Config) DeviceSettings() (device.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device()
}

func (c *Config) device() (device.Config, error) {
	d := c.Device
	switch d.Type {
	case device.J2534, device.ELM327:
		return device.NewPassThru(d.Type, d.Connection, d.PassThru)
	case device.Arduino, device.ESP32:
		return device.NewPerformance(d.Type, d.Connection, d.Performance)
	case device.SCT:
		return device.NewTuner(d.Connection, d.Tuner), nil
	case device.Simulator:
		return device.NewSimulator(d.Connection, d.Simulator)
	}
	return device.Config{}, fmt.Errorf("device type %q: %w", d.Type, obd.ErrConfig)
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultPath
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
// incoming JSON are preserved. An update that fails validation leaves the
// config untouched.
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
	next := &Config{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("config: %v: %w", err, obd.ErrConfig)
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.Device, c.Monitor, c.Safety = next.Device, next.Monitor, next.Safety
	c.PerformanceLog, c.Server, c.DTCDatabase = next.PerformanceLog, next.Server, next.DTCDatabase
	return nil
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

package device

import (
	"fmt"

	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

// Type is the device-type tag used for registry lookup.
type Type string

const (
	J2534     Type = "j2534"
	ELM327    Type = "elm327"
	Arduino   Type = "arduino"
	ESP32     Type = "esp32"
	SCT       Type = "sct"
	Simulator Type = "simulator"
)

// ConnectionType is the physical link to the device.
type ConnectionType string

const (
	ConnUSB       ConnectionType = "usb"
	ConnBluetooth ConnectionType = "bluetooth"
	ConnWiFi      ConnectionType = "wifi"
	ConnSerial    ConnectionType = "serial"
	ConnCustom    ConnectionType = "custom"
	ConnDemo      ConnectionType = "demo"
)

// Connection describes how to reach the device.
type Connection struct {
	Type      ConnectionType `yaml:"type" json:"type"`
	Port      string         `yaml:"port" json:"port"` // serial path or interface name
	BaudRate  int            `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs int            `yaml:"timeout_ms" json:"timeoutMs"`
}

// PassThruConfig configures j2534 and elm327 devices. An empty protocol
// list means auto-negotiation over the default candidates.
type PassThruConfig struct {
	Protocols []string `yaml:"protocols" json:"protocols"`
	Retries   int      `yaml:"retries" json:"retries"`
}

// CANBusConfig is the bus layout of a performance monitor.
type CANBusConfig struct {
	PrimaryBaud   uint32 `yaml:"primary_baud" json:"primaryBaud"`
	SecondaryBaud uint32 `yaml:"secondary_baud" json:"secondaryBaud"`
	MultiBus      bool   `yaml:"multi_bus" json:"multiBus"`
}

// PerformanceConfig configures arduino and esp32 bridges.
type PerformanceConfig struct {
	EngineDisplacement  float64      `yaml:"engine_displacement" json:"engineDisplacement"` // litres
	LogIntervalMs       int          `yaml:"log_interval_ms" json:"logIntervalMs"`
	HighPrecisionTiming bool         `yaml:"high_precision_timing" json:"highPrecisionTiming"`
	DisplayBrightness   uint8        `yaml:"display_brightness" json:"displayBrightness"`
	CAN                 CANBusConfig `yaml:"can" json:"can"`
}

// Log interval bounds for performance monitors.
const (
	MinLogIntervalMs = 10
	MaxLogIntervalMs = 1000
)

// TunerConfig configures the proprietary tuner.
type TunerConfig struct {
	ProtocolVersion  uint32 `yaml:"protocol_version" json:"protocolVersion"`
	AdvancedFeatures bool   `yaml:"advanced_features" json:"advancedFeatures"`
	HighSpeedLogging bool   `yaml:"high_speed_logging" json:"highSpeedLogging"`
	MaxSampleRate    uint16 `yaml:"max_sample_rate" json:"maxSampleRate"`
	SafetyFeatures   bool   `yaml:"safety_features" json:"safetyFeatures"`
}

// SimulatorConfig configures the simulated vehicle.
type SimulatorConfig struct {
	RealisticNoise           bool     `yaml:"realistic_noise" json:"realisticNoise"`
	UpdateRateHz             int      `yaml:"update_rate_hz" json:"updateRateHz"`
	SensorLagMs              int      `yaml:"sensor_lag_ms" json:"sensorLagMs"`
	SimulateConnectionIssues bool     `yaml:"simulate_connection_issues" json:"simulateConnectionIssues"`
	Protocols                []string `yaml:"protocols" json:"protocols"`
	DTCs                     []string `yaml:"dtcs" json:"dtcs"`
}

// Config is a device configuration: the common connection settings plus
// exactly one variant matching Type. Build it with the New* constructors.
type Config struct {
	Type       Type
	Connection Connection

	variant any
}

// NewPassThru builds a j2534 or elm327 configuration.
func NewPassThru(t Type, conn Connection, pt PassThruConfig) (Config, error) {
	if t != J2534 && t != ELM327 {
		return Config{}, fmt.Errorf("device: %s is not a pass-through device: %w", t, obd.ErrConfig)
	}
	for _, name := range pt.Protocols {
		if _, ok := passthru.ParseProtocol(name); !ok {
			return Config{}, fmt.Errorf("device: unknown protocol %q: %w", name, obd.ErrConfig)
		}
	}
	return Config{Type: t, Connection: conn, variant: pt}, nil
}

// NewPerformance builds an arduino or esp32 configuration.
func NewPerformance(t Type, conn Connection, p PerformanceConfig) (Config, error) {
	if t != Arduino && t != ESP32 {
		return Config{}, fmt.Errorf("device: %s is not a performance monitor: %w", t, obd.ErrConfig)
	}
	if p.LogIntervalMs < MinLogIntervalMs || p.LogIntervalMs > MaxLogIntervalMs {
		return Config{}, fmt.Errorf("device: log interval %d ms outside %d..%d: %w",
			p.LogIntervalMs, MinLogIntervalMs, MaxLogIntervalMs, obd.ErrConfig)
	}
	return Config{Type: t, Connection: conn, variant: p}, nil
}

func NewTuner(conn Connection, tc TunerConfig) Config {
	return Config{Type: SCT, Connection: conn, variant: tc}
}

func NewSimulator(conn Connection, sc SimulatorConfig) (Config, error) {
	for _, name := range sc.Protocols {
		if _, ok := passthru.ParseProtocol(name); !ok {
			return Config{}, fmt.Errorf("device: unknown protocol %q: %w", name, obd.ErrConfig)
		}
	}
	return Config{Type: Simulator, Connection: conn, variant: sc}, nil
}

func wrongVariant(c Config, want string) error {
	return fmt.Errorf("device: %s config has no %s settings: %w", c.Type, want, obd.ErrConfig)
}

func (c Config) PassThru() (PassThruConfig, error) {
	v, ok := c.variant.(PassThruConfig)
	if !ok {
		return PassThruConfig{}, wrongVariant(c, "pass-through")
	}
	return v, nil
}

func (c Config) Performance() (PerformanceConfig, error) {
	v, ok := c.variant.(PerformanceConfig)
	if !ok {
		return PerformanceConfig{}, wrongVariant(c, "performance")
	}
	return v, nil
}

func (c Config) Tuner() (TunerConfig, error) {
	v, ok := c.variant.(TunerConfig)
	if !ok {
		return TunerConfig{}, wrongVariant(c, "tuner")
	}
	return v, nil
}

func (c Config) Simulator() (SimulatorConfig, error) {
	v, ok := c.variant.(SimulatorConfig)
	if !ok {
		return SimulatorConfig{}, wrongVariant(c, "simulator")
	}
	return v, nil
}

func parseProtocols(names []string) []passthru.ProtocolID {
	var ps []passthru.ProtocolID
	for _, n := range names {
		if p, ok := passthru.ParseProtocol(n); ok {
			ps = append(ps, p)
		}
	}
	return ps
}

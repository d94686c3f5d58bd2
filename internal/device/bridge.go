package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

const bridgeDefaultBaud = 115200

// Bridge command bytes. Every command is sent in a CRC32 envelope and
// answered with the echoed command, a status byte and data.
const (
	cmdVersion     byte = 'Q'
	cmdRequest     byte = 'O'
	cmdProtocol    byte = 'S'
	cmdVoltage     byte = 'V'
	cmdLogging     byte = 'P'
	cmdPerfData    byte = 'D'
	cmdLogInterval byte = 'I'
	cmdCANBus      byte = 'C'
	cmdBrightness  byte = 'B'
	cmdBackground  byte = 'W'
	cmdPowerSave   byte = 'E'
)

// perfFields is the float32 count in a 'D' reply.
const perfFields = 10

// Bridge is an Arduino or ESP32 performance monitor on a serial link.
// It relays OBD requests to the vehicle and streams performance records.
type Bridge struct {
	Base

	mu       sync.Mutex
	conn     Connection
	perf     PerformanceConfig
	env      envelopeConn
	firmware string
	protocol passthru.ProtocolID
	logging  bool
}

func newBridge(t Type) *Bridge {
	return &Bridge{Base: Base{Kind: t}}
}

// ESP32Bridge adds battery voltage and power management to Bridge.
type ESP32Bridge struct {
	*Bridge
}

func newESP32() *ESP32Bridge {
	return &ESP32Bridge{Bridge: newBridge(ESP32)}
}

func (b *Bridge) Init(cfg Config) error {
	perf, err := cfg.Performance()
	if err != nil {
		return err
	}
	if cfg.Type != b.Kind {
		return fmt.Errorf("device: %s config for %s adapter: %w", cfg.Type, b.Kind, obd.ErrConfig)
	}
	if cfg.Connection.Port == "" {
		return fmt.Errorf("device: %s: no port configured: %w", b.Kind, obd.ErrConfig)
	}
	b.conn = cfg.Connection
	if b.conn.BaudRate == 0 {
		b.conn.BaudRate = bridgeDefaultBaud
	}
	b.perf = perf
	b.env = envelopeConn{tag: string(b.Kind), timeout: timeoutOf(cfg.Connection)}
	return nil
}

// Connect opens the port, reads the firmware version and pushes the
// configured log interval, display brightness and bus rates.
func (b *Bridge) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := openPort(b.conn.Port, b.conn.BaudRate)
	if err != nil {
		return fmt.Errorf("%s: %w", b.Kind, err)
	}
	b.env.p = p
	drain(p, b.env.tag, "open")

	v, err := b.env.call(cmdVersion)
	if err != nil {
		b.env.close()
		return err
	}
	b.firmware = string(v)
	log.Printf("[%s] firmware %q on %s", b.Kind, b.firmware, b.conn.Port)

	setup := []envCommand{
		{cmdLogInterval, binary.BigEndian.AppendUint16(nil, uint16(b.perf.LogIntervalMs))},
	}
	if b.perf.DisplayBrightness > 0 {
		setup = append(setup, envCommand{cmdBrightness, []byte{b.perf.DisplayBrightness}})
	}
	if b.perf.CAN.PrimaryBaud > 0 {
		setup = append(setup, envCommand{cmdCANBus, canArgs(0, b.perf.CAN.PrimaryBaud)})
	}
	if b.perf.CAN.MultiBus && b.perf.CAN.SecondaryBaud > 0 {
		setup = append(setup, envCommand{cmdCANBus, canArgs(1, b.perf.CAN.SecondaryBaud)})
	}
	for _, s := range setup {
		if _, err := b.env.call(s.cmd, s.args...); err != nil {
			b.env.close()
			return err
		}
	}
	return nil
}

type envCommand struct {
	cmd  byte
	args []byte
}

func canArgs(bus uint8, baud uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{bus}, baud)
}

func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logging {
		if _, err := b.env.call(cmdLogging, 0); err != nil {
			log.Printf("[%s] stop logging on disconnect: %v", b.Kind, err)
		}
		b.logging = false
	}
	return b.env.close()
}

func (b *Bridge) SendRequest(_ context.Context, req obd.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.env.write(cmdRequest, req.Mode, req.PID)
}

// ReceiveResponse reads the relayed reply: mode|0x40, pid, data.
func (b *Bridge) ReceiveResponse(context.Context) (obd.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.env.read(cmdRequest)
	if err != nil {
		return obd.Response{}, err
	}
	if len(d) < 2 {
		return obd.Response{}, fmt.Errorf("%s: short reply % X: %w", b.Kind, d, obd.ErrProtocol)
	}
	return obd.Response{Mode: d[0], PID: d[1], Data: d[2:]}, nil
}

func (b *Bridge) SetProtocol(_ context.Context, p passthru.ProtocolID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.env.call(cmdProtocol, byte(p)); err != nil {
		return err
	}
	b.protocol = p
	return nil
}

func (b *Bridge) Status() (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{Type: b.Kind, Connected: b.env.p != nil, Firmware: b.firmware}
	if b.protocol != 0 {
		st.Protocol = b.protocol.String()
	}
	return st, nil
}

func (b *Bridge) StartPerformanceLogging(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.env.call(cmdLogging, 1); err != nil {
		return err
	}
	b.logging = true
	return nil
}

func (b *Bridge) StopPerformanceLogging(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.env.call(cmdLogging, 0); err != nil {
		return err
	}
	b.logging = false
	return nil
}

// PerformanceData fetches one record: ten big-endian float32 fields in
// PerformanceRecord order.
func (b *Bridge) PerformanceData(context.Context) (obd.PerformanceRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.logging {
		return obd.PerformanceRecord{}, fmt.Errorf("%s: performance logging not started: %w", b.Kind, obd.ErrProtocol)
	}
	d, err := b.env.call(cmdPerfData)
	if err != nil {
		return obd.PerformanceRecord{}, err
	}
	f, err := float32s(d, perfFields)
	if err != nil {
		return obd.PerformanceRecord{}, fmt.Errorf("%s: performance data: %w", b.Kind, err)
	}
	return obd.PerformanceRecord{
		Timestamp: time.Now(),
		RPM:       f[0],
		Speed:     f[1],
		VE:        f[2],
		MAF:       f[3],
		Torque:    f[4],
		Boost:     f[5],
		AFR:       f[6],
		IAT:       f[7],
		TPS:       f[8],
		GForce:    f[9],
	}, nil
}

func (b *Bridge) ConfigureCANBus(_ context.Context, bus uint8, baud uint32) error {
	if bus > 1 || (bus == 1 && !b.perf.CAN.MultiBus) {
		return fmt.Errorf("%s: no CAN bus %d: %w", b.Kind, bus, obd.ErrConfig)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.env.call(cmdCANBus, canArgs(bus, baud)...)
	return err
}

func (b *Bridge) SetDisplayBrightness(_ context.Context, level uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.env.call(cmdBrightness, level)
	return err
}

// Voltage reads the supply rail in millivolts.
func (e *ESP32Bridge) Voltage() (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.env.call(cmdVoltage)
	if err != nil {
		return 0, err
	}
	if len(d) < 2 {
		return 0, fmt.Errorf("%s: voltage reply % X: %w", e.Kind, d, obd.ErrProtocol)
	}
	return float64(binary.BigEndian.Uint16(d)) / 1000, nil
}

func (e *ESP32Bridge) HandleBackgroundMode(_ context.Context, entering bool) error {
	var arg byte
	if entering {
		arg = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.env.call(cmdBackground, arg)
	return err
}

func (e *ESP32Bridge) OptimizePowerConsumption(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.env.call(cmdPowerSave)
	return err
}

func float32s(d []byte, n int) ([]float64, error) {
	if len(d) < 4*n {
		return nil, fmt.Errorf("got %d bytes, want %d: %w", len(d), 4*n, obd.ErrProtocol)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(d[4*i:])))
	}
	return out, nil
}

// Package device is the adapter registry: every supported interface
// (pass-through hardware, ELM327 dongles, microcontroller bridges,
// proprietary tuners, the simulator) implements Adapter, and optional
// capabilities are separate interfaces reached through the dispatch
// helpers below.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

// Adapter is the capability set every device type provides. A device
// that lacks a capability returns obd.ErrUnsupported from it.
type Adapter interface {
	Init(cfg Config) error
	Connect(ctx context.Context) error
	Disconnect() error
	SendRequest(ctx context.Context, req obd.Request) error
	ReceiveResponse(ctx context.Context) (obd.Response, error)
	SetProtocol(ctx context.Context, p passthru.ProtocolID) error
	Voltage() (float64, error)
	Status() (Status, error)
}

// Status is a device health snapshot.
type Status struct {
	Type      Type   `json:"type"`
	Connected bool   `json:"connected"`
	Protocol  string `json:"protocol,omitempty"`
	Firmware  string `json:"firmware,omitempty"`
}

// PerformanceLogger is implemented by performance-monitor devices.
type PerformanceLogger interface {
	StartPerformanceLogging(ctx context.Context) error
	StopPerformanceLogging(ctx context.Context) error
	PerformanceData(ctx context.Context) (obd.PerformanceRecord, error)
}

// CANConfigurer sets the bit rate of one of the device's CAN buses.
type CANConfigurer interface {
	ConfigureCANBus(ctx context.Context, bus uint8, baud uint32) error
}

// DisplayController drives an on-device display.
type DisplayController interface {
	SetDisplayBrightness(ctx context.Context, level uint8) error
}

// PowerManager exposes host power-state hooks.
type PowerManager interface {
	HandleBackgroundMode(ctx context.Context, entering bool) error
	OptimizePowerConsumption(ctx context.Context) error
}

func unsupported(t Type, op string) error {
	return fmt.Errorf("device: %s: %s: %w", t, op, obd.ErrUnsupported)
}

// Base implements every Adapter method as unsupported. Concrete adapters
// embed it and override what they provide.
type Base struct {
	Kind Type
}

func (b Base) Init(Config) error             { return unsupported(b.Kind, "init") }
func (b Base) Connect(context.Context) error { return unsupported(b.Kind, "connect") }
func (b Base) Disconnect() error             { return unsupported(b.Kind, "disconnect") }
func (b Base) Voltage() (float64, error)     { return 0, unsupported(b.Kind, "voltage") }
func (b Base) Status() (Status, error)       { return Status{Type: b.Kind}, unsupported(b.Kind, "status") }

func (b Base) SetProtocol(context.Context, passthru.ProtocolID) error {
	return unsupported(b.Kind, "set protocol")
}

func (b Base) SendRequest(context.Context, obd.Request) error {
	return unsupported(b.Kind, "send request")
}

func (b Base) ReceiveResponse(context.Context) (obd.Response, error) {
	return obd.Response{}, unsupported(b.Kind, "receive response")
}

func kindOf(a Adapter) Type {
	if st, err := a.Status(); err == nil {
		return st.Type
	}
	return "unknown"
}

// StartPerformanceLogging dispatches to a PerformanceLogger.
func StartPerformanceLogging(ctx context.Context, a Adapter) error {
	if p, ok := a.(PerformanceLogger); ok {
		return p.StartPerformanceLogging(ctx)
	}
	return unsupported(kindOf(a), "start performance logging")
}

func StopPerformanceLogging(ctx context.Context, a Adapter) error {
	if p, ok := a.(PerformanceLogger); ok {
		return p.StopPerformanceLogging(ctx)
	}
	return unsupported(kindOf(a), "stop performance logging")
}

func PerformanceData(ctx context.Context, a Adapter) (obd.PerformanceRecord, error) {
	if p, ok := a.(PerformanceLogger); ok {
		return p.PerformanceData(ctx)
	}
	return obd.PerformanceRecord{}, unsupported(kindOf(a), "performance data")
}

func ConfigureCANBus(ctx context.Context, a Adapter, bus uint8, baud uint32) error {
	if c, ok := a.(CANConfigurer); ok {
		return c.ConfigureCANBus(ctx, bus, baud)
	}
	return unsupported(kindOf(a), "configure CAN bus")
}

func SetDisplayBrightness(ctx context.Context, a Adapter, level uint8) error {
	if d, ok := a.(DisplayController); ok {
		return d.SetDisplayBrightness(ctx, level)
	}
	return unsupported(kindOf(a), "display brightness")
}

func HandleBackgroundMode(ctx context.Context, a Adapter, entering bool) error {
	if p, ok := a.(PowerManager); ok {
		return p.HandleBackgroundMode(ctx, entering)
	}
	return unsupported(kindOf(a), "background mode")
}

func OptimizePowerConsumption(ctx context.Context, a Adapter) error {
	if p, ok := a.(PowerManager); ok {
		return p.OptimizePowerConsumption(ctx)
	}
	return unsupported(kindOf(a), "power optimization")
}

// Exchanger performs one request/response round trip.
type Exchanger interface {
	Exchange(ctx context.Context, req obd.Request) (obd.Response, error)
}

// AsRequester adapts a to the single request/response contract used by
// the diagnostic service. Adapters that already implement Exchanger are
// returned as is; others are driven with SendRequest then ReceiveResponse
// under a lock so at most one request is in flight.
func AsRequester(a Adapter) Exchanger {
	if e, ok := a.(Exchanger); ok {
		return e
	}
	return &requester{a: a}
}

type requester struct {
	mu sync.Mutex
	a  Adapter
}

func (r *requester) Exchange(ctx context.Context, req obd.Request) (obd.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.a.SendRequest(ctx, req); err != nil {
		return obd.Response{}, err
	}
	resp, err := r.a.ReceiveResponse(ctx)
	if err != nil {
		return obd.Response{}, err
	}
	if !resp.Answers(req) {
		return obd.Response{}, fmt.Errorf("device: %s answered with mode 0x%02X pid 0x%02X: %w", req, resp.Mode, resp.PID, obd.ErrProtocol)
	}
	return resp, nil
}

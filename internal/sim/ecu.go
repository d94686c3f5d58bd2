// Package sim is a simulated vehicle behind the pass-through driver
// interface. It answers OBD-II modes 1, 2, 3, 4 and 7 on the protocols it
// is configured for and stays silent on the rest, so protocol
// negotiation, retries and every codec can be exercised without
// hardware.
package sim

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shaunagostinho/obdbridge/internal/frame"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

// Config tunes the simulated vehicle.
type Config struct {
	// Protocols the vehicle answers on. Connecting on another protocol
	// succeeds but nothing ever replies.
	Protocols []passthru.ProtocolID `yaml:"protocols" json:"protocols"`
	DTCs      []uint16              `yaml:"dtcs" json:"dtcs"`

	Noise float64 `yaml:"noise" json:"noise"` // jitter multiplier, 0 disables
	Tick  float64 `yaml:"tick" json:"tick"`   // model seconds per request
	Seed  int64   `yaml:"seed" json:"seed"`

	// DropRate is the probability that a write times out.
	DropRate float64 `yaml:"drop_rate" json:"dropRate"`
}

// DefaultConfig answers on CAN and ISO9141 with two stored codes.
func DefaultConfig() Config {
	return Config{
		Protocols: []passthru.ProtocolID{passthru.CAN, passthru.ISO9141},
		DTCs:      []uint16{0x0301, 0x0420},
		Noise:     1,
		Tick:      0.05,
		Seed:      1,
	}
}

// Stored DTCs report confirmed with the MIL requested.
const dtcStatus byte = 0x88

// Negative response codes sent by the ECU.
const (
	nrcServiceNotSupported byte = 0x11
	nrcSubFunction         byte = 0x12
	nrcOutOfRange          byte = 0x31
)

type channel struct {
	protocol passthru.ProtocolID
	baud     uint32
	queue    [][]byte
	isotp    frame.Reassembler
}

// ECU implements passthru.Driver.
type ECU struct {
	mu       sync.Mutex
	cfg      Config
	model    *model
	engine   Engine
	dtcs     []uint16
	freeze   []byte
	open     bool
	next     passthru.ChannelID
	channels map[passthru.ChannelID]*channel
	requests int
}

// New returns a simulated vehicle with its stored codes and a freeze
// frame captured on the first model step.
func New(cfg Config) *ECU {
	if cfg.Tick <= 0 {
		cfg.Tick = 0.05
	}
	e := &ECU{
		cfg:      cfg,
		model:    newModel(cfg.Seed, cfg.Noise),
		dtcs:     append([]uint16(nil), cfg.DTCs...),
		channels: make(map[passthru.ChannelID]*channel),
	}
	e.engine = e.model.step(cfg.Tick)
	if len(e.dtcs) > 0 {
		e.freeze = e.freezeFrame(e.dtcs[0])
	}
	return e
}

// Engine returns the current engine snapshot.
func (e *ECU) Engine() Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine
}

// Step advances the engine model without a request.
func (e *ECU) Step() Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.engine = e.model.step(e.cfg.Tick)
	return e.engine
}

// Requests counts the diagnostic requests answered so far.
func (e *ECU) Requests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests
}

// StoredDTCs returns the codes a mode 3 request would report.
func (e *ECU) StoredDTCs() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint16(nil), e.dtcs...)
}

func (e *ECU) Open(name string) (passthru.DeviceID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = true
	log.Printf("[sim] device %q opened (protocols %v)", name, e.cfg.Protocols)
	return 1, nil
}

func (e *ECU) Close(passthru.DeviceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = false
	e.channels = make(map[passthru.ChannelID]*channel)
	return nil
}

func (e *ECU) Connect(_ passthru.DeviceID, p passthru.ProtocolID, _ passthru.Flags, baud uint32) (passthru.ChannelID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return 0, passthru.StatusInvalidChannelID
	}
	if _, err := frame.ForProtocol(p); err != nil {
		return 0, passthru.StatusInvalidProtocolID
	}
	e.next++
	e.channels[e.next] = &channel{protocol: p, baud: baud}
	return e.next, nil
}

func (e *ECU) Disconnect(ch passthru.ChannelID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.channels[ch]; !ok {
		return passthru.StatusInvalidChannelID
	}
	delete(e.channels, ch)
	return nil
}

// ReadMsg never blocks: an empty queue is reported as a timeout.
func (e *ECU) ReadMsg(ch passthru.ChannelID, _ time.Duration) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.channels[ch]
	if !ok {
		return nil, passthru.StatusInvalidChannelID
	}
	if len(c.queue) == 0 {
		return nil, passthru.StatusTimeout
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	return m, nil
}

func (e *ECU) WriteMsg(ch passthru.ChannelID, data []byte, _ time.Duration) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.channels[ch]
	if !ok {
		return 0, passthru.StatusInvalidChannelID
	}
	if e.cfg.DropRate > 0 && e.model.rng.Float64() < e.cfg.DropRate {
		return 0, passthru.StatusTimeout
	}
	if !e.answers(c.protocol) {
		return len(data), nil
	}

	replies, err := e.handleWire(c, data)
	if err != nil {
		log.Printf("[sim] %s: dropping request % X: %v", c.protocol, data, err)
		return len(data), nil
	}
	c.queue = append(c.queue, replies...)
	return len(data), nil
}

func (e *ECU) Ioctl(ch passthru.ChannelID, id passthru.IoctlID, in []passthru.ConfigParam) ([]passthru.ConfigParam, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.channels[ch]
	if !ok {
		return nil, passthru.StatusInvalidChannelID
	}
	switch id {
	case passthru.ReadVBatt:
		return []passthru.ConfigParam{{Value: uint32(math.Round(e.engine.Battery * 1000))}}, nil
	case passthru.ReadProgVoltage:
		return []passthru.ConfigParam{{Value: 0}}, nil
	case passthru.GetConfig:
		out := make([]passthru.ConfigParam, 0, len(in))
		for _, p := range in {
			switch p.Parameter {
			case passthru.ParamDataRate:
				p.Value = c.baud
			case passthru.ParamLoopback:
				p.Value = 0
			default:
				return nil, passthru.StatusNotSupported
			}
			out = append(out, p)
		}
		return out, nil
	case passthru.SetConfig:
		for _, p := range in {
			if p.Parameter == passthru.ParamDataRate {
				c.baud = p.Value
			}
		}
		return nil, nil
	default:
		return nil, passthru.StatusInvalidIoctl
	}
}

func (e *ECU) answers(p passthru.ProtocolID) bool {
	for _, q := range e.cfg.Protocols {
		if q == p {
			return true
		}
	}
	return false
}

// handleWire strips the protocol framing from a request, answers it and
// frames the reply the same way.
func (e *ECU) handleWire(c *channel, wire []byte) ([][]byte, error) {
	switch c.protocol {
	case passthru.CAN:
		if len(wire) < 5 {
			return nil, fmt.Errorf("short CAN request")
		}
		resp := append([]byte{0x03, 0x00, 0x01}, e.handle(wire[3:])...)
		return [][]byte{resp}, nil

	case passthru.ISO9141:
		if len(wire) < 6 {
			return nil, fmt.Errorf("short ISO9141 request")
		}
		n := len(wire) - 1
		if frame.Checksum(wire[:n]) != wire[n] {
			return nil, fmt.Errorf("bad checksum")
		}
		resp := append([]byte{0x48, 0x6B, 0x10}, e.handle(wire[3:n])...)
		return [][]byte{append(resp, frame.Checksum(resp))}, nil

	case passthru.ISO14230:
		return [][]byte{e.handle(wire)}, nil

	case passthru.J1850PWM, passthru.J1850VPW:
		if len(wire) < frame.J1850HeaderLength+1 {
			return nil, fmt.Errorf("short J1850 request")
		}
		resp := append([]byte{frame.J1850Response, frame.J1850Target, 0x10}, e.handle(wire[frame.J1850HeaderLength:])...)
		// Multi-frame J1850 replies are not simulated.
		if len(resp) > frame.J1850MaxLength {
			resp = resp[:frame.J1850MaxLength]
		}
		return [][]byte{resp}, nil

	case passthru.ISO15765:
		f, err := frame.UnmarshalCANFrame(wire)
		if err != nil {
			return nil, err
		}
		if frame.IsFlowControl(f) {
			return nil, nil
		}
		done, err := c.isotp.Push(f)
		if err != nil || !done {
			return nil, err
		}
		req := c.isotp.Payload()
		c.isotp.Reset()
		frames, err := frame.Segment(frame.OBDResponseID, e.handle(req))
		if err != nil {
			return nil, err
		}
		msgs := make([][]byte, 0, len(frames))
		for _, fr := range frames {
			b, err := fr.MarshalBinary()
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, b)
		}
		return msgs, nil
	}
	return nil, fmt.Errorf("unsupported protocol %s", c.protocol)
}

func negative(service, code byte) []byte {
	return []byte{0x7F, service, code}
}

// handle answers one {mode, pid, ...} payload.
func (e *ECU) handle(p []byte) []byte {
	if len(p) == 0 {
		return negative(0, nrcSubFunction)
	}
	e.requests++
	e.engine = e.model.step(e.cfg.Tick)

	mode := p[0]
	var pid byte
	if len(p) > 1 {
		pid = p[1]
	}
	ok := mode | obd.PositiveResponse

	switch mode {
	case obd.ModeCurrentData:
		data, found := e.pidData(pid)
		if !found {
			return negative(mode, nrcOutOfRange)
		}
		return append([]byte{ok, pid}, data...)

	case obd.ModeFreezeFrame:
		if pid != 0 || e.freeze == nil {
			return negative(mode, nrcOutOfRange)
		}
		return append([]byte{ok, pid}, e.freeze...)

	case obd.ModeStoredDTCs:
		resp := []byte{ok, 0x00}
		for _, d := range e.dtcs {
			resp = append(resp, byte(d>>8), byte(d))
		}
		return resp

	case obd.ModeClearDTCs:
		e.dtcs = nil
		e.freeze = nil
		return []byte{ok, 0x00, obd.ClearAcknowledged}

	case obd.ModeDTCStatus:
		for _, d := range e.dtcs {
			if byte(d) == pid {
				return []byte{ok, pid, dtcStatus}
			}
		}
		return []byte{ok, pid, 0x00}

	case frame.StartDiagnosticSession:
		return []byte{ok, pid}
	}
	return negative(mode, nrcServiceNotSupported)
}

// supported lists the mode 1 pids the ECU answers, ascending.
var supported = []byte{
	obd.PIDEngineLoad, obd.PIDCoolantTemp, obd.PIDIntakeMAP, obd.PIDEngineRPM,
	obd.PIDVehicleSpeed, obd.PIDTimingAdvance, obd.PIDIntakeTemp, obd.PIDMAFRate,
	obd.PIDThrottle, obd.PIDO2Voltage, obd.PIDFuelLevel,
}

func byteOf(v float64) byte { return byte(clamp(math.Round(v), 0, 255)) }

func wordOf(v float64) (byte, byte) {
	w := uint16(clamp(math.Round(v), 0, 65535))
	return byte(w >> 8), byte(w)
}

// pidData encodes the current engine value for pid, the inverse of the
// conversions in package obd.
func (e *ECU) pidData(pid byte) ([]byte, bool) {
	en := e.engine
	switch pid {
	case 0x00:
		var bm [4]byte
		for _, p := range supported {
			if p >= 1 && p <= 0x20 {
				i := int(p) - 1
				bm[i/8] |= 0x80 >> (i % 8)
			}
		}
		return bm[:], true
	case obd.PIDEngineLoad:
		return []byte{byteOf(en.Load * 255 / 100)}, true
	case obd.PIDCoolantTemp:
		return []byte{byteOf(en.Coolant + 40)}, true
	case obd.PIDIntakeMAP:
		return []byte{byteOf(en.MAP)}, true
	case obd.PIDEngineRPM:
		hi, lo := wordOf(en.RPM * 4)
		return []byte{hi, lo}, true
	case obd.PIDVehicleSpeed:
		return []byte{byteOf(en.Speed)}, true
	case obd.PIDTimingAdvance:
		return []byte{byteOf(en.Timing*2 + 128)}, true
	case obd.PIDIntakeTemp:
		return []byte{byteOf(en.IAT + 40)}, true
	case obd.PIDMAFRate:
		hi, lo := wordOf(en.MAF * 100)
		return []byte{hi, lo}, true
	case obd.PIDThrottle:
		return []byte{byteOf(en.Throttle * 255 / 100)}, true
	case obd.PIDO2Voltage:
		return []byte{byteOf(en.O2 / 0.005), 0xFF}, true
	case obd.PIDFuelLevel:
		return []byte{byteOf(en.FuelLevel * 255 / 100)}, true
	}
	return nil, false
}

// freezeFrame captures {pid, 3 data bytes} records for the code that
// stored it.
func (e *ECU) freezeFrame(dtc uint16) []byte {
	b := []byte{obd.PIDFreezeDTC, byte(dtc >> 8), byte(dtc), 0}
	for _, pid := range []byte{obd.PIDEngineRPM, obd.PIDCoolantTemp, obd.PIDVehicleSpeed, obd.PIDThrottle, obd.PIDEngineLoad} {
		d, _ := e.pidData(pid)
		var rec [4]byte
		rec[0] = pid
		copy(rec[1:], d)
		b = append(b, rec[:]...)
	}
	return b
}

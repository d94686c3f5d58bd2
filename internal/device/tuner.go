package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

// MinimumTunerFirmware is the oldest tuner firmware the adapter talks to.
const MinimumTunerFirmware = "2.9.0"

const (
	tunerDefaultBaud       = 115200
	tunerDefaultSampleRate = 100
	tunerProtocolVersion   = 1
)

// Tuner command bytes, framed like the bridge commands.
const (
	cmdHandshake  byte = 'H'
	cmdFirmware   byte = 'F'
	cmdParams     byte = 'G'
	cmdTuning     byte = 'T'
	cmdMonitor    byte = 'M'
	cmdMonitorEnd byte = 'm'
	cmdSafety     byte = 'L'
)

// TunerParams is the live parameter block in raw device units.
type TunerParams struct {
	RPM          uint16 `json:"rpm"`
	Speed        uint16 `json:"speed"`
	Load         uint16 `json:"load"`
	Throttle     uint16 `json:"throttle"`
	AFR          uint16 `json:"afr"`
	Timing       uint16 `json:"timing"`
	Boost        uint16 `json:"boost"`
	KnockRetard  uint16 `json:"knockRetard"`
	FuelPressure uint16 `json:"fuelPressure"`
}

const tunerParamWords = 9

// AFR target slots.
const (
	AFRIdle = iota
	AFRCruise
	AFRLightLoad
	AFRHeavyLoad
	AFRWOT
)

// Tuning is the calibration currently flashed on the tuner.
type Tuning struct {
	VE             [24]float64 `json:"ve"` // fraction of theoretical fill
	AFRTargets     [5]float64  `json:"afrTargets"`
	MaxBoost       float64     `json:"maxBoost"`    // psi
	TargetBoost    float64     `json:"targetBoost"` // psi
	RevLimitCut    float64     `json:"revLimitCut"`
	RevLimitResume float64     `json:"revLimitResume"`
}

const tuningFloats = 24 + 5 + 4

// Verify checks the calibration against hard bounds and reports every
// violation, wrapped in obd.ErrSafetyLimit.
func (t Tuning) Verify() error {
	var errs []error
	for i, ve := range t.VE {
		if ve < 0 || ve > 2 {
			errs = append(errs, fmt.Errorf("VE[%d] = %.2f outside 0..2", i, ve))
		}
	}
	if a := t.AFRTargets[AFRIdle]; a < 10 || a > 20 {
		errs = append(errs, fmt.Errorf("idle AFR %.1f outside 10..20", a))
	}
	if a := t.AFRTargets[AFRWOT]; a < 10 || a > 15 {
		errs = append(errs, fmt.Errorf("WOT AFR %.1f outside 10..15", a))
	}
	if t.MaxBoost > 60 {
		errs = append(errs, fmt.Errorf("max boost %.1f psi above 60", t.MaxBoost))
	}
	if t.TargetBoost > t.MaxBoost {
		errs = append(errs, fmt.Errorf("target boost %.1f above max %.1f", t.TargetBoost, t.MaxBoost))
	}
	if t.RevLimitCut <= t.RevLimitResume {
		errs = append(errs, fmt.Errorf("rev limit cut %.0f not above resume %.0f", t.RevLimitCut, t.RevLimitResume))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("tuning: %w: %w", obd.ErrSafetyLimit, errors.Join(errs...))
}

// CompareFirmware orders two tuner firmware versions. Both may omit the
// leading "v".
func CompareFirmware(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Tuner drives an SCT-style tuner: OBD relay plus live parameters and
// calibration readout.
type Tuner struct {
	Base

	mu         sync.Mutex
	conn       Connection
	tc         TunerConfig
	env        envelopeConn
	firmware   string
	protocol   passthru.ProtocolID
	monitoring bool
}

func (t *Tuner) Init(cfg Config) error {
	tc, err := cfg.Tuner()
	if err != nil {
		return err
	}
	if cfg.Connection.Port == "" {
		return fmt.Errorf("device: sct: no port configured: %w", obd.ErrConfig)
	}
	t.conn = cfg.Connection
	if t.conn.BaudRate == 0 {
		t.conn.BaudRate = tunerDefaultBaud
	}
	if tc.ProtocolVersion == 0 {
		tc.ProtocolVersion = tunerProtocolVersion
	}
	if tc.HighSpeedLogging && tc.MaxSampleRate == 0 {
		tc.MaxSampleRate = tunerDefaultSampleRate
	}
	t.tc = tc
	t.env = envelopeConn{tag: "sct", timeout: timeoutOf(cfg.Connection)}
	return nil
}

// Connect performs the handshake, refuses firmware older than
// MinimumTunerFirmware, then enables high-speed monitoring and onboard
// safety limits when configured.
func (t *Tuner) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := openPort(t.conn.Port, t.conn.BaudRate)
	if err != nil {
		return fmt.Errorf("sct: %w", err)
	}
	t.env.p = p
	drain(p, "sct", "open")

	if err := t.setup(); err != nil {
		t.env.close()
		return err
	}
	return nil
}

func (t *Tuner) setup() error {
	if _, err := t.env.call(cmdHandshake, binary.BigEndian.AppendUint32(nil, t.tc.ProtocolVersion)...); err != nil {
		return err
	}
	fw, err := t.env.call(cmdFirmware)
	if err != nil {
		return err
	}
	t.firmware = strings.TrimSpace(string(fw))
	if !semver.IsValid(canonicalVersion(t.firmware)) {
		return fmt.Errorf("sct: firmware version %q: %w", t.firmware, obd.ErrProtocol)
	}
	if CompareFirmware(t.firmware, MinimumTunerFirmware) < 0 {
		return fmt.Errorf("sct: firmware %s older than %s: %w", t.firmware, MinimumTunerFirmware, obd.ErrUnsupported)
	}
	log.Printf("[sct] firmware %s on %s", t.firmware, t.conn.Port)

	if t.tc.HighSpeedLogging {
		if _, err := t.env.call(cmdMonitor, binary.BigEndian.AppendUint16(nil, t.tc.MaxSampleRate)...); err != nil {
			return err
		}
		t.monitoring = true
	}
	if t.tc.SafetyFeatures {
		if _, err := t.env.call(cmdSafety, 1); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tuner) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.monitoring {
		if _, err := t.env.call(cmdMonitorEnd); err != nil {
			log.Printf("[sct] stop monitoring: %v", err)
		}
		t.monitoring = false
	}
	return t.env.close()
}

func (t *Tuner) SendRequest(_ context.Context, req obd.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.env.write(cmdRequest, req.Mode, req.PID)
}

func (t *Tuner) ReceiveResponse(context.Context) (obd.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.env.read(cmdRequest)
	if err != nil {
		return obd.Response{}, err
	}
	if len(d) < 2 {
		return obd.Response{}, fmt.Errorf("sct: short reply % X: %w", d, obd.ErrProtocol)
	}
	return obd.Response{Mode: d[0], PID: d[1], Data: d[2:]}, nil
}

func (t *Tuner) SetProtocol(_ context.Context, p passthru.ProtocolID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.env.call(cmdProtocol, byte(p)); err != nil {
		return err
	}
	t.protocol = p
	return nil
}

func (t *Tuner) Voltage() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.env.call(cmdVoltage)
	if err != nil {
		return 0, err
	}
	if len(d) < 2 {
		return 0, fmt.Errorf("sct: voltage reply % X: %w", d, obd.ErrProtocol)
	}
	return float64(binary.BigEndian.Uint16(d)) / 1000, nil
}

func (t *Tuner) Status() (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{Type: SCT, Connected: t.env.p != nil, Firmware: t.firmware}
	if t.protocol != 0 {
		st.Protocol = t.protocol.String()
	}
	return st, nil
}

// Parameters reads the live parameter block.
func (t *Tuner) Parameters(context.Context) (TunerParams, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.env.call(cmdParams)
	if err != nil {
		return TunerParams{}, err
	}
	if len(d) < 2*tunerParamWords {
		return TunerParams{}, fmt.Errorf("sct: parameter block of %d bytes: %w", len(d), obd.ErrProtocol)
	}
	w := func(i int) uint16 { return binary.BigEndian.Uint16(d[2*i:]) }
	return TunerParams{
		RPM:          w(0),
		Speed:        w(1),
		Load:         w(2),
		Throttle:     w(3),
		AFR:          w(4),
		Timing:       w(5),
		Boost:        w(6),
		KnockRetard:  w(7),
		FuelPressure: w(8),
	}, nil
}

// Tuning reads the flashed calibration. It requires AdvancedFeatures.
func (t *Tuner) Tuning(context.Context) (Tuning, error) {
	if !t.tc.AdvancedFeatures {
		return Tuning{}, unsupported(SCT, "read tuning without advanced features")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.env.call(cmdTuning)
	if err != nil {
		return Tuning{}, err
	}
	f, err := float32s(d, tuningFloats)
	if err != nil {
		return Tuning{}, fmt.Errorf("sct: tuning: %w", err)
	}
	var tn Tuning
	copy(tn.VE[:], f[:24])
	copy(tn.AFRTargets[:], f[24:29])
	tn.MaxBoost, tn.TargetBoost = f[29], f[30]
	tn.RevLimitCut, tn.RevLimitResume = f[31], f[32]
	return tn, nil
}

// VerifyTuning reads the calibration and checks it.
func (t *Tuner) VerifyTuning(ctx context.Context) error {
	tn, err := t.Tuning(ctx)
	if err != nil {
		return err
	}
	return tn.Verify()
}

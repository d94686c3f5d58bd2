package device

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

func tunerReplies(firmware string) map[byte][]byte {
	return map[byte][]byte{
		cmdHandshake:  nil,
		cmdFirmware:   []byte(firmware),
		cmdMonitor:    nil,
		cmdMonitorEnd: nil,
		cmdSafety:     nil,
		cmdRequest:    {0x41, 0x05, 0x7B},
		cmdVoltage:    {0x35, 0x84},
	}
}

func initTuner(t *testing.T, ep *envPort, tc TunerConfig) Adapter {
	t.Helper()
	withPort(t, ep.fakePort)
	a, err := Builtin().Init(NewTuner(Connection{Type: ConnCustom, Port: "/dev/ttyUSB2", TimeoutMs: 50}, tc))
	require.NoError(t, err)
	return a
}

func validTuning() Tuning {
	var tn Tuning
	for i := range tn.VE {
		tn.VE[i] = 0.85
	}
	tn.AFRTargets = [5]float64{14.7, 14.7, 14.2, 12.8, 11.8}
	tn.MaxBoost, tn.TargetBoost = 18, 15
	tn.RevLimitCut, tn.RevLimitResume = 6800, 6600
	return tn
}

func tuningBytes(tn Tuning) []byte {
	fs := append(append([]float64(nil), tn.VE[:]...), tn.AFRTargets[:]...)
	fs = append(fs, tn.MaxBoost, tn.TargetBoost, tn.RevLimitCut, tn.RevLimitResume)
	var b []byte
	for _, f := range fs {
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(float32(f)))
	}
	return b
}

func TestCompareFirmware(t *testing.T) {
	assert.Equal(t, 0, CompareFirmware("2.9.0", "v2.9.0"))
	assert.Equal(t, -1, CompareFirmware("2.8.9", MinimumTunerFirmware))
	assert.Equal(t, 1, CompareFirmware("v2.10.0", MinimumTunerFirmware))
	assert.Equal(t, 1, CompareFirmware("3.0.0-rc1", "2.99.0"))
}

func TestTunerConnect(t *testing.T) {
	ep := newEnvPort(tunerReplies("2.10.3"))
	a := initTuner(t, ep, TunerConfig{HighSpeedLogging: true, SafetyFeatures: true})
	require.NoError(t, a.Connect(context.Background()))

	assert.Equal(t, []byte{0, 0, 0, 1}, ep.argsOf(cmdHandshake))
	assert.Equal(t, []byte{0x00, 0x64}, ep.argsOf(cmdMonitor))
	assert.Equal(t, []byte{1}, ep.argsOf(cmdSafety))

	resp, err := AsRequester(a).Exchange(context.Background(), obd.Request{Mode: obd.ModeCurrentData, PID: obd.PIDCoolantTemp})
	require.NoError(t, err)
	assert.Equal(t, byte(0x7B), resp.Byte(0))

	v, err := a.Voltage()
	require.NoError(t, err)
	assert.InDelta(t, 13.7, v, 1e-9)

	st, err := a.Status()
	require.NoError(t, err)
	assert.Equal(t, "2.10.3", st.Firmware)

	require.NoError(t, a.Disconnect())
	assert.NotNil(t, ep.argsOf(cmdMonitorEnd))
	assert.True(t, ep.isClosed())
}

func TestTunerRejectsOldFirmware(t *testing.T) {
	ep := newEnvPort(tunerReplies("2.8.5"))
	a := initTuner(t, ep, TunerConfig{})
	err := a.Connect(context.Background())
	require.ErrorIs(t, err, obd.ErrUnsupported)
	assert.Contains(t, err.Error(), "older than 2.9.0")
	assert.True(t, ep.isClosed())
}

func TestTunerRejectsGarbledFirmware(t *testing.T) {
	ep := newEnvPort(tunerReplies("build-42"))
	a := initTuner(t, ep, TunerConfig{})
	assert.ErrorIs(t, a.Connect(context.Background()), obd.ErrProtocol)
}

func TestTunerParameters(t *testing.T) {
	replies := tunerReplies("2.9.0")
	var params []byte
	for _, w := range []uint16{3100, 88, 640, 210, 1470, 240, 170, 2, 580} {
		params = binary.BigEndian.AppendUint16(params, w)
	}
	replies[cmdParams] = params
	ep := newEnvPort(replies)
	a := initTuner(t, ep, TunerConfig{})
	require.NoError(t, a.Connect(context.Background()))

	p, err := a.(*Tuner).Parameters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TunerParams{
		RPM: 3100, Speed: 88, Load: 640, Throttle: 210, AFR: 1470,
		Timing: 240, Boost: 170, KnockRetard: 2, FuelPressure: 580,
	}, p)
}

func TestTunerTuning(t *testing.T) {
	replies := tunerReplies("2.9.0")
	replies[cmdTuning] = tuningBytes(validTuning())
	ep := newEnvPort(replies)

	a := initTuner(t, ep, TunerConfig{})
	require.NoError(t, a.Connect(context.Background()))
	_, err := a.(*Tuner).Tuning(context.Background())
	assert.ErrorIs(t, err, obd.ErrUnsupported)

	a = initTuner(t, ep, TunerConfig{AdvancedFeatures: true})
	require.NoError(t, a.Connect(context.Background()))
	tn, err := a.(*Tuner).Tuning(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.85, tn.VE[23], 1e-6)
	assert.InDelta(t, 11.8, tn.AFRTargets[AFRWOT], 1e-5)
	assert.Equal(t, 6800.0, tn.RevLimitCut)
	assert.NoError(t, a.(*Tuner).VerifyTuning(context.Background()))
}

func TestTuningVerify(t *testing.T) {
	assert.NoError(t, validTuning().Verify())

	tests := []struct {
		name   string
		mutate func(*Tuning)
		want   string
	}{
		{"ve", func(tn *Tuning) { tn.VE[3] = 2.5 }, "VE[3]"},
		{"idle afr", func(tn *Tuning) { tn.AFRTargets[AFRIdle] = 9 }, "idle AFR"},
		{"wot afr", func(tn *Tuning) { tn.AFRTargets[AFRWOT] = 15.5 }, "WOT AFR"},
		{"max boost", func(tn *Tuning) { tn.MaxBoost, tn.TargetBoost = 65, 20 }, "max boost"},
		{"target boost", func(tn *Tuning) { tn.TargetBoost = 25 }, "target boost"},
		{"rev limit", func(tn *Tuning) { tn.RevLimitResume = 6800 }, "rev limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tn := validTuning()
			tt.mutate(&tn)
			err := tn.Verify()
			require.ErrorIs(t, err, obd.ErrSafetyLimit)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

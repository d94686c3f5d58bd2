package device

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

func bridgeReplies() map[byte][]byte {
	return map[byte][]byte{
		cmdVersion:     []byte("1.4.2"),
		cmdLogInterval: nil,
		cmdBrightness:  nil,
		cmdCANBus:      nil,
		cmdRequest:     {0x41, 0x0D, 0x3C},
		cmdProtocol:    nil,
		cmdLogging:     nil,
		cmdVoltage:     {0x31, 0x9C},
		cmdBackground:  nil,
		cmdPowerSave:   nil,
	}
}

func connectBridge(t *testing.T, ep *envPort, typ Type, perf PerformanceConfig) Adapter {
	t.Helper()
	withPort(t, ep.fakePort)
	cfg, err := NewPerformance(typ, Connection{Type: ConnUSB, Port: "/dev/ttyACM0", TimeoutMs: 50}, perf)
	require.NoError(t, err)
	a, err := Builtin().Init(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { a.Disconnect() })
	return a
}

func TestBridgeConnectPushesSettings(t *testing.T) {
	ep := newEnvPort(bridgeReplies())
	a := connectBridge(t, ep, Arduino, PerformanceConfig{
		LogIntervalMs:     100,
		DisplayBrightness: 80,
		CAN:               CANBusConfig{PrimaryBaud: 500000, SecondaryBaud: 250000, MultiBus: true},
	})

	assert.Equal(t, []byte{0x00, 0x64}, ep.argsOf(cmdLogInterval))
	assert.Equal(t, []byte{80}, ep.argsOf(cmdBrightness))
	// The last 'C' written configures the secondary bus.
	assert.Equal(t, []byte{1, 0x00, 0x03, 0xD0, 0x90}, ep.argsOf(cmdCANBus))

	st, err := a.Status()
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "1.4.2", st.Firmware)
}

func TestBridgeRelaysRequests(t *testing.T) {
	ep := newEnvPort(bridgeReplies())
	a := connectBridge(t, ep, Arduino, PerformanceConfig{LogIntervalMs: 50})

	resp, err := AsRequester(a).Exchange(context.Background(), obd.Request{Mode: obd.ModeCurrentData, PID: obd.PIDVehicleSpeed})
	require.NoError(t, err)
	assert.Equal(t, obd.Response{Mode: 0x41, PID: 0x0D, Data: []byte{0x3C}}, resp)
	assert.Equal(t, []byte{0x01, 0x0D}, ep.argsOf(cmdRequest))

	require.NoError(t, a.SetProtocol(context.Background(), passthru.ISO15765))
	assert.Equal(t, []byte{byte(passthru.ISO15765)}, ep.argsOf(cmdProtocol))
}

func TestBridgePerformanceData(t *testing.T) {
	replies := bridgeReplies()
	want := []float32{3200, 55, 88, 41.5, 310, 12.5, 11.8, 35, 72, 0.4}
	var data []byte
	for _, f := range want {
		data = binary.BigEndian.AppendUint32(data, math.Float32bits(f))
	}
	replies[cmdPerfData] = data
	ep := newEnvPort(replies)
	a := connectBridge(t, ep, Arduino, PerformanceConfig{LogIntervalMs: 20})
	ctx := context.Background()

	_, err := PerformanceData(ctx, a)
	assert.ErrorIs(t, err, obd.ErrProtocol)

	require.NoError(t, StartPerformanceLogging(ctx, a))
	assert.Equal(t, []byte{1}, ep.argsOf(cmdLogging))

	rec, err := PerformanceData(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 3200.0, rec.RPM)
	assert.InDelta(t, 41.5, rec.MAF, 1e-6)
	assert.InDelta(t, 12.5, rec.Boost, 1e-6)
	assert.InDelta(t, 0.4, rec.GForce, 1e-6)
	assert.False(t, rec.Timestamp.IsZero())

	require.NoError(t, StopPerformanceLogging(ctx, a))
	assert.Equal(t, []byte{0}, ep.argsOf(cmdLogging))
}

func TestBridgeShortPerformanceRecord(t *testing.T) {
	replies := bridgeReplies()
	replies[cmdPerfData] = []byte{0, 0, 0}
	ep := newEnvPort(replies)
	a := connectBridge(t, ep, Arduino, PerformanceConfig{LogIntervalMs: 20})
	require.NoError(t, StartPerformanceLogging(context.Background(), a))
	_, err := PerformanceData(context.Background(), a)
	assert.ErrorIs(t, err, obd.ErrProtocol)
}

func TestBridgeCANBusLimits(t *testing.T) {
	ep := newEnvPort(bridgeReplies())
	a := connectBridge(t, ep, Arduino, PerformanceConfig{LogIntervalMs: 100})
	ctx := context.Background()

	assert.ErrorIs(t, ConfigureCANBus(ctx, a, 1, 250000), obd.ErrConfig)
	assert.ErrorIs(t, ConfigureCANBus(ctx, a, 2, 250000), obd.ErrConfig)
	require.NoError(t, ConfigureCANBus(ctx, a, 0, 1000000))
	assert.Equal(t, []byte{0, 0x00, 0x0F, 0x42, 0x40}, ep.argsOf(cmdCANBus))
}

func TestESP32Power(t *testing.T) {
	ep := newEnvPort(bridgeReplies())
	a := connectBridge(t, ep, ESP32, PerformanceConfig{LogIntervalMs: 100})
	ctx := context.Background()

	v, err := a.Voltage()
	require.NoError(t, err)
	assert.InDelta(t, 12.7, v, 1e-9)

	require.NoError(t, HandleBackgroundMode(ctx, a, true))
	assert.Equal(t, []byte{1}, ep.argsOf(cmdBackground))
	require.NoError(t, HandleBackgroundMode(ctx, a, false))
	assert.Equal(t, []byte{0}, ep.argsOf(cmdBackground))
	assert.NoError(t, OptimizePowerConsumption(ctx, a))
}

func TestBridgeDeviceRejection(t *testing.T) {
	replies := bridgeReplies()
	delete(replies, cmdBrightness)
	ep := newEnvPort(replies)
	a := connectBridge(t, ep, Arduino, PerformanceConfig{LogIntervalMs: 100})

	err := SetDisplayBrightness(context.Background(), a, 10)
	assert.ErrorIs(t, err, obd.ErrProtocol)
	assert.Contains(t, err.Error(), "rejected")
}

func TestBridgeChecksumMismatch(t *testing.T) {
	ep := newEnvPort(bridgeReplies())
	respond := ep.respond
	ep.respond = func(w []byte) []byte {
		out := respond(w)
		out[len(out)-1] ^= 0xFF
		return out
	}
	withPort(t, ep.fakePort)
	cfg, err := NewPerformance(ESP32, Connection{Port: "/dev/ttyUSB1", TimeoutMs: 50}, PerformanceConfig{LogIntervalMs: 100})
	require.NoError(t, err)
	a, err := Builtin().Init(cfg)
	require.NoError(t, err)

	assert.ErrorIs(t, a.Connect(context.Background()), obd.ErrChecksum)
	assert.True(t, ep.isClosed())
}

func TestEnvelopeFraming(t *testing.T) {
	env := wrapEnvelope([]byte{'Q'})
	assert.Equal(t, []byte{0x00, 0x01, 'Q'}, env[:3])
	assert.Len(t, env, 7)

	fp := &fakePort{}
	fp.rx.Write([]byte{0x00, 0x00})
	_, err := readEnvelope(fp, 20*time.Millisecond)
	assert.ErrorIs(t, err, obd.ErrProtocol)

	fp = &fakePort{}
	fp.rx.Write([]byte{0x00, 0x04, 1, 2})
	_, err = readEnvelope(fp, 20*time.Millisecond)
	assert.ErrorIs(t, err, obd.ErrTimeout)
}

package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdbridge/internal/diag"
	"github.com/shaunagostinho/obdbridge/internal/frame"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
	"github.com/shaunagostinho/obdbridge/internal/session"
)

func sessionConfig(cands ...session.Candidate) session.Config {
	cfg := session.DefaultConfig()
	cfg.RetryDelay = 0
	cfg.Timeout = 50 * time.Millisecond
	if len(cands) > 0 {
		cfg.Candidates = cands
	}
	return cfg
}

func connect(t *testing.T, cfg Config, cands ...session.Candidate) (*ECU, *passthru.Device, *session.Session) {
	t.Helper()
	ecu := New(cfg)
	dev := passthru.NewDevice("sim", ecu)
	s := session.New(dev, sessionConfig(cands...))
	require.NoError(t, s.Negotiate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return ecu, dev, s
}

func TestNegotiateFallsBackToISO9141(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Protocols = []passthru.ProtocolID{passthru.ISO9141}
	_, _, s := connect(t, cfg)

	c, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, passthru.ISO9141, c.Protocol)
}

func TestReadDTCsOnEachProtocol(t *testing.T) {
	codes := []uint16{0x0301, 0x0420, 0x0171, 0xC100}
	tests := []session.Candidate{
		{Protocol: passthru.CAN, Baud: 500000},
		{Protocol: passthru.ISO9141, Baud: frame.ISO9141Baud},
		{Protocol: passthru.ISO14230, Baud: frame.KWPBaud},
		{Protocol: passthru.ISO15765, Baud: 500000},
	}
	for _, c := range tests {
		t.Run(c.Protocol.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Protocols = []passthru.ProtocolID{c.Protocol}
			cfg.DTCs = codes
			_, _, s := connect(t, cfg, c)

			entries, err := diag.New(s).ReadDTCs(context.Background())
			require.NoError(t, err)
			require.Len(t, entries, len(codes))
			for i, e := range entries {
				assert.Equal(t, codes[i], e.Raw)
				assert.Equal(t, dtcStatus, e.Status)
			}
			assert.Equal(t, "U0100", entries[3].Code)
		})
	}
}

func TestJ1850LivePID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Protocols = []passthru.ProtocolID{passthru.J1850VPW}
	_, _, s := connect(t, cfg, session.Candidate{Protocol: passthru.J1850VPW, Baud: frame.J1850VPWBaud})

	v, err := diag.New(s).ReadPID(context.Background(), obd.PIDEngineRPM)
	require.NoError(t, err)
	assert.True(t, v.Known)
	assert.GreaterOrEqual(t, v.Value, 800.0)
	assert.LessOrEqual(t, v.Value, 5000.0)
}

func TestFreezeFrameAndClear(t *testing.T) {
	ecu, _, s := connect(t, DefaultConfig())
	svc := diag.New(s)
	ctx := context.Background()

	frames, err := svc.ReadFreezeFrame(ctx, 0)
	require.NoError(t, err)
	require.Len(t, frames, 6)
	for _, ff := range frames {
		assert.Equal(t, uint16(0x0301), ff.DTC)
	}
	assert.Equal(t, obd.PIDEngineRPM, frames[1].PID)
	assert.Greater(t, frames[1].Value, 0.0)

	require.NoError(t, svc.ClearDTCs(ctx))
	assert.Empty(t, ecu.StoredDTCs())

	entries, err := svc.ReadDTCs(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = svc.ReadFreezeFrame(ctx, 0)
	var nrc *frame.NegativeResponseError
	require.ErrorAs(t, err, &nrc)
	assert.Equal(t, nrcOutOfRange, nrc.Code)
}

func TestLiveValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Noise = 0
	_, dev, s := connect(t, cfg)
	svc := diag.New(s)

	v, err := svc.ReadPID(context.Background(), obd.PIDCoolantTemp)
	require.NoError(t, err)
	assert.Equal(t, 85.0, v.Value)

	_, err = svc.ReadPID(context.Background(), 0x5C)
	assert.ErrorIs(t, err, obd.ErrProtocol)

	pids, err := svc.SupportedPIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x05, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10, 0x11, 0x14}, pids)

	volts, err := dev.Voltage()
	require.NoError(t, err)
	assert.InDelta(t, 13.8, volts, 0.001)
}

func TestDroppedWritesFailNegotiation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DropRate = 1
	s := session.New(passthru.NewDevice("sim", New(cfg)), sessionConfig())

	err := s.Negotiate(context.Background())
	assert.ErrorIs(t, err, obd.ErrTimeout)
	assert.Equal(t, session.Error, s.State())
}

func TestSilentOnOtherProtocols(t *testing.T) {
	ecu := New(DefaultConfig())
	dev, err := ecu.Open("sim")
	require.NoError(t, err)
	ch, err := ecu.Connect(dev, passthru.J1850PWM, 0, frame.J1850PWMBaud)
	require.NoError(t, err)

	wire, err := frame.J1850{}.Encode(obd.SupportedPIDs)
	require.NoError(t, err)
	n, err := ecu.WriteMsg(ch, wire, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)

	_, err = ecu.ReadMsg(ch, time.Millisecond)
	assert.ErrorIs(t, err, passthru.StatusTimeout)
	assert.Zero(t, ecu.Requests())
}

func TestIoctlConfig(t *testing.T) {
	ecu := New(DefaultConfig())
	dev, _ := ecu.Open("sim")
	ch, err := ecu.Connect(dev, passthru.CAN, 0, 500000)
	require.NoError(t, err)

	_, err = ecu.Ioctl(ch, passthru.SetConfig, []passthru.ConfigParam{{Parameter: passthru.ParamDataRate, Value: 250000}})
	require.NoError(t, err)
	out, err := ecu.Ioctl(ch, passthru.GetConfig, []passthru.ConfigParam{{Parameter: passthru.ParamDataRate}})
	require.NoError(t, err)
	assert.Equal(t, uint32(250000), out[0].Value)

	_, err = ecu.Ioctl(ch, passthru.IoctlID(99), nil)
	assert.ErrorIs(t, err, passthru.StatusInvalidIoctl)
	_, err = ecu.Ioctl(ch+1, passthru.ReadVBatt, nil)
	assert.ErrorIs(t, err, passthru.StatusInvalidChannelID)
}

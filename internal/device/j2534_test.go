package device

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdbridge/internal/diag"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
	"github.com/shaunagostinho/obdbridge/internal/session"
	"github.com/shaunagostinho/obdbridge/internal/sim"
)

// linkDriver is a simulated vehicle whose writes time out while down is set.
type linkDriver struct {
	*sim.ECU
	down atomic.Bool
}

func (l *linkDriver) WriteMsg(ch passthru.ChannelID, data []byte, timeout time.Duration) (int, error) {
	if l.down.Load() {
		return 0, passthru.StatusTimeout
	}
	return l.ECU.WriteMsg(ch, data, timeout)
}

func TestPassThruNegotiatesConfiguredProtocols(t *testing.T) {
	vcfg := sim.DefaultConfig()
	vcfg.Protocols = []passthru.ProtocolID{passthru.ISO15765}
	vcfg.Noise = 0
	vehicle := sim.New(vcfg)

	a := newPassThruAdapter(J2534)
	a.newDriver = func() (passthru.Driver, error) { return vehicle, nil }
	cfg, err := NewPassThru(J2534, Connection{Port: "vcan0", TimeoutMs: 50}, PassThruConfig{Protocols: []string{"ISO15765"}, Retries: 2})
	require.NoError(t, err)
	require.NoError(t, a.Init(cfg))
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	st, err := a.Status()
	require.NoError(t, err)
	assert.Equal(t, "ISO15765@500000", st.Protocol)

	dtcs, err := diag.New(AsRequester(a)).ReadDTCs(context.Background())
	require.NoError(t, err)
	assert.Len(t, dtcs, 2)
}

func TestPassThruRecoversAfterOutage(t *testing.T) {
	vcfg := sim.DefaultConfig()
	vcfg.Protocols = []passthru.ProtocolID{passthru.ISO15765}
	vcfg.Noise = 0
	link := &linkDriver{ECU: sim.New(vcfg)}

	a := newPassThruAdapter(J2534)
	a.newDriver = func() (passthru.Driver, error) { return link, nil }
	cfg, err := NewPassThru(J2534, Connection{Port: "vcan0", TimeoutMs: 20}, PassThruConfig{Protocols: []string{"ISO15765"}, Retries: 3})
	require.NoError(t, err)
	require.NoError(t, a.Init(cfg))
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	ctx := context.Background()
	link.down.Store(true)
	_, err = a.Exchange(ctx, obd.SupportedPIDs)
	assert.ErrorIs(t, err, obd.ErrTimeout)
	assert.Equal(t, session.Uninitialized, a.sess.State())

	// Renegotiation fails while the link is still down.
	_, err = a.Exchange(ctx, obd.SupportedPIDs)
	assert.ErrorIs(t, err, obd.ErrProtocol)

	link.down.Store(false)
	for i := 0; i < 3; i++ {
		resp, err := a.Exchange(ctx, obd.SupportedPIDs)
		require.NoError(t, err, "exchange %d after link restored", i)
		assert.True(t, resp.Answers(obd.SupportedPIDs))
	}
	assert.Equal(t, session.Active, a.sess.State())

	st, err := a.Status()
	require.NoError(t, err)
	assert.True(t, st.Connected)
}

func TestPassThruNoDriver(t *testing.T) {
	a := newPassThruAdapter(J2534)
	a.newDriver = func() (passthru.Driver, error) { return nil, obd.ErrUnsupported }
	cfg, err := NewPassThru(J2534, Connection{Port: "vcan0"}, PassThruConfig{})
	require.NoError(t, err)
	require.NoError(t, a.Init(cfg))

	assert.ErrorIs(t, a.Connect(context.Background()), obd.ErrUnsupported)
	st, err := a.Status()
	require.NoError(t, err)
	assert.False(t, st.Connected)
}

func TestDefaultBaud(t *testing.T) {
	assert.Equal(t, uint32(41600), defaultBaud(passthru.J1850PWM))
	assert.Equal(t, uint32(10400), defaultBaud(passthru.J1850VPW))
	assert.Equal(t, uint32(10400), defaultBaud(passthru.ISO14230))
	assert.Equal(t, uint32(500000), defaultBaud(passthru.CAN))
}

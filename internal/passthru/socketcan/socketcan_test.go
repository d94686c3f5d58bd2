//go:build linux

package socketcan

import (
	"testing"
	"time"

	"github.com/brutella/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdbridge/internal/frame"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

// loopBus answers every published frame through respond.
type loopBus struct {
	handler   can.Handler
	published []can.Frame
	respond   func(can.Frame) []can.Frame
	closed    bool
}

func (b *loopBus) ConnectAndPublish() error { return nil }
func (b *loopBus) Subscribe(h can.Handler)  { b.handler = h }
func (b *loopBus) Disconnect() error        { b.closed = true; return nil }

func (b *loopBus) Publish(f can.Frame) error {
	b.published = append(b.published, f)
	if b.respond != nil {
		for _, r := range b.respond(f) {
			b.handler.Handle(r)
		}
	}
	return nil
}

func withBus(t *testing.T, b *loopBus) {
	t.Helper()
	prev := openBus
	openBus = func(string) (bus, error) { return b, nil }
	t.Cleanup(func() { openBus = prev })
}

func TestFrameConversion(t *testing.T) {
	f := frame.CANFrame{ID: 0x18DAF110, DLC: 3, Extended: true}
	copy(f.Data[:], []byte{0x02, 0x01, 0x0C})

	b := toBus(f)
	assert.Equal(t, uint32(0x98DAF110), b.ID)
	assert.Equal(t, uint8(3), b.Length)
	assert.Equal(t, f, fromBus(b))

	std := fromBus(can.Frame{ID: 0x7E8, Length: 8})
	assert.False(t, std.Extended)
	assert.Equal(t, uint32(0x7E8), std.ID)
}

func TestRoundTrip(t *testing.T) {
	lb := &loopBus{respond: func(req can.Frame) []can.Frame {
		return []can.Frame{{ID: frame.OBDResponseID, Length: 4, Data: [8]uint8{0x03, 0x41, req.Data[2], 0x5A}}}
	}}
	withBus(t, lb)

	d := New()
	dev, err := d.Open("vcan0")
	require.NoError(t, err)
	ch, err := d.Connect(dev, passthru.ISO15765, 0, 500000)
	require.NoError(t, err)

	req, err := frame.NewISOTP().Encode(obd.Request{Mode: obd.ModeCurrentData, PID: obd.PIDVehicleSpeed})
	require.NoError(t, err)
	_, err = d.WriteMsg(ch, req, time.Second)
	require.NoError(t, err)
	require.Len(t, lb.published, 1)
	assert.Equal(t, frame.OBDFunctionalID, lb.published[0].ID)

	msg, err := d.ReadMsg(ch, time.Second)
	require.NoError(t, err)
	f, err := frame.UnmarshalCANFrame(msg)
	require.NoError(t, err)
	assert.Equal(t, frame.OBDResponseID, f.ID)
	assert.Equal(t, []byte{0x03, 0x41, 0x0D, 0x5A}, f.Payload())

	_, err = d.ReadMsg(ch, time.Millisecond)
	assert.ErrorIs(t, err, passthru.StatusTimeout)

	out, err := d.Ioctl(ch, passthru.GetConfig, []passthru.ConfigParam{{Parameter: passthru.ParamDataRate}})
	require.NoError(t, err)
	assert.Equal(t, uint32(500000), out[0].Value)

	require.NoError(t, d.Close(dev))
	assert.True(t, lb.closed)
}

func TestOnlyISO15765(t *testing.T) {
	withBus(t, &loopBus{})
	d := New()
	dev, err := d.Open("vcan0")
	require.NoError(t, err)

	_, err = d.Connect(dev, passthru.ISO9141, 0, 10400)
	assert.ErrorIs(t, err, passthru.StatusInvalidProtocolID)

	_, err = d.ReadMsg(7, time.Millisecond)
	assert.ErrorIs(t, err, passthru.StatusInvalidChannelID)
}

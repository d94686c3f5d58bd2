package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestSegmentRoundTrip(t *testing.T) {
	for n := 0; n <= MaxPayload; n++ {
		payload := pattern(n)
		frames, err := Segment(0x7E0, payload)
		require.NoError(t, err, "length %d", n)

		var r Reassembler
		for i, f := range frames {
			require.NoError(t, f.Validate())
			done, err := r.Push(f)
			require.NoError(t, err, "length %d frame %d", n, i)
			require.Equal(t, i == len(frames)-1, done, "length %d frame %d", n, i)
		}
		require.Equal(t, payload, r.Payload(), "length %d", n)
	}
}

func TestSegmentRejectsOversize(t *testing.T) {
	frames, err := Segment(0x7E0, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, obd.ErrProtocol)
	assert.Nil(t, frames)
}

func TestSegmentLayout(t *testing.T) {
	frames, err := Segment(0x7E0, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x03, 1, 2, 3}, frames[0].Payload())

	frames, err = Segment(0x7E0, pattern(120))
	require.NoError(t, err)
	// 6 bytes in the first frame, 114 over 17 consecutive frames
	require.Len(t, frames, 18)
	assert.Equal(t, byte(0x10), frames[0].Data[0])
	assert.Equal(t, byte(120), frames[0].Data[1])
	assert.Equal(t, byte(0x21), frames[1].Data[0])
	assert.Equal(t, byte(0x2F), frames[15].Data[0])
	assert.Equal(t, byte(0x20), frames[16].Data[0])
	assert.Equal(t, byte(0x21), frames[17].Data[0])
	assert.Equal(t, uint8(3), frames[17].DLC)

	frames, err = Segment(0x7E0, pattern(MaxPayload))
	require.NoError(t, err)
	assert.Equal(t, byte(0x1F), frames[0].Data[0])
	assert.Equal(t, byte(0xFF), frames[0].Data[1])
}

func TestReassemblerErrors(t *testing.T) {
	frames, err := Segment(0x7E8, pattern(20))
	require.NoError(t, err)

	var r Reassembler
	_, err = r.Push(frames[1])
	assert.ErrorIs(t, err, obd.ErrProtocol)

	_, err = r.Push(frames[0])
	require.NoError(t, err)
	_, err = r.Push(frames[2])
	assert.ErrorIs(t, err, obd.ErrProtocol)

	_, err = r.Push(FlowControl(0x7E0, ContinueToSend, 0, 0))
	assert.ErrorIs(t, err, obd.ErrProtocol)
}

func TestFlowControl(t *testing.T) {
	fc := FlowControl(0x7E0, Wait, 8, 0xF3)
	status, bs, st, err := ParseFlowControl(fc)
	require.NoError(t, err)
	assert.Equal(t, Wait, status)
	assert.Equal(t, byte(8), bs)
	assert.Equal(t, 300*time.Microsecond, st)

	assert.Equal(t, 20*time.Millisecond, DecodeSTmin(20))
	assert.Equal(t, 127*time.Millisecond, DecodeSTmin(0x90))

	_, _, _, err = ParseFlowControl(CANFrame{DLC: 1})
	assert.ErrorIs(t, err, obd.ErrProtocol)
}

func TestISOTPAssembly(t *testing.T) {
	codec := NewISOTP()
	codec.BlockSize = 4

	req, err := codec.Encode(obd.Request{Mode: 0x03})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x07, 0xDF, 0x02, 0x03, 0x00}, req)

	payload := append([]byte{0x43, 0x00}, pattern(40)...)
	frames, err := Segment(OBDResponseID, payload)
	require.NoError(t, err)

	a := codec.NewAssembly()
	other, err := CANFrame{ID: 0x7E9, DLC: 2, Data: [8]byte{0x01, 0x41}}.MarshalBinary()
	require.NoError(t, err)
	done, reply, err := a.Push(other)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, reply)

	var replies int
	for i, f := range frames {
		msg, err := f.MarshalBinary()
		require.NoError(t, err)
		done, reply, err = a.Push(msg)
		require.NoError(t, err)
		if reply != nil {
			replies++
			fc, err := UnmarshalCANFrame(reply)
			require.NoError(t, err)
			assert.Equal(t, OBDFlowControlID, fc.ID)
			assert.True(t, IsFlowControl(fc))
		}
		if i == len(frames)-1 {
			assert.True(t, done)
		}
	}
	// first frame plus one per full block of 4 consecutive frames
	assert.Equal(t, 1+(len(frames)-2)/4, replies)

	resp, err := codec.Decode(a.Payload())
	require.NoError(t, err)
	assert.Equal(t, byte(0x43), resp.Mode)
	assert.Equal(t, pattern(40), resp.Data)
}

package frame

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// ISO-TP protocol control information.
const (
	pciSingle      byte = 0x00
	pciFirst       byte = 0x10
	pciConsecutive byte = 0x20
	pciFlowControl byte = 0x30

	// MaxPayload is the largest payload a 12-bit First Frame length can carry.
	MaxPayload = 4095

	sfMaxData = 7
	ffData    = 6
	cfData    = 7
)

// FlowStatus is the low nibble of a Flow Control frame.
type FlowStatus byte

const (
	ContinueToSend FlowStatus = 0
	Wait           FlowStatus = 1
	Overflow       FlowStatus = 2
)

// Default OBD-II CAN identifiers (11-bit).
const (
	OBDFunctionalID  uint32 = 0x7DF
	OBDResponseID    uint32 = 0x7E8
	OBDFlowControlID uint32 = 0x7E0
)

// Segment splits payload into a Single Frame or a First Frame followed by
// Consecutive Frames. Consecutive frames are produced back to back; the
// caller transmits them without waiting for Flow Control.
func Segment(id uint32, payload []byte) ([]CANFrame, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("frame: ISO-TP payload of %d bytes exceeds %d: %w", len(payload), MaxPayload, obd.ErrProtocol)
	}
	ext := id > maxStdID

	if len(payload) <= sfMaxData {
		f := CANFrame{ID: id, DLC: uint8(len(payload) + 1), Extended: ext}
		f.Data[0] = pciSingle | byte(len(payload))
		copy(f.Data[1:], payload)
		return []CANFrame{f}, nil
	}

	frames := make([]CANFrame, 0, 1+(len(payload)-ffData+cfData-1)/cfData)
	ff := CANFrame{ID: id, DLC: 8, Extended: ext}
	ff.Data[0] = pciFirst | byte(len(payload)>>8)&0x0F
	ff.Data[1] = byte(len(payload))
	copy(ff.Data[2:], payload[:ffData])
	frames = append(frames, ff)

	rest := payload[ffData:]
	seq := byte(1)
	for len(rest) > 0 {
		n := min(cfData, len(rest))
		cf := CANFrame{ID: id, DLC: uint8(n + 1), Extended: ext}
		cf.Data[0] = pciConsecutive | seq
		copy(cf.Data[1:], rest[:n])
		frames = append(frames, cf)
		rest = rest[n:]
		seq = (seq + 1) & 0x0F
	}
	return frames, nil
}

// Reassembler rebuilds one ISO-TP payload from received frames.
type Reassembler struct {
	buf     []byte
	total   int
	nextSeq byte
	active  bool
}

// Push feeds f and reports whether the payload is complete. A sequence
// error discards the partial payload.
func (r *Reassembler) Push(f CANFrame) (bool, error) {
	d := f.Payload()
	if len(d) == 0 {
		return false, fmt.Errorf("frame: ISO-TP: empty CAN frame: %w", obd.ErrProtocol)
	}
	switch d[0] & 0xF0 {
	case pciSingle:
		n := int(d[0] & 0x0F)
		if n > sfMaxData || n > len(d)-1 {
			return false, fmt.Errorf("frame: ISO-TP: single frame length %d with %d bytes: %w", n, len(d)-1, obd.ErrProtocol)
		}
		r.buf = append(r.buf[:0], d[1:1+n]...)
		r.active = false
		return true, nil

	case pciFirst:
		if len(d) < 2 {
			return false, shortFrame("ISO-TP first frame", len(d), 2)
		}
		total := int(d[0]&0x0F)<<8 | int(d[1])
		if total <= sfMaxData {
			return false, fmt.Errorf("frame: ISO-TP: first frame length %d fits a single frame: %w", total, obd.ErrProtocol)
		}
		r.total = total
		r.buf = append(r.buf[:0], d[2:]...)
		r.nextSeq = 1
		r.active = true
		return false, nil

	case pciConsecutive:
		if !r.active {
			return false, fmt.Errorf("frame: ISO-TP: consecutive frame without first frame: %w", obd.ErrProtocol)
		}
		seq := d[0] & 0x0F
		if seq != r.nextSeq {
			want := r.nextSeq
			r.Reset()
			return false, fmt.Errorf("frame: ISO-TP: sequence %d, want %d: %w", seq, want, obd.ErrProtocol)
		}
		r.nextSeq = (r.nextSeq + 1) & 0x0F
		chunk := d[1:]
		if need := r.total - len(r.buf); len(chunk) > need {
			chunk = chunk[:need]
		}
		r.buf = append(r.buf, chunk...)
		if len(r.buf) == r.total {
			r.active = false
			return true, nil
		}
		return false, nil

	case pciFlowControl:
		return false, fmt.Errorf("frame: ISO-TP: unexpected flow control frame: %w", obd.ErrProtocol)

	default:
		return false, fmt.Errorf("frame: ISO-TP: unknown PCI 0x%02X: %w", d[0], obd.ErrProtocol)
	}
}

// Payload returns a copy of the reassembled bytes.
func (r *Reassembler) Payload() []byte {
	return append([]byte{}, r.buf...)
}

func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.total = 0
	r.nextSeq = 0
	r.active = false
}

// FlowControl builds a Flow Control frame.
func FlowControl(id uint32, status FlowStatus, blockSize, stMin byte) CANFrame {
	f := CANFrame{ID: id, DLC: 3, Extended: id > maxStdID}
	f.Data[0] = pciFlowControl | byte(status)&0x0F
	f.Data[1] = blockSize
	f.Data[2] = stMin
	return f
}

// IsFlowControl reports whether f is a Flow Control frame.
func IsFlowControl(f CANFrame) bool {
	return f.DLC > 0 && f.Data[0]&0xF0 == pciFlowControl
}

// ParseFlowControl decodes status, block size and separation time.
func ParseFlowControl(f CANFrame) (FlowStatus, byte, time.Duration, error) {
	if !IsFlowControl(f) || f.DLC < 3 {
		return 0, 0, 0, fmt.Errorf("frame: ISO-TP: not a flow control frame: %w", obd.ErrProtocol)
	}
	return FlowStatus(f.Data[0] & 0x0F), f.Data[1], DecodeSTmin(f.Data[2]), nil
}

// DecodeSTmin converts the separation time byte. Reserved values map to
// the 127 ms maximum.
func DecodeSTmin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}

// ISOTP carries OBD requests over ISO 15765-2. Messages on the wire use the
// pass-through CAN layout (4-byte id + data).
type ISOTP struct {
	TxID          uint32
	RxID          uint32
	FlowControlID uint32
	BlockSize     byte
	STmin         byte
}

// NewISOTP returns a codec for functional OBD-II addressing.
func NewISOTP() ISOTP {
	return ISOTP{
		TxID:          OBDFunctionalID,
		RxID:          OBDResponseID,
		FlowControlID: OBDFlowControlID,
	}
}

func (ISOTP) Name() string { return "ISO-TP" }

func (c ISOTP) Encode(req obd.Request) ([]byte, error) {
	msgs, err := c.Segment([]byte{req.Mode, req.PID})
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// Segment splits payload into pass-through CAN messages.
func (c ISOTP) Segment(payload []byte) ([][]byte, error) {
	frames, err := Segment(c.TxID, payload)
	if err != nil {
		return nil, err
	}
	msgs := make([][]byte, 0, len(frames))
	for _, f := range frames {
		b, err := f.MarshalBinary()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, b)
	}
	return msgs, nil
}

// Decode parses a reassembled payload {mode, pid, data...}.
func (ISOTP) Decode(payload []byte) (obd.Response, error) {
	return parsePayload("ISO-TP", payload)
}

func (c ISOTP) NewAssembly() *Assembly {
	return &Assembly{codec: c}
}

// Assembly reassembles one response from pass-through CAN messages and
// produces the Flow Control replies the sender expects.
type Assembly struct {
	codec   ISOTP
	r       Reassembler
	sinceFC int
}

// Push feeds one received message. reply, when non-nil, must be written
// back before reading the next message. Messages from other ids are
// ignored.
func (a *Assembly) Push(msg []byte) (done bool, reply []byte, err error) {
	f, err := UnmarshalCANFrame(msg)
	if err != nil {
		return false, nil, err
	}
	if a.codec.RxID != 0 && f.ID != a.codec.RxID {
		return false, nil, nil
	}
	done, err = a.r.Push(f)
	if err != nil || done {
		return done, nil, err
	}

	switch f.Data[0] & 0xF0 {
	case pciFirst:
		a.sinceFC = 0
	case pciConsecutive:
		a.sinceFC++
		if a.codec.BlockSize == 0 || a.sinceFC < int(a.codec.BlockSize) {
			return false, nil, nil
		}
		a.sinceFC = 0
	}
	fc := FlowControl(a.codec.FlowControlID, ContinueToSend, a.codec.BlockSize, a.codec.STmin)
	reply, err = fc.MarshalBinary()
	return false, reply, err
}

// Payload returns the reassembled bytes once Push reported done.
func (a *Assembly) Payload() []byte { return a.r.Payload() }

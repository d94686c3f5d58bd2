package frame

import (
	"fmt"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

const (
	J1850Request  byte = 0x6A
	J1850Response byte = 0x6B
	J1850Target   byte = 0x6A
	J1850Source   byte = 0xF1

	J1850MaxLength    = 11
	J1850HeaderLength = 3

	J1850PWMBaud = 41600
	J1850VPWBaud = 10400
)

// J1850 frames {type, target, source} + payload for both PWM and VPW.
type J1850 struct{}

func (J1850) Name() string { return "J1850" }

func (J1850) Encode(req obd.Request) ([]byte, error) {
	return EncodeJ1850([]byte{req.Mode, req.PID})
}

// EncodeJ1850 frames an arbitrary request payload.
func EncodeJ1850(payload []byte) ([]byte, error) {
	if J1850HeaderLength+len(payload) > J1850MaxLength {
		return nil, fmt.Errorf("frame: J1850: payload of %d bytes exceeds %d byte frame: %w",
			len(payload), J1850MaxLength, obd.ErrProtocol)
	}
	b := make([]byte, 0, J1850HeaderLength+len(payload))
	b = append(b, J1850Request, J1850Target, J1850Source)
	return append(b, payload...), nil
}

func (J1850) Decode(wire []byte) (obd.Response, error) {
	if len(wire) < J1850HeaderLength+1 {
		return obd.Response{}, shortFrame("J1850", len(wire), J1850HeaderLength+1)
	}
	if len(wire) > J1850MaxLength {
		return obd.Response{}, fmt.Errorf("frame: J1850: frame of %d bytes exceeds %d: %w", len(wire), J1850MaxLength, obd.ErrProtocol)
	}
	if wire[0] != J1850Response {
		return obd.Response{}, fmt.Errorf("frame: J1850: unexpected frame type 0x%02X: %w", wire[0], obd.ErrProtocol)
	}
	return parsePayload("J1850", wire[J1850HeaderLength:])
}

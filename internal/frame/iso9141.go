package frame

import (
	"fmt"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// ISO9141-2 / KWP-style addressing.
const (
	ISO9141Header byte = 0x68
	ISO9141Target byte = 0x6A
	ISO9141Source byte = 0xF1

	ISO9141Baud = 10400
)

// ISO9141 frames {header, target, source, mode, pid, checksum}.
type ISO9141 struct{}

func (ISO9141) Name() string { return "ISO9141" }

func (ISO9141) Encode(req obd.Request) ([]byte, error) {
	b := []byte{ISO9141Header, ISO9141Target, ISO9141Source, req.Mode, req.PID, 0}
	b[5] = Checksum(b[:5])
	return b, nil
}

// Decode validates the trailing checksum and strips the 3-byte header.
func (ISO9141) Decode(wire []byte) (obd.Response, error) {
	if len(wire) < 6 {
		return obd.Response{}, shortFrame("ISO9141", len(wire), 6)
	}
	n := len(wire) - 1
	if sum := Checksum(wire[:n]); sum != wire[n] {
		return obd.Response{}, fmt.Errorf("frame: ISO9141: got 0x%02X, want 0x%02X: %w", wire[n], sum, obd.ErrChecksum)
	}
	r, err := parsePayload("ISO9141", wire[3:n])
	if err != nil {
		return r, err
	}
	r.Checksum = wire[n]
	return r, nil
}

// Checksum is the sum of b modulo 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

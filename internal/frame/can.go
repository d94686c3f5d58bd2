package frame

import "github.com/shaunagostinho/obdbridge/internal/obd"

// Raw CAN addressing bytes.
const (
	canPriority byte = 0x02
	canTarget   byte = 0x01
	canSource   byte = 0x00
)

const rawCANLength = 5

// RawCAN frames a request as {priority, target, source, mode, pid}.
type RawCAN struct{}

func (RawCAN) Name() string { return "CAN" }

func (RawCAN) Encode(req obd.Request) ([]byte, error) {
	return []byte{canPriority, canTarget, canSource, req.Mode, req.PID}, nil
}

// Decode expects {type, target, source, mode|0x40, pid, data...}.
func (RawCAN) Decode(wire []byte) (obd.Response, error) {
	if len(wire) < rawCANLength {
		return obd.Response{}, shortFrame("CAN", len(wire), rawCANLength)
	}
	return parsePayload("CAN", wire[3:])
}

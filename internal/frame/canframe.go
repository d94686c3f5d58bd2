package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF

	canIDLength = 4
)

// CANFrame is one classic CAN frame. DLC is the number of valid bytes in
// Data.
type CANFrame struct {
	ID       uint32
	DLC      uint8
	Data     [8]byte
	Extended bool
	Remote   bool
}

// NewCANFrame copies data into a frame for id.
func NewCANFrame(id uint32, data []byte) (CANFrame, error) {
	f := CANFrame{ID: id, DLC: uint8(len(data)), Extended: id > maxStdID}
	if len(data) > len(f.Data) {
		return f, fmt.Errorf("frame: CAN data length %d > 8: %w", len(data), obd.ErrProtocol)
	}
	copy(f.Data[:], data)
	return f, f.Validate()
}

// Validate checks id range and DLC.
func (f CANFrame) Validate() error {
	if f.DLC > 8 {
		return fmt.Errorf("frame: CAN dlc %d > 8: %w", f.DLC, obd.ErrProtocol)
	}
	limit := uint32(maxStdID)
	if f.Extended {
		limit = maxExtID
	}
	if f.ID > limit {
		return fmt.Errorf("frame: CAN id 0x%X out of range (extended=%t): %w", f.ID, f.Extended, obd.ErrProtocol)
	}
	return nil
}

// Payload returns the valid data bytes.
func (f CANFrame) Payload() []byte { return f.Data[:f.DLC] }

// MarshalBinary encodes the pass-through CAN message layout: a 4-byte
// big-endian id followed by the data bytes.
func (f CANFrame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, canIDLength+int(f.DLC))
	binary.BigEndian.PutUint32(b, f.ID)
	copy(b[canIDLength:], f.Payload())
	return b, nil
}

// UnmarshalCANFrame is the inverse of MarshalBinary.
func UnmarshalCANFrame(b []byte) (CANFrame, error) {
	if len(b) < canIDLength {
		return CANFrame{}, shortFrame("CAN", len(b), canIDLength)
	}
	return NewCANFrame(binary.BigEndian.Uint32(b), b[canIDLength:])
}

// Package passthru wraps a J2534-style pass-through device API: open the
// device, bind one logical channel to a protocol/flags/baud triple, move raw
// messages with explicit timeouts and issue ioctl control requests.
//
// The vendor library itself is external; it is reached through the Driver
// interface. Device layers the channel invariants and error mapping on top.
package passthru

import "fmt"

// ProtocolID identifies the physical protocol of a channel.
type ProtocolID uint32

const (
	J1850PWM ProtocolID = 1
	J1850VPW ProtocolID = 2
	ISO9141  ProtocolID = 3
	ISO14230 ProtocolID = 4
	CAN      ProtocolID = 5
	ISO15765 ProtocolID = 6
)

func (p ProtocolID) String() string {
	switch p {
	case J1850PWM:
		return "J1850PWM"
	case J1850VPW:
		return "J1850VPW"
	case ISO9141:
		return "ISO9141"
	case ISO14230:
		return "ISO14230"
	case CAN:
		return "CAN"
	case ISO15765:
		return "ISO15765"
	default:
		return fmt.Sprintf("protocol(%d)", uint32(p))
	}
}

// ParseProtocol maps a config name onto a ProtocolID.
func ParseProtocol(name string) (ProtocolID, bool) {
	for _, p := range []ProtocolID{J1850PWM, J1850VPW, ISO9141, ISO14230, CAN, ISO15765} {
		if p.String() == name {
			return p, true
		}
	}
	return 0, false
}

// Flags are connect-time options.
type Flags uint32

const (
	CAN29BitID        Flags = 0x100
	ISO9141NoChecksum Flags = 0x200
	WaitJ1939DTC      Flags = 0x400
)

// IoctlID selects an ioctl operation.
type IoctlID uint32

const (
	GetConfig       IoctlID = 1
	SetConfig       IoctlID = 2
	ReadVBatt       IoctlID = 3
	ReadProgVoltage IoctlID = 4
)

// Config parameter ids for GetConfig/SetConfig.
const (
	ParamDataRate uint32 = 0x01
	ParamLoopback uint32 = 0x03
)

// ConfigParam is one GetConfig/SetConfig entry. For ReadVBatt and
// ReadProgVoltage the driver returns a single entry holding millivolts.
type ConfigParam struct {
	Parameter uint32
	Value     uint32
}

// DeviceID is the handle returned by Open.
type DeviceID uint32

// ChannelID is the handle of one connected channel.
type ChannelID uint32

// Status is a pass-through API return code.
type Status uint32

const (
	StatusNoError           Status = 0x00
	StatusNotSupported      Status = 0x01
	StatusInvalidChannelID  Status = 0x02
	StatusInvalidProtocolID Status = 0x03
	StatusNullParameter     Status = 0x04
	StatusTimeout           Status = 0x05
	StatusInvalidIoctl      Status = 0x06
	StatusBufferEmpty       Status = 0x07
	StatusBufferFull        Status = 0x08
)

var statusText = map[Status]string{
	StatusNoError:           "No error",
	StatusNotSupported:      "Function not supported",
	StatusInvalidChannelID:  "Invalid channel ID",
	StatusInvalidProtocolID: "Invalid protocol ID",
	StatusNullParameter:     "NULL parameter",
	StatusTimeout:           "Timeout",
	StatusInvalidIoctl:      "Invalid IOCTL",
	StatusBufferEmpty:       "Buffer empty",
	StatusBufferFull:        "Buffer full",
}

// ErrorText returns the human-readable text for a status code.
func ErrorText(s Status) string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return "Unknown error"
}

func (s Status) Error() string { return ErrorText(s) }

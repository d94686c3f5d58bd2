// Package frame builds and parses wire frames for each physical protocol
// from and to the protocol-neutral obd.Request/obd.Response pair.
package frame

import (
	"fmt"

	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

// Codec encodes requests and decodes responses for one protocol.
type Codec interface {
	Name() string
	Encode(req obd.Request) ([]byte, error)
	Decode(wire []byte) (obd.Response, error)
}

// Starter is implemented by codecs that open a diagnostic session right
// after the channel is connected.
type Starter interface {
	StartRequest() []byte
	CheckStart(wire []byte) error
}

// Segmented is implemented by codecs whose messages span several
// transport frames. Decode is then applied to the reassembled payload.
type Segmented interface {
	Codec
	Segment(payload []byte) ([][]byte, error)
	NewAssembly() *Assembly
}

// ForProtocol returns the codec for a pass-through protocol id.
func ForProtocol(p passthru.ProtocolID) (Codec, error) {
	switch p {
	case passthru.CAN:
		return RawCAN{}, nil
	case passthru.ISO15765:
		return NewISOTP(), nil
	case passthru.ISO9141:
		return ISO9141{}, nil
	case passthru.ISO14230:
		return KWP2000{}, nil
	case passthru.J1850PWM, passthru.J1850VPW:
		return J1850{}, nil
	default:
		return nil, fmt.Errorf("frame: no codec for %s: %w", p, obd.ErrProtocol)
	}
}

// NegativeResponseError is a 0x7F reply.
type NegativeResponseError struct {
	Service byte
	Code    byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response to service 0x%02X: %s (0x%02X)", e.Service, NRCText(e.Code), e.Code)
}

func (e *NegativeResponseError) Unwrap() error { return obd.ErrProtocol }

var nrcText = map[byte]string{
	0x10: "General reject",
	0x11: "Service not supported",
	0x12: "Sub-function not supported or invalid format",
	0x21: "Busy, repeat request",
	0x22: "Conditions not correct or request sequence error",
	0x23: "Routine not completed or service in progress",
	0x31: "Request out of range",
	0x33: "Security access denied",
	0x35: "Invalid key supplied",
	0x36: "Exceeded number of attempts",
	0x37: "Required time delay not expired",
	0x78: "Response pending",
	0x80: "Service not supported in current diagnostics session",
}

// NRCText returns the text for a negative response code.
func NRCText(code byte) string {
	if t, ok := nrcText[code]; ok {
		return t
	}
	return "Unknown response code"
}

const negativeResponse byte = 0x7F

// parsePayload decodes {mode, pid, data...} once the protocol header has
// been stripped.
func parsePayload(codec string, p []byte) (obd.Response, error) {
	if len(p) == 0 {
		return obd.Response{}, fmt.Errorf("frame: %s: empty payload: %w", codec, obd.ErrProtocol)
	}
	if p[0] == negativeResponse {
		e := &NegativeResponseError{}
		if len(p) > 1 {
			e.Service = p[1]
		}
		if len(p) > 2 {
			e.Code = p[2]
		}
		return obd.Response{}, fmt.Errorf("frame: %s: %w", codec, e)
	}
	if p[0]&obd.PositiveResponse == 0 {
		return obd.Response{}, fmt.Errorf("frame: %s: mode 0x%02X is not a response: %w", codec, p[0], obd.ErrProtocol)
	}
	r := obd.Response{Mode: p[0]}
	if len(p) > 1 {
		r.PID = p[1]
	}
	if len(p) > 2 {
		r.Data = append([]byte(nil), p[2:]...)
	}
	return r, nil
}

func shortFrame(codec string, got, want int) error {
	return fmt.Errorf("frame: %s: short frame (%d bytes, want >= %d): %w", codec, got, want, obd.ErrProtocol)
}

package frame

import (
	"fmt"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// KWP2000 service ids.
const (
	StartDiagnosticSession     byte = 0x10
	ClearDiagnosticInformation byte = 0x14
	ReadDTCByStatus            byte = 0x18
	ReadDataByIdentifier       byte = 0x22
	WriteDataByIdentifier      byte = 0x2E
)

const (
	KWPMaxLength    = 255
	KWPHeaderLength = 4
	KWPBaud         = 10400

	kwpDefaultSession byte = 0x85
)

// KWP2000 frames {service_id} + payload. Requests map mode onto the
// service id and pid onto the first payload byte.
type KWP2000 struct{}

func (KWP2000) Name() string { return "KWP2000" }

func (k KWP2000) Encode(req obd.Request) ([]byte, error) {
	return k.EncodeService(req.Mode, req.PID)
}

// EncodeService frames sid with payload.
func (KWP2000) EncodeService(sid byte, payload ...byte) ([]byte, error) {
	if 1+len(payload) > KWPMaxLength-KWPHeaderLength {
		return nil, fmt.Errorf("frame: KWP2000: service 0x%02X payload of %d bytes too long: %w", sid, len(payload), obd.ErrProtocol)
	}
	return append([]byte{sid}, payload...), nil
}

func (KWP2000) Decode(wire []byte) (obd.Response, error) {
	return parsePayload("KWP2000", wire)
}

// DecodeService checks that wire echoes sid with bit 0x40 set and returns
// the payload after the service byte.
func (KWP2000) DecodeService(sid byte, wire []byte) ([]byte, error) {
	if len(wire) == 0 {
		return nil, shortFrame("KWP2000", 0, 1)
	}
	if wire[0] == negativeResponse {
		e := &NegativeResponseError{Service: sid}
		if len(wire) > 2 {
			e.Code = wire[2]
		}
		return nil, fmt.Errorf("frame: KWP2000: %w", e)
	}
	if wire[0] != sid|obd.PositiveResponse {
		return nil, fmt.Errorf("frame: KWP2000: response 0x%02X does not echo service 0x%02X: %w", wire[0], sid, obd.ErrProtocol)
	}
	return wire[1:], nil
}

// StartRequest opens the default diagnostic session.
func (KWP2000) StartRequest() []byte {
	return []byte{StartDiagnosticSession, kwpDefaultSession}
}

func (k KWP2000) CheckStart(wire []byte) error {
	_, err := k.DecodeService(StartDiagnosticSession, wire)
	return err
}

// Package obd holds the protocol-neutral request/response model, OBD-II
// service modes and the PID conversion table used by every codec and
// adapter.
package obd

import "fmt"

// OBD-II service modes.
const (
	ModeCurrentData    byte = 0x01
	ModeFreezeFrame    byte = 0x02
	ModeStoredDTCs     byte = 0x03
	ModeClearDTCs      byte = 0x04
	ModeO2Monitor      byte = 0x05
	ModeOnboardMonitor byte = 0x06
	ModeDTCStatus      byte = 0x07
	ModeControl        byte = 0x08
	ModeVehicleInfo    byte = 0x09
)

// PositiveResponse is or'ed into the mode byte of every positive reply.
const PositiveResponse byte = 0x40

// ClearAcknowledged is the first data byte of an accepted mode 4 request.
const ClearAcknowledged = ModeClearDTCs | PositiveResponse

// Request is a protocol-neutral command.
type Request struct {
	Mode byte `json:"mode"`
	PID  byte `json:"pid"`
}

func (r Request) String() string {
	return fmt.Sprintf("mode %02X pid %02X", r.Mode, r.PID)
}

// SupportedPIDs is the canonical probe request (mode 1, pid 0).
var SupportedPIDs = Request{Mode: ModeCurrentData, PID: 0x00}

// Response is a decoded reply. Mode carries the response mode as sent by
// the vehicle (request mode | 0x40). Data holds the bytes after the PID;
// single-value replies carry up to 4 bytes, list replies (DTCs, freeze
// frame records) carry more.
type Response struct {
	Mode     byte   `json:"mode"`
	PID      byte   `json:"pid"`
	Data     []byte `json:"data"`
	Checksum byte   `json:"checksum"`
}

// Service returns the request mode this response answers.
func (r Response) Service() byte { return r.Mode &^ PositiveResponse }

// Answers reports whether r is a positive reply to req.
func (r Response) Answers(req Request) bool {
	return r.Mode == req.Mode|PositiveResponse
}

// Byte returns Data[i], or 0 when the reply is shorter.
func (r Response) Byte(i int) byte {
	if i < 0 || i >= len(r.Data) {
		return 0
	}
	return r.Data[i]
}

// IsMonitoring reports whether mode only reads vehicle state.
func IsMonitoring(mode byte) bool {
	switch mode {
	case ModeCurrentData, ModeFreezeFrame, ModeStoredDTCs, ModeO2Monitor,
		ModeOnboardMonitor, ModeDTCStatus, ModeVehicleInfo:
		return true
	}
	return false
}

package diag

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DTCEntry is one stored trouble code.
type DTCEntry struct {
	Code      string    `json:"code"`
	Raw       uint16    `json:"raw"`
	Status    byte      `json:"status"`
	Timestamp time.Time `json:"timestamp"`

	// Filled from the DTC database when one is loaded.
	Description string `json:"description,omitempty"`
	Severity    int    `json:"severity,omitempty"`
	System      string `json:"system,omitempty"`
}

func (d DTCEntry) String() string { return d.Code }

func (d DTCEntry) StatusString() string { return StatusString(d.Status) }

const systemLetters = "PCBU"

// FormatDTC renders a raw code: the two most significant bits select the
// system letter, the remaining 14 bits print as four hex digits.
func FormatDTC(raw uint16) string {
	return fmt.Sprintf("%c%04X", systemLetters[raw>>14], raw&0x3FFF)
}

// ParseDTC is the inverse of FormatDTC.
func ParseDTC(code string) (uint16, error) {
	if len(code) != 5 {
		return 0, fmt.Errorf("diag: DTC %q: want 5 characters", code)
	}
	sys := strings.IndexByte(systemLetters, code[0]&^0x20)
	if sys < 0 {
		return 0, fmt.Errorf("diag: DTC %q: unknown system letter", code)
	}
	v, err := strconv.ParseUint(code[1:], 16, 16)
	if err != nil {
		return 0, fmt.Errorf("diag: DTC %q: %w", code, err)
	}
	if v > 0x3FFF {
		return 0, fmt.Errorf("diag: DTC %q: digits out of range", code)
	}
	return uint16(sys)<<14 | uint16(v), nil
}

/*
DTC status byte
bit  hex   state
0    0x01  testFailed
1    0x02  testFailedThisOperationCycle
2    0x04  pendingDTC
3    0x08  confirmedDTC
4    0x10  testNotCompletedSinceLastClear
5    0x20  testFailedSinceLastClear
6    0x40  testNotCompletedThisOperationCycle
7    0x80  warningIndicatorRequested
*/
func StatusString(status byte) string {
	var s []string
	if status&0x80 != 0 {
		s = append(s, "MIL requested")
	}
	if status&0x40 != 0 {
		s = append(s, "test not completed this operation cycle")
	}
	if status&0x20 != 0 {
		s = append(s, "test failed since last clear")
	}
	if status&0x10 != 0 {
		s = append(s, "test not completed since last clear")
	}
	if status&0x08 != 0 {
		s = append(s, "confirmed")
	}
	if status&0x04 != 0 {
		s = append(s, "pending")
	}
	if status&0x02 != 0 {
		s = append(s, "failed this operation cycle")
	}
	if status&0x01 != 0 {
		s = append(s, "test failed")
	}
	if len(s) == 0 {
		return "no status"
	}
	return strings.Join(s, ", ")
}

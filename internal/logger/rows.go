package logger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// Prefixes of the two CSV families.
const (
	SamplePrefix      = "monitor"
	PerformancePrefix = "performance"
)

// errorCell marks a PID that failed to read in a sample row.
const errorCell = "ERROR"

// SampleHeader is Timestamp followed by one PID_xx column per pid.
func SampleHeader(pids []byte) []string {
	h := make([]string, 0, len(pids)+1)
	h = append(h, "Timestamp")
	for _, p := range pids {
		h = append(h, fmt.Sprintf("PID_%02X", p))
	}
	return h
}

// SampleRow renders one sampling pass: Unix seconds, then each value or
// ERROR where valid[i] is false.
func SampleRow(ts time.Time, values []float64, valid []bool) []string {
	row := make([]string, 0, len(values)+1)
	row = append(row, strconv.FormatInt(ts.Unix(), 10))
	for i, v := range values {
		if i < len(valid) && !valid[i] {
			row = append(row, errorCell)
			continue
		}
		row = append(row, strconv.FormatFloat(v, 'f', 6, 64))
	}
	return row
}

var PerformanceHeader = []string{
	"Timestamp", "RPM", "Speed", "VE", "MAF", "Torque",
	"Boost", "AFR", "IAT", "TPS", "G-Force",
}

// PerformanceRow renders r with a Unix millisecond timestamp and two
// decimals per field.
func PerformanceRow(r obd.PerformanceRecord) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	return []string{
		strconv.FormatInt(r.Timestamp.UnixMilli(), 10),
		f(r.RPM), f(r.Speed), f(r.VE), f(r.MAF), f(r.Torque),
		f(r.Boost), f(r.AFR), f(r.IAT), f(r.TPS), f(r.GForce),
	}
}

// NewPerformance returns a Logger for performance records.
func NewPerformance(cfg Config) *Logger {
	return New(cfg, PerformancePrefix, PerformanceHeader)
}

// RecordPerformance writes one performance record.
func (l *Logger) RecordPerformance(r obd.PerformanceRecord) {
	l.Record(r.Timestamp, PerformanceRow(r))
}

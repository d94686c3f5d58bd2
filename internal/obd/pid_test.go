package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversionFunctions(t *testing.T) {
	assert.Equal(t, 2048.0, CalculateRPM(0x20, 0x00))
	assert.Equal(t, 40.0, CalculateCoolantTemp(80))
	assert.Equal(t, 100.0, CalculateEngineLoad(255))
	assert.Equal(t, 0.0, CalculateTimingAdvance(128))
	assert.InDelta(t, 0.45, CalculateO2Voltage(90), 1e-9)
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		pid  byte
		data []byte
		want float64
		ok   bool
	}{
		{"rpm", PIDEngineRPM, []byte{0x1A, 0xF8}, 1726, true},
		{"coolant", PIDCoolantTemp, []byte{0x7B}, 83, true},
		{"maf", PIDMAFRate, []byte{0x01, 0xF4}, 5, true},
		{"short rpm", PIDEngineRPM, []byte{0x1A}, 0, false},
		{"unknown", 0x99, []byte{0x10}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Convert(tt.pid, tt.data)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestResponseHelpers(t *testing.T) {
	r := Response{Mode: 0x41, PID: 0x0C, Data: []byte{0x1A}}
	assert.Equal(t, ModeCurrentData, r.Service())
	assert.True(t, r.Answers(Request{Mode: 0x01, PID: 0x0C}))
	assert.False(t, r.Answers(Request{Mode: 0x02}))
	assert.Equal(t, byte(0x1A), r.Byte(0))
	assert.Equal(t, byte(0), r.Byte(3))
	assert.True(t, IsMonitoring(ModeDTCStatus))
	assert.False(t, IsMonitoring(ModeClearDTCs))
	assert.Equal(t, byte(0x44), ClearAcknowledged)
}

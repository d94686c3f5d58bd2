package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

func safeReading() Reading {
	return Reading{EngineRPM: 3000, BoostPSI: 12, EGT: 1200, CoolantTemp: 195, OilPressure: 45}
}

func TestRPMOverLimit(t *testing.T) {
	m := New(DefaultConfig())
	r := safeReading()
	r.EngineRPM = 8500

	st := m.Check(r)
	assert.False(t, st.InSafeRange)
	assert.True(t, st.WarningFlags.Has(WarnRPM))
	assert.Equal(t, WarnRPM, st.WarningFlags)
	assert.Contains(t, st.Message, "RPM")
	assert.ErrorIs(t, st.Err(), obd.ErrSafetyLimit)
}

func TestAllSafe(t *testing.T) {
	st := New(DefaultConfig()).Check(safeReading())
	assert.True(t, st.InSafeRange)
	assert.Zero(t, st.WarningFlags)
	assert.NoError(t, st.Err())
	assert.Greater(t, st.SafetyMargin, 0.0)
}

func TestWorstViolationReported(t *testing.T) {
	r := safeReading()
	r.EngineRPM = 8100  // ~1% over
	r.CoolantTemp = 280 // ~22% over
	st := New(DefaultConfig()).Check(r)

	assert.Equal(t, WarnRPM|WarnCoolant, st.WarningFlags)
	assert.Contains(t, st.Message, "coolant temperature")
	assert.Contains(t, st.Message, "+1 more")
}

func TestOilPressure(t *testing.T) {
	m := New(DefaultConfig())

	r := safeReading()
	r.OilPressure = 4
	st := m.Check(r)
	assert.Equal(t, WarnOilPressure, st.WarningFlags)
	assert.Contains(t, st.Message, "below minimum")

	r.EngineRPM = 0
	assert.True(t, m.Check(r).InSafeRange)
}

func TestUnknownChannelsSkipped(t *testing.T) {
	m := New(DefaultConfig())
	st := m.Check(Reading{EngineRPM: 2500, Known: WarnRPM})
	assert.True(t, st.InSafeRange)
}

func TestDisabledLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RPMLimit = 0
	r := safeReading()
	r.EngineRPM = 12000
	assert.True(t, New(cfg).Check(r).InSafeRange)
}

func TestValidateCommand(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg)
	assert.NoError(t, m.ValidateCommand(obd.Request{Mode: obd.ModeClearDTCs}))
	assert.False(t, m.AllowsCorrectiveAction())

	cfg.BlockActiveCommands = true
	cfg.LogAllCommands = true
	m = New(cfg)
	assert.NoError(t, m.ValidateCommand(obd.Request{Mode: obd.ModeCurrentData, PID: 0x0C}))
	assert.ErrorIs(t, m.ValidateCommand(obd.Request{Mode: obd.ModeClearDTCs}), obd.ErrSafetyLimit)
	assert.ErrorIs(t, m.ValidateCommand(obd.Request{Mode: obd.ModeControl}), obd.ErrSafetyLimit)
}

// Package safety evaluates live readings against configured thresholds.
// It reports; it never issues corrective commands.
package safety

import (
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// Flags is a bitset with one bit per exceeded threshold. The same bits
// mark which fields of a Reading carry a measurement.
type Flags uint8

const (
	WarnRPM Flags = 1 << iota
	WarnBoost
	WarnEGT
	WarnCoolant
	WarnOilPressure

	AllChannels = WarnRPM | WarnBoost | WarnEGT | WarnCoolant | WarnOilPressure
)

func (f Flags) Has(x Flags) bool { return f&x != 0 }

// Config holds thresholds and behavior switches. A zero limit disables
// that check.
type Config struct {
	RPMLimit         float64 `yaml:"rpm_limit" json:"rpmLimit"`
	BoostLimit       float64 `yaml:"boost_limit" json:"boostLimit"`              // psi
	EGTLimit         float64 `yaml:"egt_limit" json:"egtLimit"`                  // °F
	CoolantTempLimit float64 `yaml:"coolant_temp_limit" json:"coolantTempLimit"` // °F
	MinOilPressure   float64 `yaml:"min_oil_pressure" json:"minOilPressure"`     // psi

	PassiveMode         bool `yaml:"passive_mode" json:"passiveMode"`
	BlockActiveCommands bool `yaml:"block_active_commands" json:"blockActiveCommands"`
	LogAllCommands      bool `yaml:"log_all_commands" json:"logAllCommands"`
}

// DefaultConfig returns the stock limits in passive mode.
func DefaultConfig() Config {
	return Config{
		RPMLimit:         8000,
		BoostLimit:       30,
		EGTLimit:         1600,
		CoolantTempLimit: 230,
		MinOilPressure:   10,
		PassiveMode:      true,
	}
}

// Reading is one set of live values. Known marks the populated fields;
// zero means all of them.
type Reading struct {
	EngineRPM   float64 `json:"engineRpm"`
	BoostPSI    float64 `json:"boostPsi"`
	EGT         float64 `json:"egt"`
	CoolantTemp float64 `json:"coolantTemp"`
	OilPressure float64 `json:"oilPressure"`
	Known       Flags   `json:"-"`
}

func (r Reading) known(f Flags) bool {
	return r.Known == 0 || r.Known.Has(f)
}

// Status is the result of a check.
type Status struct {
	InSafeRange  bool    `json:"inSafeRange"`
	WarningFlags Flags   `json:"warningFlags"`
	Message      string  `json:"message"`
	SafetyMargin float64 `json:"safetyMargin"` // smallest remaining margin, percent of limit
}

// Err returns nil for a safe status, otherwise the message wrapped in
// obd.ErrSafetyLimit.
func (s Status) Err() error {
	if s.InSafeRange {
		return nil
	}
	return fmt.Errorf("safety: %s: %w", s.Message, obd.ErrSafetyLimit)
}

// Monitor checks readings and guards commands.
type Monitor struct {
	cfg Config
}

// New copies cfg into a Monitor.
func New(cfg Config) *Monitor {
	return &Monitor{cfg: cfg}
}

func (m *Monitor) Config() Config { return m.cfg }

// AllowsCorrectiveAction reports whether callers may react to warnings
// with commands of their own.
func (m *Monitor) AllowsCorrectiveAction() bool { return !m.cfg.PassiveMode }

type violation struct {
	flag     Flags
	name     string
	value    float64
	limit    float64
	severity float64 // relative excess
}

// Check compares r against every configured limit. The message names the
// worst violation and counts the rest.
func (m *Monitor) Check(r Reading) Status {
	var (
		vs     []violation
		margin = math.Inf(1)
	)
	over := func(f Flags, name string, v, limit float64) {
		if limit <= 0 || !r.known(f) {
			return
		}
		margin = math.Min(margin, (limit-v)/limit*100)
		if v > limit {
			vs = append(vs, violation{f, name, v, limit, (v - limit) / limit})
		}
	}
	over(WarnRPM, "RPM", r.EngineRPM, m.cfg.RPMLimit)
	over(WarnBoost, "boost", r.BoostPSI, m.cfg.BoostLimit)
	over(WarnEGT, "EGT", r.EGT, m.cfg.EGTLimit)
	over(WarnCoolant, "coolant temperature", r.CoolantTemp, m.cfg.CoolantTempLimit)

	// Oil pressure is only meaningful with the engine turning.
	if lim := m.cfg.MinOilPressure; lim > 0 && r.known(WarnOilPressure) && r.EngineRPM > 0 {
		margin = math.Min(margin, (r.OilPressure-lim)/lim*100)
		if r.OilPressure < lim {
			vs = append(vs, violation{WarnOilPressure, "oil pressure", r.OilPressure, lim, (lim - r.OilPressure) / lim})
		}
	}

	st := Status{InSafeRange: len(vs) == 0}
	if !math.IsInf(margin, 1) {
		st.SafetyMargin = margin
	}
	if st.InSafeRange {
		st.Message = "all readings within limits"
		return st
	}

	worst := vs[0]
	for _, v := range vs {
		st.WarningFlags |= v.flag
		if v.severity > worst.severity {
			worst = v
		}
	}
	var sb strings.Builder
	if worst.flag == WarnOilPressure {
		fmt.Fprintf(&sb, "%s %.1f below minimum %.1f", worst.name, worst.value, worst.limit)
	} else {
		fmt.Fprintf(&sb, "%s %.1f exceeds limit %.1f", worst.name, worst.value, worst.limit)
	}
	if len(vs) > 1 {
		fmt.Fprintf(&sb, " (+%d more)", len(vs)-1)
	}
	st.Message = sb.String()
	return st
}

// ValidateCommand rejects non-monitoring requests when active commands
// are blocked.
func (m *Monitor) ValidateCommand(req obd.Request) error {
	if m.cfg.LogAllCommands {
		log.Printf("[safety] command %s", req)
	}
	if m.cfg.BlockActiveCommands && !obd.IsMonitoring(req.Mode) {
		log.Printf("[safety] blocked active command %s", req)
		return fmt.Errorf("safety: active command %s blocked: %w", req, obd.ErrSafetyLimit)
	}
	return nil
}

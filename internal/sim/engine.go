package sim

import (
	"math"
	"math/rand"
)

// Engine is one snapshot of the simulated powertrain.
type Engine struct {
	RPM         float64 `json:"rpm"`
	Speed       float64 `json:"speed"`       // km/h
	Coolant     float64 `json:"coolant"`     // °C
	IAT         float64 `json:"iat"`         // °C
	MAP         float64 `json:"map"`         // kPa
	Load        float64 `json:"load"`        // %
	Throttle    float64 `json:"throttle"`    // %
	Timing      float64 `json:"timing"`      // deg BTDC
	MAF         float64 `json:"maf"`         // g/s
	FuelLevel   float64 `json:"fuelLevel"`   // %
	O2          float64 `json:"o2"`          // V
	AFR         float64 `json:"afr"`         //
	OilPressure float64 `json:"oilPressure"` // psi
	EGT         float64 `json:"egt"`         // °F
	Battery     float64 `json:"battery"`     // V
}

// BoostPSI is manifold pressure above one atmosphere.
func (e Engine) BoostPSI() float64 {
	b := (e.MAP - 101.3) * 0.145
	if b < 0 {
		return 0
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// model advances a free-running engine: RPM sweeps between idle and a
// 4850 rpm peak, everything else follows throttle.
type model struct {
	rng   *rand.Rand
	noise float64
	t     float64
	fuel  float64
}

func newModel(seed int64, noise float64) *model {
	return &model{rng: rand.New(rand.NewSource(seed)), noise: noise, fuel: 72}
}

func (m *model) jitter(scale float64) float64 {
	return m.rng.Float64() * scale * m.noise
}

func (m *model) step(dt float64) Engine {
	m.t += dt

	rpmBase := 850.0 + 4000.0*math.Sin(m.t*0.3)*math.Sin(m.t*0.3)
	rpm := rpmBase + m.jitter(50)
	tps := clamp((rpm-850)/(8000-850)*100, 0, 100)

	e := Engine{
		RPM:      rpm,
		Throttle: tps,
		MAP:      30 + (rpm-850)/(8000-850)*170,
		Load:     clamp(20+tps*0.8, 0, 100),
		Timing:   10 + (tps/100)*28,
		Coolant:  85 + m.jitter(5),
		IAT:      30 + m.jitter(8),
		Speed:    math.Round(tps / 100 * 220),
		AFR:      clamp(14.7-(tps/100)*1.5+m.jitter(0.4), 10, 18),
		Battery:  13.8 + m.jitter(0.4),
		EGT:      900 + tps*6,
	}
	e.MAF = e.RPM * e.MAP / 3000
	e.O2 = clamp(0.45+(14.7-e.AFR)*0.3, 0, 1.275)

	e.OilPressure = 15 + tps/100*45
	if rpm < 500 {
		e.OilPressure = rpm / 500 * 15
	}
	if e.MAP > 150 {
		e.IAT = 55 + m.jitter(15)
	}

	m.fuel = clamp(m.fuel-dt*0.002, 0, 100)
	e.FuelLevel = m.fuel
	return e
}

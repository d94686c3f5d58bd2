package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaunagostinho/obdbridge/internal/diag"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
	"github.com/shaunagostinho/obdbridge/internal/sim"
)

const (
	simDropRate   = 0.05
	kphToMph      = 0.621371
	gravity       = 9.81
	nominalTorque = 400.0 // Nm at full load
)

// SimAdapter is a pass-through adapter wired to a simulated vehicle. It
// also reports performance records from the engine model.
type SimAdapter struct {
	*PassThru

	lag time.Duration

	smu       sync.Mutex
	scfg      sim.Config
	ecu       *sim.ECU
	logging   bool
	lastSpeed float64
	lastAt    time.Time
}

func newSimAdapter() *SimAdapter {
	s := &SimAdapter{PassThru: newPassThruAdapter(Simulator)}
	s.newDriver = s.driver
	return s
}

func (s *SimAdapter) Init(cfg Config) error {
	sc, err := cfg.Simulator()
	if err != nil {
		return err
	}
	scfg := sim.DefaultConfig()
	if ps := parseProtocols(sc.Protocols); len(ps) > 0 {
		scfg.Protocols = ps
	}
	if sc.DTCs != nil {
		scfg.DTCs = nil
		for _, code := range sc.DTCs {
			raw, err := diag.ParseDTC(code)
			if err != nil {
				return fmt.Errorf("device: simulator: %w: %w", obd.ErrConfig, err)
			}
			scfg.DTCs = append(scfg.DTCs, raw)
		}
	}
	if !sc.RealisticNoise {
		scfg.Noise = 0
	}
	if sc.UpdateRateHz > 0 {
		scfg.Tick = 1 / float64(sc.UpdateRateHz)
	}
	if sc.SimulateConnectionIssues {
		scfg.DropRate = simDropRate
	}
	s.lag = time.Duration(sc.SensorLagMs) * time.Millisecond

	s.smu.Lock()
	s.scfg = scfg
	s.ecu = sim.New(scfg)
	s.smu.Unlock()

	// Negotiation walks the default order; the vehicle answers on its own
	// subset.
	s.configure(cfg.Connection, nil, 0)
	if s.port == "" {
		s.port = "simulator"
	}
	return nil
}

func (s *SimAdapter) driver() (passthru.Driver, error) {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.ecu == nil {
		return nil, fmt.Errorf("simulator not initialized: %w", obd.ErrConfig)
	}
	return s.ecu, nil
}

// ECU exposes the simulated vehicle.
func (s *SimAdapter) ECU() *sim.ECU {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.ecu
}

func (s *SimAdapter) sleepLag(ctx context.Context) error {
	if s.lag <= 0 {
		return nil
	}
	select {
	case <-time.After(s.lag):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SimAdapter) ReceiveResponse(ctx context.Context) (obd.Response, error) {
	if err := s.sleepLag(ctx); err != nil {
		return obd.Response{}, err
	}
	return s.PassThru.ReceiveResponse(ctx)
}

func (s *SimAdapter) Exchange(ctx context.Context, req obd.Request) (obd.Response, error) {
	if err := s.sleepLag(ctx); err != nil {
		return obd.Response{}, err
	}
	return s.PassThru.Exchange(ctx, req)
}

func (s *SimAdapter) Status() (Status, error) {
	st, err := s.PassThru.Status()
	st.Firmware = "sim"
	return st, err
}

func (s *SimAdapter) StartPerformanceLogging(context.Context) error {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.ecu == nil {
		return fmt.Errorf("device: simulator not initialized: %w", obd.ErrConfig)
	}
	s.logging = true
	s.lastAt = time.Time{}
	return nil
}

func (s *SimAdapter) StopPerformanceLogging(context.Context) error {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.logging = false
	return nil
}

// PerformanceData advances the engine model one tick and derives a
// record from it.
func (s *SimAdapter) PerformanceData(context.Context) (obd.PerformanceRecord, error) {
	s.smu.Lock()
	defer s.smu.Unlock()
	if !s.logging {
		return obd.PerformanceRecord{}, fmt.Errorf("device: simulator: performance logging not started: %w", obd.ErrProtocol)
	}
	e := s.ecu.Step()
	now := time.Now()

	var g float64
	if !s.lastAt.IsZero() && s.scfg.Tick > 0 {
		dv := (e.Speed - s.lastSpeed) / 3.6
		g = dv / s.scfg.Tick / gravity
	}
	s.lastSpeed, s.lastAt = e.Speed, now

	return obd.PerformanceRecord{
		Timestamp: now,
		RPM:       e.RPM,
		Speed:     e.Speed * kphToMph,
		VE:        e.Load,
		MAF:       e.MAF,
		Torque:    e.Load / 100 * nominalTorque,
		Boost:     e.BoostPSI(),
		AFR:       e.AFR,
		IAT:       e.IAT,
		TPS:       e.Throttle,
		GForce:    g,
	}, nil
}

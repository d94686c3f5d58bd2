// Package monitor runs the periodic PID sampling loop. Every pass lands in
// two rings (per-PID log entries and whole-pass samples), the latest value
// cache, the optional CSV file and any live subscribers.
package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/shaunagostinho/obdbridge/internal/diag"
	"github.com/shaunagostinho/obdbridge/internal/logger"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/ringbuf"
	"github.com/shaunagostinho/obdbridge/internal/safety"
)

// MaxPIDs bounds the pid list of one sampling pass.
const MaxPIDs = 32

// Priority ranks log entries; lower is more urgent.
type Priority uint8

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityLogging
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityLogging:
		return "logging"
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// LogEntry is one PID observation.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	PID       byte      `json:"pid"`
	Data      []byte    `json:"data"` // at most 8 bytes
	Value     float64   `json:"value"`
	Priority  Priority  `json:"priority"`
}

const maxEntryData = 8

// Sample is one sampling pass over the configured pids. Valid[i] is false
// when PIDs[i] could not be read.
type Sample struct {
	Timestamp time.Time      `json:"timestamp"`
	PIDs      []int          `json:"pids"`
	Values    []float64      `json:"values"`
	Valid     []bool         `json:"valid"`
	Safety    *safety.Status `json:"safety,omitempty"`
}

// Config is the sampling configuration.
type Config struct {
	SampleRateMs int    `yaml:"sample_rate_ms" json:"sampleRateMs"`
	BufferSize   int    `yaml:"buffer_size" json:"bufferSize"`
	PIDs         []int  `yaml:"pids" json:"pids"`
	LogToFile    bool   `yaml:"log_to_file" json:"logToFile"`
	LogPath      string `yaml:"log_path" json:"logPath"`
}

// DefaultConfig samples RPM, speed, coolant, MAP, throttle and load at 10 Hz.
func DefaultConfig() Config {
	return Config{
		SampleRateMs: 100,
		BufferSize:   1000,
		PIDs: []int{
			int(obd.PIDEngineRPM), int(obd.PIDVehicleSpeed), int(obd.PIDCoolantTemp),
			int(obd.PIDIntakeMAP), int(obd.PIDThrottle), int(obd.PIDEngineLoad),
		},
	}
}

func (c Config) Validate() error {
	if c.SampleRateMs <= 0 {
		return fmt.Errorf("monitor: sample rate %d ms: %w", c.SampleRateMs, obd.ErrConfig)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("monitor: buffer size %d: %w", c.BufferSize, obd.ErrConfig)
	}
	if len(c.PIDs) == 0 || len(c.PIDs) > MaxPIDs {
		return fmt.Errorf("monitor: %d pids, want 1..%d: %w", len(c.PIDs), MaxPIDs, obd.ErrConfig)
	}
	for _, p := range c.PIDs {
		if p < 0 || p > 0xFF {
			return fmt.Errorf("monitor: pid %d out of range: %w", p, obd.ErrConfig)
		}
	}
	return nil
}

// Period is the configured sample interval.
func (c Config) Period() time.Duration {
	return time.Duration(c.SampleRateMs) * time.Millisecond
}

// Reader reads one mode 1 PID. *diag.Service satisfies it.
type Reader interface {
	ReadPID(ctx context.Context, pid byte) (diag.PIDValue, error)
}

type Option func(*Monitor)

// WithSafety checks every sample against s.
func WithSafety(s *safety.Monitor) Option { return func(m *Monitor) { m.safety = s } }

// Monitor samples a Reader. Run is the only writer of its rings.
type Monitor struct {
	cfg     Config
	pids    []byte
	r       Reader
	safety  *safety.Monitor
	csv     *logger.Logger
	entries *ringbuf.Buffer[LogEntry]
	history *ringbuf.Buffer[Sample]
	cache   *ttlcache.Cache[byte, diag.PIDValue]
	now     func() time.Time

	mu   sync.Mutex
	subs map[chan Sample]struct{}
}

// New validates and copies cfg. Both rings hold cfg.BufferSize items.
func New(r Reader, cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.PIDs = append([]int(nil), cfg.PIDs...)
	pids := make([]byte, len(cfg.PIDs))
	for i, p := range cfg.PIDs {
		pids[i] = byte(p)
	}

	entries, err := ringbuf.New[LogEntry](cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	history, err := ringbuf.New[Sample](cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:     cfg,
		pids:    pids,
		r:       r,
		entries: entries,
		history: history,
		cache: ttlcache.New[byte, diag.PIDValue](
			ttlcache.WithTTL[byte, diag.PIDValue](5 * cfg.Period()),
		),
		now:  time.Now,
		subs: make(map[chan Sample]struct{}),
	}
	if cfg.LogToFile {
		m.csv = logger.New(logger.Config{Enabled: true, Path: cfg.LogPath}, logger.SamplePrefix, logger.SampleHeader(pids))
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Monitor) Config() Config { return m.cfg }

// Run samples every period until ctx is done. Failed passes are logged and
// sampling continues.
func (m *Monitor) Run(ctx context.Context) error {
	go m.cache.Start()
	defer m.cache.Stop()
	if m.csv != nil {
		defer m.csv.Close()
	}

	log.Printf("[monitor] sampling %d pids every %v", len(m.pids), m.cfg.Period())
	t := time.NewTicker(m.cfg.Period())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[monitor] stopped")
			return nil
		case <-t.C:
			if _, err := m.SampleOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[monitor] %v", err)
			}
		}
	}
}

// SampleOnce reads every configured pid once and publishes the result. It
// fails when ctx ends mid-pass or when no pid could be read.
func (m *Monitor) SampleOnce(ctx context.Context) (Sample, error) {
	s := Sample{
		Timestamp: m.now(),
		PIDs:      m.cfg.PIDs,
		Values:    make([]float64, len(m.pids)),
		Valid:     make([]bool, len(m.pids)),
	}

	var (
		read    int
		lastErr error
		values  = make(map[byte]float64, len(m.pids))
	)
	for i, pid := range m.pids {
		v, err := m.r.ReadPID(ctx, pid)
		if err != nil {
			if ctx.Err() != nil {
				return Sample{}, fmt.Errorf("monitor: %w", ctx.Err())
			}
			lastErr = err
			m.entries.Write(LogEntry{Timestamp: s.Timestamp, PID: pid, Priority: PriorityHigh})
			continue
		}
		read++
		s.Values[i], s.Valid[i] = v.Value, true
		values[pid] = v.Value
		m.cache.Set(pid, v, ttlcache.DefaultTTL)

		data := v.Raw
		if len(data) > maxEntryData {
			data = data[:maxEntryData]
		}
		m.entries.Write(LogEntry{
			Timestamp: s.Timestamp,
			PID:       pid,
			Data:      append([]byte(nil), data...),
			Value:     v.Value,
			Priority:  PriorityLogging,
		})
	}
	if read == 0 {
		return s, fmt.Errorf("monitor: no pid of %d read: %w", len(m.pids), lastErr)
	}

	if m.safety != nil {
		if r, ok := SafetyReading(values); ok {
			st := m.safety.Check(r)
			s.Safety = &st
			if !st.InSafeRange {
				log.Printf("[monitor] safety warning: %s", st.Message)
				for flag, pid := range flagPIDs {
					if st.WarningFlags.Has(flag) {
						m.entries.Write(LogEntry{Timestamp: s.Timestamp, PID: pid, Value: values[pid], Priority: PriorityCritical})
					}
				}
			}
		}
	}

	m.history.Write(s)
	if m.csv != nil {
		m.csv.Record(s.Timestamp, logger.SampleRow(s.Timestamp, s.Values, s.Valid))
	}
	m.publish(s)
	return s, nil
}

var flagPIDs = map[safety.Flags]byte{
	safety.WarnRPM:     obd.PIDEngineRPM,
	safety.WarnBoost:   obd.PIDIntakeMAP,
	safety.WarnCoolant: obd.PIDCoolantTemp,
}

const (
	atmosphereKPa = 101.3
	psiPerKPa     = 0.145038
)

// SafetyReading derives a safety.Reading from converted pid values: RPM,
// coolant in °F and boost in psi from manifold pressure. It reports false
// when none of them was sampled.
func SafetyReading(values map[byte]float64) (safety.Reading, bool) {
	var r safety.Reading
	if v, ok := values[obd.PIDEngineRPM]; ok {
		r.EngineRPM = v
		r.Known |= safety.WarnRPM
	}
	if v, ok := values[obd.PIDCoolantTemp]; ok {
		r.CoolantTemp = v*9/5 + 32
		r.Known |= safety.WarnCoolant
	}
	if v, ok := values[obd.PIDIntakeMAP]; ok {
		r.BoostPSI = math.Max(0, (v-atmosphereKPa)*psiPerKPa)
		r.Known |= safety.WarnBoost
	}
	return r, r.Known != 0
}

// Entries returns a copy of the log entry ring, oldest first.
func (m *Monitor) Entries() []LogEntry { return m.entries.Snapshot() }

// NextEntry dequeues the oldest log entry.
func (m *Monitor) NextEntry() (LogEntry, error) { return m.entries.Read() }

// History returns a copy of the sample ring, oldest first.
func (m *Monitor) History() []Sample { return m.history.Snapshot() }

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) { return m.history.Latest() }

// Value returns the last reading of pid unless it has gone stale.
func (m *Monitor) Value(pid byte) (diag.PIDValue, bool) {
	item := m.cache.Get(pid, ttlcache.WithDisableTouchOnHit[byte, diag.PIDValue]())
	if item == nil {
		return diag.PIDValue{}, false
	}
	return item.Value(), true
}

// Clear empties both rings.
func (m *Monitor) Clear() {
	m.entries.Clear()
	m.history.Clear()
}

// Subscribe returns a channel receiving every new sample. Slow subscribers
// miss samples. Call cancel to unsubscribe.
func (m *Monitor) Subscribe(buffer int) (samples <-chan Sample, cancel func()) {
	ch := make(chan Sample, buffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}
}

func (m *Monitor) publish(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

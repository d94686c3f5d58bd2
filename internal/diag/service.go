// Package diag reads and clears trouble codes, freeze frames and live PIDs
// through whatever request path the caller provides (normally a
// session.Session).
package diag

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// MaxDTCs caps the codes taken from one mode 3 reply.
const MaxDTCs = 20

// Requester sends one request and returns its validated response.
type Requester interface {
	Exchange(ctx context.Context, req obd.Request) (obd.Response, error)
}

// Guard vets a request before it reaches the vehicle.
type Guard interface {
	ValidateCommand(req obd.Request) error
}

// FreezeFrame is one record of a mode 2 reply.
type FreezeFrame struct {
	DTC   uint16  `json:"dtc"`
	PID   byte    `json:"pid"`
	Data  [3]byte `json:"data"`
	Value float64 `json:"value"`
}

// PIDValue is one mode 1 reading. Known is false when no conversion is
// registered; Value then holds the first raw byte.
type PIDValue struct {
	PID   byte    `json:"pid"`
	Raw   []byte  `json:"raw"`
	Value float64 `json:"value"`
	Known bool    `json:"known"`
}

type Service struct {
	r     Requester
	guard Guard
	db    *Database
	now   func() time.Time
}

type Option func(*Service)

// WithGuard routes every request through g first.
func WithGuard(g Guard) Option { return func(s *Service) { s.guard = g } }

// WithDatabase attaches descriptions to read DTCs.
func WithDatabase(db *Database) Option { return func(s *Service) { s.db = db } }

func New(r Requester, opts ...Option) *Service {
	s := &Service{r: r, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) exchange(ctx context.Context, req obd.Request) (obd.Response, error) {
	if s.guard != nil {
		if err := s.guard.ValidateCommand(req); err != nil {
			return obd.Response{}, err
		}
	}
	return s.r.Exchange(ctx, req)
}

// ReadDTCs requests stored codes, then the status byte of each one.
// Only the mode 3 request is fatal.
func (s *Service) ReadDTCs(ctx context.Context) ([]DTCEntry, error) {
	resp, err := s.exchange(ctx, obd.Request{Mode: obd.ModeStoredDTCs})
	if err != nil {
		return nil, fmt.Errorf("diag: read DTCs: %w", err)
	}

	var entries []DTCEntry
	for i := 0; i+1 < len(resp.Data) && len(entries) < MaxDTCs; i += 2 {
		raw := uint16(resp.Data[i])<<8 | uint16(resp.Data[i+1])
		if raw == 0 {
			continue
		}
		e := DTCEntry{
			Code:      FormatDTC(raw),
			Raw:       raw,
			Timestamp: s.now(),
		}
		// A code whose status cannot be read is kept with status 0.
		st, err := s.exchange(ctx, obd.Request{Mode: obd.ModeDTCStatus, PID: byte(raw)})
		switch {
		case err == nil:
			e.Status = st.Byte(0)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("diag: status of %s: %w", e.Code, ctx.Err())
		default:
			log.Printf("[diag] status of %s: %v", e.Code, err)
		}
		if s.db != nil {
			info, _ := s.db.Lookup(e.Code)
			e.Description, e.Severity, e.System = info.Description, info.Severity, info.System
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReadFreezeFrame requests freeze frame frameID and converts each
// {pid, 3 data bytes} record. A PID 0x02 record names the DTC that
// stored the frame.
func (s *Service) ReadFreezeFrame(ctx context.Context, frameID byte) ([]FreezeFrame, error) {
	resp, err := s.exchange(ctx, obd.Request{Mode: obd.ModeFreezeFrame, PID: frameID})
	if err != nil {
		return nil, fmt.Errorf("diag: read freeze frame %d: %w", frameID, err)
	}

	var (
		frames []FreezeFrame
		dtc    uint16
	)
	for i := 0; i+4 <= len(resp.Data); i += 4 {
		ff := FreezeFrame{PID: resp.Data[i]}
		copy(ff.Data[:], resp.Data[i+1:i+4])
		if v, ok := obd.Convert(ff.PID, ff.Data[:]); ok {
			ff.Value = v
		}
		if ff.PID == obd.PIDFreezeDTC {
			dtc = uint16(ff.Data[0])<<8 | uint16(ff.Data[1])
		}
		frames = append(frames, ff)
	}
	for i := range frames {
		frames[i].DTC = dtc
	}
	return frames, nil
}

// ClearDTCs succeeds only when the vehicle acknowledges the clear.
func (s *Service) ClearDTCs(ctx context.Context) error {
	resp, err := s.exchange(ctx, obd.Request{Mode: obd.ModeClearDTCs})
	if err != nil {
		return fmt.Errorf("diag: clear DTCs: %w", err)
	}
	if resp.Byte(0) != obd.ClearAcknowledged {
		return fmt.Errorf("diag: clear DTCs not acknowledged (0x%02X): %w", resp.Byte(0), obd.ErrProtocol)
	}
	return nil
}

// ReadPID reads one mode 1 parameter.
func (s *Service) ReadPID(ctx context.Context, pid byte) (PIDValue, error) {
	resp, err := s.exchange(ctx, obd.Request{Mode: obd.ModeCurrentData, PID: pid})
	if err != nil {
		return PIDValue{}, fmt.Errorf("diag: read pid %02X: %w", pid, err)
	}
	v := PIDValue{PID: pid, Raw: resp.Data}
	if val, ok := obd.Convert(pid, resp.Data); ok {
		v.Value, v.Known = val, true
	} else {
		v.Value = float64(resp.Byte(0))
	}
	return v, nil
}

// SupportedPIDs decodes the mode 1 pid 0 bitmap into pids 0x01..0x20.
func (s *Service) SupportedPIDs(ctx context.Context) ([]byte, error) {
	resp, err := s.exchange(ctx, obd.SupportedPIDs)
	if err != nil {
		return nil, fmt.Errorf("diag: supported pids: %w", err)
	}
	var pids []byte
	for i := 0; i < 32; i++ {
		if resp.Byte(i/8)&(0x80>>(i%8)) != 0 {
			pids = append(pids, byte(i+1))
		}
	}
	return pids, nil
}

// Package session owns the active protocol session: it negotiates a
// protocol in priority order, keeps the single live channel and exposes a
// uniform request/response contract with bounded retry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/shaunagostinho/obdbridge/internal/frame"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

// State of a protocol session.
type State int

const (
	Error         State = -1
	Uninitialized State = 0
	Negotiating   State = 1
	Active        State = 2
)

func (s State) String() string {
	switch s {
	case Error:
		return "error"
	case Uninitialized:
		return "uninitialized"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Candidate is one protocol/baud/flags triple to try.
type Candidate struct {
	Protocol passthru.ProtocolID
	Baud     uint32
	Flags    passthru.Flags
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s@%d", c.Protocol, c.Baud)
}

// DefaultCandidates is the negotiation priority list.
var DefaultCandidates = []Candidate{
	{Protocol: passthru.CAN, Baud: 500000},
	{Protocol: passthru.ISO9141, Baud: frame.ISO9141Baud},
}

// Config controls negotiation and retry.
type Config struct {
	Retries    int
	Timeout    time.Duration
	RetryDelay time.Duration
	Candidates []Candidate
}

func DefaultConfig() Config {
	return Config{
		Retries:    3,
		Timeout:    time.Second,
		RetryDelay: 50 * time.Millisecond,
		Candidates: DefaultCandidates,
	}
}

// Session is safe for concurrent use; requests are serialized so at most
// one is in flight on the channel.
type Session struct {
	t   passthru.Transport
	cfg Config

	mu        sync.Mutex
	opened    bool
	state     State
	active    Candidate
	codec     frame.Codec
	channel   passthru.ChannelID
	connected bool
	lastErr   error
}

// New copies cfg, filling zero values from DefaultConfig.
func New(t passthru.Transport, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = def.Candidates
	}
	cfg.Candidates = append([]Candidate(nil), cfg.Candidates...)
	return &Session{t: t, cfg: cfg}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns the negotiated candidate while the session is Active.
func (s *Session) Active() (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.state == Active
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Negotiate tries every configured candidate in order. It is only valid
// from Uninitialized; call Reset first after an error or to switch
// protocols.
func (s *Session) Negotiate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiate(ctx, s.cfg.Candidates)
}

// NegotiateProtocol negotiates a single explicit candidate.
func (s *Session) NegotiateProtocol(ctx context.Context, c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiate(ctx, []Candidate{c})
}

func (s *Session) negotiate(ctx context.Context, cands []Candidate) error {
	if s.state != Uninitialized {
		return fmt.Errorf("session: negotiate in state %s: %w", s.state, obd.ErrProtocol)
	}
	s.state = Negotiating

	if !s.opened {
		if _, err := s.t.Open(); err != nil {
			s.state = Error
			s.lastErr = err
			return fmt.Errorf("session: %w", err)
		}
		s.opened = true
	}

	var errs []error
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		log.Printf("[session] probing %s", c)
		if err := s.probe(c); err != nil {
			log.Printf("[session] %s did not respond: %v", c, err)
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			s.teardown()
			continue
		}
		s.state = Active
		s.active = c
		s.lastErr = nil
		log.Printf("[session] active on %s using %s framing", c, s.codec.Name())
		return nil
	}

	s.codec = nil
	s.state = Error
	s.lastErr = fmt.Errorf("session: no protocol responded: %w: %w", obd.ErrProtocol, errors.Join(errs...))
	return s.lastErr
}

// probe connects c and issues the supported-PIDs request once.
func (s *Session) probe(c Candidate) error {
	codec, err := frame.ForProtocol(c.Protocol)
	if err != nil {
		return err
	}
	if err := s.connect(c); err != nil {
		return err
	}
	s.codec = codec

	if st, ok := codec.(frame.Starter); ok {
		if err := s.writeRaw(st.StartRequest()); err != nil {
			return err
		}
		msg, err := s.t.Read(s.channel, s.cfg.Timeout)
		if err != nil {
			return err
		}
		if err := st.CheckStart(msg); err != nil {
			return err
		}
	}

	resp, err := s.exchangeOnce(obd.SupportedPIDs)
	if err != nil {
		return err
	}
	if !resp.Answers(obd.SupportedPIDs) {
		return fmt.Errorf("probe answered with mode 0x%02X: %w", resp.Mode, obd.ErrProtocol)
	}
	return nil
}

// Send writes req, reconnecting between failed attempts.
func (s *Session) Send(ctx context.Context, req obd.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(); err != nil {
		return err
	}
	return s.withRetry(ctx, "send "+req.String(), true, func() error {
		return s.write(req)
	})
}

// Receive reads one response. Timeouts are retried without reconnecting
// so a late reply is not lost.
func (s *Session) Receive(ctx context.Context) (obd.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(); err != nil {
		return obd.Response{}, err
	}
	var resp obd.Response
	err := s.withRetry(ctx, "receive", false, func() error {
		r, err := s.read()
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// Exchange sends req and reads its response as one retried unit.
func (s *Session) Exchange(ctx context.Context, req obd.Request) (obd.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(); err != nil {
		return obd.Response{}, err
	}
	var resp obd.Response
	err := s.withRetry(ctx, req.String(), true, func() error {
		r, err := s.exchangeOnce(req)
		if err != nil {
			return err
		}
		if !r.Answers(req) {
			return fmt.Errorf("session: %s answered with mode 0x%02X: %w", req, r.Mode, obd.ErrProtocol)
		}
		resp = r
		return nil
	})
	return resp, err
}

// SendPayload transmits an arbitrary payload on a segmented (ISO-TP)
// session. Consecutive frames are written back to back.
func (s *Session) SendPayload(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(); err != nil {
		return err
	}
	seg, ok := s.codec.(frame.Segmented)
	if !ok {
		return fmt.Errorf("session: %s framing cannot carry raw payloads: %w", s.codec.Name(), obd.ErrUnsupported)
	}
	msgs, err := seg.Segment(payload)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, fmt.Sprintf("send %d byte payload", len(payload)), true, func() error {
		for _, m := range msgs {
			if err := s.writeRaw(m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ioctl forwards a control request to the live channel.
func (s *Session) Ioctl(id passthru.IoctlID, in []passthru.ConfigParam) ([]passthru.ConfigParam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, fmt.Errorf("session: ioctl without channel: %w", obd.ErrProtocol)
	}
	return s.t.Ioctl(s.channel, id, in)
}

// Voltage reads battery voltage on the live channel.
func (s *Session) Voltage() (float64, error) {
	out, err := s.Ioctl(passthru.ReadVBatt, nil)
	if err != nil {
		return 0, err
	}
	return passthru.DecodeVoltage(out)
}

// Reset tears down the channel and returns to Uninitialized.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(nil)
}

// Close resets the session and closes the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(nil)
	s.opened = false
	return s.t.Close()
}

func (s *Session) reset(cause error) {
	s.teardown()
	s.state = Uninitialized
	s.codec = nil
	s.active = Candidate{}
	s.lastErr = cause
}

func (s *Session) requireActive() error {
	if s.state != Active {
		return fmt.Errorf("session: %s: no protocol negotiated: %w", s.state, obd.ErrProtocol)
	}
	return nil
}

func retryable(err error) bool {
	return errors.Is(err, obd.ErrTransport) || errors.Is(err, obd.ErrTimeout)
}

// withRetry runs fn up to cfg.Retries times. Transport and timeout
// failures are retried; anything else aborts the request and leaves the
// session as it was. An exhausted budget resets the session.
func (s *Session) withRetry(ctx context.Context, what string, reconnect bool, fn func() error) error {
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			if attempt > 1 && reconnect {
				if err := s.reconnect(); err != nil {
					return err
				}
			}
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.cfg.Retries)),
		retry.Delay(s.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("[session] %s: attempt %d/%d failed: %v", what, n+1, s.cfg.Retries, err)
		}),
	)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("session: %s: %w", what, ctx.Err())
	case retryable(err):
		s.reset(err)
		return fmt.Errorf("session: %s failed after %d attempts: %w", what, attempt, err)
	default:
		return fmt.Errorf("session: %s: %w", what, err)
	}
}

func (s *Session) connect(c Candidate) error {
	ch, err := s.t.Connect(c.Protocol, c.Flags, c.Baud)
	if err != nil {
		return err
	}
	s.channel = ch
	s.connected = true
	return nil
}

func (s *Session) reconnect() error {
	s.teardown()
	if err := s.connect(s.active); err != nil {
		return fmt.Errorf("reconnect %s: %w: %w", s.active, obd.ErrTransport, err)
	}
	return nil
}

func (s *Session) teardown() {
	if !s.connected {
		return
	}
	if err := s.t.Disconnect(s.channel); err != nil {
		log.Printf("[session] disconnect channel %d: %v", s.channel, err)
	}
	s.connected = false
}

func (s *Session) exchangeOnce(req obd.Request) (obd.Response, error) {
	if err := s.write(req); err != nil {
		return obd.Response{}, err
	}
	return s.read()
}

func (s *Session) write(req obd.Request) error {
	wire, err := s.codec.Encode(req)
	if err != nil {
		return err
	}
	return s.writeRaw(wire)
}

func (s *Session) writeRaw(wire []byte) error {
	n, err := s.t.Write(s.channel, wire, s.cfg.Timeout)
	if err != nil {
		return err
	}
	if n < len(wire) {
		return fmt.Errorf("session: short write %d/%d bytes: %w", n, len(wire), obd.ErrTransport)
	}
	return nil
}

func (s *Session) read() (obd.Response, error) {
	seg, ok := s.codec.(frame.Segmented)
	if !ok {
		msg, err := s.t.Read(s.channel, s.cfg.Timeout)
		if err != nil {
			return obd.Response{}, err
		}
		return s.codec.Decode(msg)
	}

	a := seg.NewAssembly()
	deadline := time.Now().Add(s.cfg.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return obd.Response{}, fmt.Errorf("session: ISO-TP response incomplete after %v: %w", s.cfg.Timeout, obd.ErrTimeout)
		}
		msg, err := s.t.Read(s.channel, remaining)
		if err != nil {
			return obd.Response{}, err
		}
		done, reply, err := a.Push(msg)
		if err != nil {
			return obd.Response{}, err
		}
		if reply != nil {
			if err := s.writeRaw(reply); err != nil {
				return obd.Response{}, err
			}
		}
		if done {
			return seg.Decode(a.Payload())
		}
	}
}

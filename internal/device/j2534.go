package device

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/shaunagostinho/obdbridge/internal/frame"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
	"github.com/shaunagostinho/obdbridge/internal/session"
)

// defaultBaud is the connect rate used for each protocol when the
// configuration names only the protocol.
func defaultBaud(p passthru.ProtocolID) uint32 {
	switch p {
	case passthru.J1850PWM:
		return frame.J1850PWMBaud
	case passthru.J1850VPW:
		return frame.J1850VPWBaud
	case passthru.ISO9141:
		return frame.ISO9141Baud
	case passthru.ISO14230:
		return frame.KWPBaud
	default:
		return 500000
	}
}

func candidatesFor(ps []passthru.ProtocolID) []session.Candidate {
	cs := make([]session.Candidate, 0, len(ps))
	for _, p := range ps {
		cs = append(cs, session.Candidate{Protocol: p, Baud: defaultBaud(p)})
	}
	return cs
}

// PassThru drives a pass-through interface through a negotiated session.
type PassThru struct {
	Base

	newDriver func() (passthru.Driver, error)

	mu   sync.Mutex
	port string
	scfg session.Config
	dev  *passthru.Device
	sess *session.Session
}

func newPassThruAdapter(t Type) *PassThru {
	return &PassThru{Base: Base{Kind: t}, newDriver: platformDriver}
}

func (a *PassThru) Init(cfg Config) error {
	pt, err := cfg.PassThru()
	if err != nil {
		return err
	}
	a.configure(cfg.Connection, parseProtocols(pt.Protocols), pt.Retries)
	return nil
}

func (a *PassThru) configure(conn Connection, ps []passthru.ProtocolID, retries int) {
	a.port = conn.Port
	a.scfg = session.Config{
		Retries:    retries,
		Timeout:    timeoutOf(conn),
		RetryDelay: session.DefaultConfig().RetryDelay,
		Candidates: candidatesFor(ps),
	}
}

// Connect opens the interface and negotiates the first candidate that
// answers.
func (a *PassThru) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		a.sess.Close()
	}
	drv, err := a.newDriver()
	if err != nil {
		return fmt.Errorf("device: %s driver: %w", a.Kind, err)
	}
	a.dev = passthru.NewDevice(a.port, drv)
	a.sess = session.New(a.dev, a.scfg)
	if err := a.sess.Negotiate(ctx); err != nil {
		a.sess.Close()
		a.sess, a.dev = nil, nil
		return fmt.Errorf("device: %s: %w", a.Kind, err)
	}
	if c, ok := a.sess.Active(); ok {
		log.Printf("[device] %s negotiated %s", a.Kind, c)
	}
	return nil
}

func (a *PassThru) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess, a.dev = nil, nil
	return err
}

func (a *PassThru) current() (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil, fmt.Errorf("device: %s: not connected: %w", a.Kind, obd.ErrTransport)
	}
	return a.sess, nil
}

func (a *PassThru) SendRequest(ctx context.Context, req obd.Request) error {
	s, err := a.active(ctx)
	if err != nil {
		return err
	}
	return s.Send(ctx, req)
}

func (a *PassThru) ReceiveResponse(ctx context.Context) (obd.Response, error) {
	s, err := a.current()
	if err != nil {
		return obd.Response{}, err
	}
	return s.Receive(ctx)
}

// Exchange runs req as one retried unit on the session. A session that
// lost its protocol, for instance after an exhausted retry budget, is
// renegotiated once before the request is sent.
func (a *PassThru) Exchange(ctx context.Context, req obd.Request) (obd.Response, error) {
	s, err := a.active(ctx)
	if err != nil {
		return obd.Response{}, err
	}
	return s.Exchange(ctx, req)
}

// active returns the session, renegotiating it when it is not Active.
func (a *PassThru) active(ctx context.Context) (*session.Session, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	if s.State() == session.Active {
		return s, nil
	}
	log.Printf("[device] %s session %s, renegotiating", a.Kind, s.State())
	s.Reset()
	if err := s.Negotiate(ctx); err != nil {
		return nil, fmt.Errorf("device: %s: renegotiate: %w", a.Kind, err)
	}
	if c, ok := s.Active(); ok {
		log.Printf("[device] %s renegotiated %s", a.Kind, c)
	}
	return s, nil
}

// SetProtocol drops the current channel and negotiates p alone.
func (a *PassThru) SetProtocol(ctx context.Context, p passthru.ProtocolID) error {
	s, err := a.current()
	if err != nil {
		return err
	}
	s.Reset()
	return s.NegotiateProtocol(ctx, session.Candidate{Protocol: p, Baud: defaultBaud(p)})
}

// Voltage reads battery voltage through the session so it cannot
// interleave with a request in flight.
func (a *PassThru) Voltage() (float64, error) {
	s, err := a.current()
	if err != nil {
		return 0, err
	}
	return s.Voltage()
}

func (a *PassThru) Status() (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{Type: a.Kind}
	if a.sess == nil {
		return st, nil
	}
	if c, ok := a.sess.Active(); ok {
		st.Connected = true
		st.Protocol = c.String()
	}
	return st, nil
}

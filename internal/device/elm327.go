package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/obdbridge/internal/frame"
	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

const elmDefaultBaud = 38400

// elmInit is sent after every reset: echo, headers and linefeeds off,
// automatic protocol selection.
var elmInit = []string{"ATE0", "ATH0", "ATL0"}

// elmProtocols maps pass-through protocols onto ATSP numbers.
var elmProtocols = map[passthru.ProtocolID]int{
	passthru.J1850PWM: 1,
	passthru.J1850VPW: 2,
	passthru.ISO9141:  3,
	passthru.ISO14230: 5,
	passthru.CAN:      6,
	passthru.ISO15765: 6,
}

// ELM drives an ELM327 interpreter over a serial link using its hex
// text protocol.
type ELM struct {
	Base

	mu       sync.Mutex
	conn     Connection
	pt       PassThruConfig
	p        port
	timeout  time.Duration
	version  string
	protocol passthru.ProtocolID
	pending  *obd.Request
}

func (e *ELM) Init(cfg Config) error {
	pt, err := cfg.PassThru()
	if err != nil {
		return err
	}
	if cfg.Type != ELM327 {
		return fmt.Errorf("elm327: config for %s: %w", cfg.Type, obd.ErrConfig)
	}
	if cfg.Connection.Port == "" {
		return fmt.Errorf("elm327: no port configured: %w", obd.ErrConfig)
	}
	e.conn = cfg.Connection
	if e.conn.BaudRate == 0 {
		e.conn.BaudRate = elmDefaultBaud
	}
	e.pt = pt
	e.timeout = timeoutOf(cfg.Connection)
	return nil
}

// Connect resets the interpreter and runs the init sequence. A single
// configured protocol is forced with ATSP; otherwise ATSP0 lets the ELM
// search.
func (e *ELM) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := openPort(e.conn.Port, e.conn.BaudRate)
	if err != nil {
		return fmt.Errorf("elm327: %w", err)
	}
	e.p = p
	log.Printf("[elm327] opened %s at %d baud", e.conn.Port, e.conn.BaudRate)
	drain(p, "elm327", "open")

	reply, err := e.command("ATZ")
	if err != nil {
		e.closePort()
		return err
	}
	if !strings.Contains(reply, "ELM") {
		e.closePort()
		return fmt.Errorf("elm327: reset replied %q: %w", reply, obd.ErrProtocol)
	}
	e.version = reply
	log.Printf("[elm327] %s", reply)

	cmds := append([]string(nil), elmInit...)
	sp := "ATSP0"
	if ps := parseProtocols(e.pt.Protocols); len(ps) == 1 {
		sp = fmt.Sprintf("ATSP%d", elmProtocols[ps[0]])
		e.protocol = ps[0]
	}
	for _, c := range append(cmds, sp) {
		if err := ctx.Err(); err != nil {
			e.closePort()
			return err
		}
		if err := e.expectOK(c); err != nil {
			e.closePort()
			return err
		}
	}
	return nil
}

func (e *ELM) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closePort()
}

func (e *ELM) closePort() error {
	if e.p == nil {
		return nil
	}
	err := e.p.Close()
	e.p = nil
	e.pending = nil
	return err
}

// elmRequest renders req as ELM hex text. Modes 3 and 4 carry no pid.
func elmRequest(req obd.Request) string {
	if !hasPID(req.Mode) {
		return fmt.Sprintf("%02X", req.Mode)
	}
	return fmt.Sprintf("%02X%02X", req.Mode, req.PID)
}

func hasPID(mode byte) bool {
	return mode != obd.ModeStoredDTCs && mode != obd.ModeClearDTCs
}

func (e *ELM) SendRequest(_ context.Context, req obd.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p == nil {
		return fmt.Errorf("elm327: not connected: %w", obd.ErrTransport)
	}
	if err := e.write(elmRequest(req)); err != nil {
		return err
	}
	e.pending = &req
	return nil
}

func (e *ELM) ReceiveResponse(context.Context) (obd.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return obd.Response{}, fmt.Errorf("elm327: no request in flight: %w", obd.ErrProtocol)
	}
	req := *e.pending
	e.pending = nil
	text, err := e.readPrompt()
	if err != nil {
		return obd.Response{}, err
	}
	return parseELMResponse(req, text)
}

func (e *ELM) SetProtocol(_ context.Context, p passthru.ProtocolID) error {
	n, ok := elmProtocols[p]
	if !ok {
		return fmt.Errorf("elm327: %s: %w", p, obd.ErrUnsupported)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.expectOK(fmt.Sprintf("ATSP%d", n)); err != nil {
		return err
	}
	e.protocol = p
	return nil
}

// Voltage reads the adapter's supply voltage with ATRV.
func (e *ELM) Voltage() (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reply, err := e.command("ATRV")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(reply), "V"), 64)
	if err != nil {
		return 0, fmt.Errorf("elm327: voltage %q: %w", reply, obd.ErrProtocol)
	}
	return v, nil
}

func (e *ELM) Status() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{Type: ELM327, Connected: e.p != nil, Firmware: e.version, Protocol: "auto"}
	if e.protocol != 0 {
		st.Protocol = e.protocol.String()
	}
	return st, nil
}

func (e *ELM) write(cmd string) error {
	if e.p == nil {
		return fmt.Errorf("elm327: not connected: %w", obd.ErrTransport)
	}
	if _, err := e.p.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("elm327: write %s: %w: %w", cmd, obd.ErrTransport, err)
	}
	return nil
}

// readPrompt collects output up to the '>' prompt.
func (e *ELM) readPrompt() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 64)
	deadline := time.Now().Add(e.timeout)
	for time.Now().Before(deadline) {
		n, err := e.p.Read(buf)
		if err != nil && n == 0 {
			return "", fmt.Errorf("elm327: read: %w: %w", obd.ErrTransport, err)
		}
		for _, b := range buf[:n] {
			if b == '>' {
				return strings.TrimSpace(sb.String()), nil
			}
			sb.WriteByte(b)
		}
	}
	return "", fmt.Errorf("elm327: no prompt after %v (got %q): %w", e.timeout, sb.String(), obd.ErrTimeout)
}

func (e *ELM) command(cmd string) (string, error) {
	if err := e.write(cmd); err != nil {
		return "", err
	}
	return e.readPrompt()
}

func (e *ELM) expectOK(cmd string) error {
	reply, err := e.command(cmd)
	if err != nil {
		return err
	}
	if !strings.Contains(reply, "OK") {
		return fmt.Errorf("elm327: %s replied %q: %w", cmd, reply, obd.ErrProtocol)
	}
	return nil
}

// parseELMResponse turns the interpreter's text output into a Response.
// Continuation lines repeating the mode byte are appended. Multi-frame CAN
// replies arrive as a byte count line followed by numbered "N:" lines.
func parseELMResponse(req obd.Request, text string) (obd.Response, error) {
	var (
		b     []byte
		total int
	)
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.TrimSpace(line)
		numbered := false
		if i := strings.IndexByte(line, ':'); i >= 0 {
			numbered = len(b) > 0
			line = strings.TrimSpace(line[i+1:])
		} else if len(line) == 3 {
			if n, err := strconv.ParseUint(line, 16, 16); err == nil {
				total = int(n)
				continue
			}
		}
		switch {
		case line == "" || strings.HasPrefix(line, "SEARCHING"):
			continue
		case line == "NO DATA":
			return obd.Response{}, fmt.Errorf("elm327: %s: no data: %w", req, obd.ErrTimeout)
		case line == "?":
			return obd.Response{}, fmt.Errorf("elm327: %s: command not understood: %w", req, obd.ErrProtocol)
		case strings.Contains(line, "UNABLE TO CONNECT"), strings.Contains(line, "ERROR"), line == "STOPPED":
			return obd.Response{}, fmt.Errorf("elm327: %s: %s: %w", req, line, obd.ErrTransport)
		}
		lb, err := hex.DecodeString(strings.ReplaceAll(line, " ", ""))
		if err != nil || len(lb) == 0 {
			return obd.Response{}, fmt.Errorf("elm327: %s: bad line %q: %w", req, line, obd.ErrProtocol)
		}
		if !numbered && len(b) > 0 && lb[0] == b[0] {
			lb = lb[1:]
			if hasPID(req.Mode) && len(lb) > 0 {
				lb = lb[1:]
			}
		}
		b = append(b, lb...)
	}
	if len(b) == 0 {
		return obd.Response{}, fmt.Errorf("elm327: %s: empty reply: %w", req, obd.ErrTimeout)
	}
	if total > 0 && len(b) > total {
		b = b[:total]
	}
	if b[0] == 0x7F {
		nrc := &frame.NegativeResponseError{}
		if len(b) > 1 {
			nrc.Service = b[1]
		}
		if len(b) > 2 {
			nrc.Code = b[2]
		}
		return obd.Response{}, fmt.Errorf("elm327: %w", nrc)
	}

	r := obd.Response{Mode: b[0]}
	switch {
	case req.Mode == obd.ModeClearDTCs:
		// The interpreter prints only the mode byte.
		r.Data = []byte{obd.ClearAcknowledged}
	case !hasPID(req.Mode):
		r.Data = dtcPayload(b[1:])
	default:
		if len(b) > 1 {
			r.PID = b[1]
		}
		if len(b) > 2 {
			r.Data = b[2:]
		}
	}
	return r, nil
}

// dtcPayload drops the count byte CAN interpreters print ahead of the code
// pairs. K-line and J1850 replies carry whole pairs only.
func dtcPayload(d []byte) []byte {
	if len(d)%2 == 1 && int(d[0]) == len(d)/2 {
		return d[1:]
	}
	return d
}

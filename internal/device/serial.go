package device

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

const (
	defaultTimeout = 2 * time.Second

	drainSilence = 100 * time.Millisecond
	drainTimeout = 1500 * time.Millisecond

	maxEnvelope = 1024
)

// port is the part of serial.Port the serial adapters use.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

var openPort = func(path string, baud int) (port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, obd.ErrTransport, err)
	}
	if err := p.SetReadTimeout(defaultTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set timeout on %s: %w: %w", path, obd.ErrTransport, err)
	}
	return p, nil
}

func timeoutOf(c Connection) time.Duration {
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return defaultTimeout
}

// drain discards pending input until the line is silent for
// drainSilence or drainTimeout has passed.
func drain(p port, tag, label string) {
	p.ResetInputBuffer()

	p.SetReadTimeout(drainSilence)
	defer p.SetReadTimeout(defaultTimeout)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, _ := p.Read(buf)
		if n == 0 {
			break
		}
		if total == 0 {
			log.Printf("[%s] drain(%s) first bytes: % X", tag, label, buf[:n])
		}
		total += n
	}
	if total > 0 {
		log.Printf("[%s] drain(%s) cleared %d bytes", tag, label, total)
	}
}

// readExact reads exactly len(buf) bytes within timeout.
func readExact(p port, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) && time.Now().Before(deadline) {
		n, err := p.Read(buf[got:])
		if err != nil && n == 0 {
			return fmt.Errorf("read after %d/%d bytes: %w: %w", got, len(buf), obd.ErrTransport, err)
		}
		got += n
	}
	if got < len(buf) {
		return fmt.Errorf("got %d of %d bytes: %w", got, len(buf), obd.ErrTimeout)
	}
	return nil
}

// wrapEnvelope frames payload as <size_hi> <size_lo> <payload...> <crc32 BE>.
func wrapEnvelope(payload []byte) []byte {
	b := make([]byte, 2+len(payload)+4)
	binary.BigEndian.PutUint16(b, uint16(len(payload)))
	copy(b[2:], payload)
	binary.BigEndian.PutUint32(b[2+len(payload):], crc32.ChecksumIEEE(payload))
	return b
}

// readEnvelope reads one framed reply and verifies its CRC.
func readEnvelope(p port, timeout time.Duration) ([]byte, error) {
	size := make([]byte, 2)
	if err := readExact(p, size, timeout); err != nil {
		return nil, fmt.Errorf("size header: %w", err)
	}
	n := int(binary.BigEndian.Uint16(size))
	if n == 0 || n > maxEnvelope {
		return nil, fmt.Errorf("invalid payload size %d: %w", n, obd.ErrProtocol)
	}
	rest := make([]byte, n+4)
	if err := readExact(p, rest, timeout); err != nil {
		return nil, fmt.Errorf("payload+crc: %w", err)
	}
	payload := rest[:n]
	got := binary.BigEndian.Uint32(rest[n:])
	if want := crc32.ChecksumIEEE(payload); got != want {
		return nil, fmt.Errorf("CRC got 0x%08X, want 0x%08X: %w", got, want, obd.ErrChecksum)
	}
	return payload, nil
}

// Envelope status bytes following the echoed command.
const (
	envOK    byte = 0x00
	envError byte = 0xFF
)

// envelopeConn runs command/reply exchanges over the CRC32 envelope.
// Replies echo the command byte, then carry a status byte and data.
type envelopeConn struct {
	tag     string
	p       port
	timeout time.Duration
}

func (c *envelopeConn) write(cmd byte, args ...byte) error {
	if c.p == nil {
		return fmt.Errorf("%s: not connected: %w", c.tag, obd.ErrTransport)
	}
	env := wrapEnvelope(append([]byte{cmd}, args...))
	if _, err := c.p.Write(env); err != nil {
		return fmt.Errorf("%s: write '%c': %w: %w", c.tag, cmd, obd.ErrTransport, err)
	}
	return nil
}

func (c *envelopeConn) read(cmd byte) ([]byte, error) {
	if c.p == nil {
		return nil, fmt.Errorf("%s: not connected: %w", c.tag, obd.ErrTransport)
	}
	reply, err := readEnvelope(c.p, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: '%c' reply: %w", c.tag, cmd, err)
	}
	if len(reply) < 2 || reply[0] != cmd {
		return nil, fmt.Errorf("%s: '%c' reply % X: %w", c.tag, cmd, reply, obd.ErrProtocol)
	}
	switch reply[1] {
	case envOK:
		return reply[2:], nil
	case envError:
		return nil, fmt.Errorf("%s: '%c' rejected by device: %w", c.tag, cmd, obd.ErrProtocol)
	default:
		return nil, fmt.Errorf("%s: '%c' status 0x%02X: %w", c.tag, cmd, reply[1], obd.ErrProtocol)
	}
}

func (c *envelopeConn) call(cmd byte, args ...byte) ([]byte, error) {
	if err := c.write(cmd, args...); err != nil {
		return nil, err
	}
	return c.read(cmd)
}

func (c *envelopeConn) close() error {
	if c.p == nil {
		return nil
	}
	err := c.p.Close()
	c.p = nil
	return err
}

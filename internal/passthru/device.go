package passthru

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// Driver is the vendor pass-through library surface. Implementations
// return a Status (or an error wrapping one) on failure.
type Driver interface {
	Open(name string) (DeviceID, error)
	Close(dev DeviceID) error
	Connect(dev DeviceID, protocol ProtocolID, flags Flags, baud uint32) (ChannelID, error)
	Disconnect(ch ChannelID) error
	ReadMsg(ch ChannelID, timeout time.Duration) ([]byte, error)
	WriteMsg(ch ChannelID, data []byte, timeout time.Duration) (int, error)
	Ioctl(ch ChannelID, id IoctlID, in []ConfigParam) ([]ConfigParam, error)
}

// Transport is the blocking channel contract used by the session layer.
// No operation retries internally.
type Transport interface {
	Open() (DeviceID, error)
	Connect(protocol ProtocolID, flags Flags, baud uint32) (ChannelID, error)
	Disconnect(ch ChannelID) error
	Read(ch ChannelID, timeout time.Duration) ([]byte, error)
	Write(ch ChannelID, data []byte, timeout time.Duration) (int, error)
	Ioctl(ch ChannelID, id IoctlID, in []ConfigParam) ([]ConfigParam, error)
	Close() error
}

// Device implements Transport over a Driver. It owns at most one live
// channel: Connect tears down the previous one first.
type Device struct {
	name   string
	driver Driver

	mu      sync.Mutex
	opened  bool
	dev     DeviceID
	channel ChannelID
	hasChan bool
}

// NewDevice returns a Device for the named pass-through interface.
func NewDevice(name string, driver Driver) *Device {
	return &Device{name: name, driver: driver}
}

// Open opens the device. Opening an already open device is a no-op.
func (d *Device) Open() (DeviceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return d.dev, nil
	}
	id, err := d.driver.Open(d.name)
	if err != nil {
		return 0, fmt.Errorf("passthru: open %q: %w: %w", d.name, obd.ErrTransport, err)
	}
	d.dev = id
	d.opened = true
	return id, nil
}

// Connect binds a channel, disconnecting any previous one.
func (d *Device) Connect(protocol ProtocolID, flags Flags, baud uint32) (ChannelID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return 0, fmt.Errorf("passthru: connect %s: device not open: %w", protocol, obd.ErrTransport)
	}
	if d.hasChan {
		if err := d.driver.Disconnect(d.channel); err != nil {
			log.Printf("[passthru] implicit disconnect of channel %d: %v", d.channel, err)
		}
		d.hasChan = false
	}
	ch, err := d.driver.Connect(d.dev, protocol, flags, baud)
	if err != nil {
		return 0, fmt.Errorf("passthru: connect %s at %d baud: %w: %w", protocol, baud, obd.ErrProtocol, err)
	}
	d.channel = ch
	d.hasChan = true
	return ch, nil
}

// Disconnect tears down ch. Disconnecting a channel that is not the live
// one fails with StatusInvalidChannelID.
func (d *Device) Disconnect(ch ChannelID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasChan || ch != d.channel {
		return fmt.Errorf("passthru: disconnect %d: %w: %w", ch, obd.ErrProtocol, StatusInvalidChannelID)
	}
	d.hasChan = false
	if err := d.driver.Disconnect(ch); err != nil {
		return fmt.Errorf("passthru: disconnect %d: %w: %w", ch, obd.ErrTransport, err)
	}
	return nil
}

// Read blocks for one message or until timeout.
func (d *Device) Read(ch ChannelID, timeout time.Duration) ([]byte, error) {
	if err := d.checkChannel(ch); err != nil {
		return nil, err
	}
	msg, err := d.driver.ReadMsg(ch, timeout)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("passthru: read channel %d after %v: %w", ch, timeout, obd.ErrTimeout)
		}
		return nil, fmt.Errorf("passthru: read channel %d: %w: %w", ch, obd.ErrTransport, err)
	}
	return msg, nil
}

// Write sends one message and returns the number of bytes accepted.
func (d *Device) Write(ch ChannelID, data []byte, timeout time.Duration) (int, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}
	n, err := d.driver.WriteMsg(ch, data, timeout)
	if err != nil {
		if isTimeout(err) {
			return n, fmt.Errorf("passthru: write channel %d after %v: %w", ch, timeout, obd.ErrTimeout)
		}
		return n, fmt.Errorf("passthru: write channel %d: %w: %w", ch, obd.ErrTransport, err)
	}
	return n, nil
}

// Ioctl issues a control request on ch.
func (d *Device) Ioctl(ch ChannelID, id IoctlID, in []ConfigParam) ([]ConfigParam, error) {
	if err := d.checkChannel(ch); err != nil {
		return nil, err
	}
	out, err := d.driver.Ioctl(ch, id, in)
	if err != nil {
		return nil, fmt.Errorf("passthru: ioctl %d on channel %d: %w: %w", id, ch, obd.ErrProtocol, err)
	}
	return out, nil
}

// Voltage reads battery voltage on the live channel.
func (d *Device) Voltage() (float64, error) {
	d.mu.Lock()
	ch, ok := d.channel, d.hasChan
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("passthru: read vbatt: no channel: %w", obd.ErrProtocol)
	}
	out, err := d.Ioctl(ch, ReadVBatt, nil)
	if err != nil {
		return 0, err
	}
	return DecodeVoltage(out)
}

// DecodeVoltage converts a ReadVBatt result in millivolts to volts.
func DecodeVoltage(out []ConfigParam) (float64, error) {
	if len(out) == 0 {
		return 0, fmt.Errorf("passthru: read vbatt: empty result: %w", obd.ErrProtocol)
	}
	return float64(out[0].Value) / 1000, nil
}

// Close disconnects any channel and closes the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasChan {
		d.driver.Disconnect(d.channel)
		d.hasChan = false
	}
	if !d.opened {
		return nil
	}
	d.opened = false
	if err := d.driver.Close(d.dev); err != nil {
		return fmt.Errorf("passthru: close %q: %w", d.name, err)
	}
	return nil
}

func (d *Device) checkChannel(ch ChannelID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasChan || ch != d.channel {
		return fmt.Errorf("passthru: channel %d: %w: %w", ch, obd.ErrProtocol, StatusInvalidChannelID)
	}
	return nil
}

func isTimeout(err error) bool {
	var st Status
	if errors.As(err, &st) {
		return st == StatusTimeout || st == StatusBufferEmpty
	}
	return false
}

//go:build linux

// Package socketcan is a pass-through driver for Linux SocketCAN
// interfaces. It carries ISO 15765 traffic only; the bit rate is owned by
// the interface (ip link set can0 type can bitrate 500000) and the baud
// passed to Connect is informational.
package socketcan

import (
	"log"
	"sync"
	"time"

	"github.com/brutella/can"

	"github.com/shaunagostinho/obdbridge/internal/frame"
	"github.com/shaunagostinho/obdbridge/internal/passthru"
)

const (
	extendedFlag = 0x80000000
	idMask       = 0x1FFFFFFF

	rxQueueSize = 256
)

type bus interface {
	ConnectAndPublish() error
	Publish(can.Frame) error
	Subscribe(can.Handler)
	Disconnect() error
}

var openBus = func(name string) (bus, error) {
	b, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Driver implements passthru.Driver for one CAN interface at a time.
type Driver struct {
	mu      sync.Mutex
	bus     bus
	name    string
	rx      chan can.Frame
	channel passthru.ChannelID
	baud    uint32
	next    passthru.ChannelID
}

func New() *Driver {
	return &Driver{}
}

// Handle receives frames from the bus reader goroutine.
func (d *Driver) Handle(f can.Frame) {
	select {
	case d.rx <- f:
	default:
		log.Printf("[socketcan] %s: rx queue full, dropping frame 0x%X", d.name, f.ID)
	}
}

func (d *Driver) Open(name string) (passthru.DeviceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus != nil {
		return 1, nil
	}
	b, err := openBus(name)
	if err != nil {
		return 0, err
	}
	d.bus = b
	d.name = name
	d.rx = make(chan can.Frame, rxQueueSize)
	b.Subscribe(d)
	go func() {
		if err := b.ConnectAndPublish(); err != nil {
			log.Printf("[socketcan] %s: reader stopped: %v", name, err)
		}
	}()
	log.Printf("[socketcan] opened %s", name)
	return 1, nil
}

func (d *Driver) Close(passthru.DeviceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return nil
	}
	err := d.bus.Disconnect()
	d.bus = nil
	d.channel = 0
	return err
}

func (d *Driver) Connect(_ passthru.DeviceID, p passthru.ProtocolID, _ passthru.Flags, baud uint32) (passthru.ChannelID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return 0, passthru.StatusInvalidChannelID
	}
	if p != passthru.ISO15765 {
		return 0, passthru.StatusInvalidProtocolID
	}
	d.next++
	d.channel = d.next
	d.baud = baud
	d.drain()
	return d.channel, nil
}

func (d *Driver) Disconnect(ch passthru.ChannelID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch == 0 || ch != d.channel {
		return passthru.StatusInvalidChannelID
	}
	d.channel = 0
	return nil
}

func (d *Driver) ReadMsg(ch passthru.ChannelID, timeout time.Duration) ([]byte, error) {
	rx, err := d.live(ch)
	if err != nil {
		return nil, err
	}
	select {
	case f := <-rx:
		return fromBus(f).MarshalBinary()
	case <-time.After(timeout):
		return nil, passthru.StatusTimeout
	}
}

func (d *Driver) WriteMsg(ch passthru.ChannelID, data []byte, _ time.Duration) (int, error) {
	if _, err := d.live(ch); err != nil {
		return 0, err
	}
	f, err := frame.UnmarshalCANFrame(data)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	b := d.bus
	d.mu.Unlock()
	if err := b.Publish(toBus(f)); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (d *Driver) Ioctl(ch passthru.ChannelID, id passthru.IoctlID, in []passthru.ConfigParam) ([]passthru.ConfigParam, error) {
	if _, err := d.live(ch); err != nil {
		return nil, err
	}
	if id != passthru.GetConfig {
		return nil, passthru.StatusNotSupported
	}
	out := make([]passthru.ConfigParam, 0, len(in))
	for _, p := range in {
		if p.Parameter != passthru.ParamDataRate {
			return nil, passthru.StatusNotSupported
		}
		d.mu.Lock()
		p.Value = d.baud
		d.mu.Unlock()
		out = append(out, p)
	}
	return out, nil
}

func (d *Driver) live(ch passthru.ChannelID) (chan can.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil || ch == 0 || ch != d.channel {
		return nil, passthru.StatusInvalidChannelID
	}
	return d.rx, nil
}

// drain discards frames received before the channel was bound.
func (d *Driver) drain() {
	for {
		select {
		case <-d.rx:
		default:
			return
		}
	}
}

func toBus(f frame.CANFrame) can.Frame {
	id := f.ID
	if f.Extended {
		id |= extendedFlag
	}
	return can.Frame{ID: id, Length: f.DLC, Data: f.Data}
}

func fromBus(f can.Frame) frame.CANFrame {
	return frame.CANFrame{
		ID:       f.ID & idMask,
		DLC:      f.Length,
		Data:     f.Data,
		Extended: f.ID&extendedFlag != 0,
	}
}

package device

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// Info is one registry entry.
type Info struct {
	Type        Type
	Description string
	Connection  ConnectionType
	New         func() Adapter
}

// Registry maps device-type tags to adapters.
type Registry struct {
	mu    sync.RWMutex
	infos map[Type]Info
}

func NewRegistry() *Registry {
	return &Registry{infos: make(map[Type]Info)}
}

// Register adds info. Registering a tag twice fails.
func (r *Registry) Register(info Info) error {
	if info.New == nil {
		return fmt.Errorf("device: %s: no constructor: %w", info.Type, obd.ErrConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.infos[info.Type]; dup {
		return fmt.Errorf("device: %s already registered: %w", info.Type, obd.ErrConfig)
	}
	r.infos[info.Type] = info
	return nil
}

// Lookup returns the entry for t, or an "no adapter" error.
func (r *Registry) Lookup(t Type) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[t]
	if !ok {
		return Info{}, fmt.Errorf("device: no adapter for %q: %w", t, obd.ErrUnsupported)
	}
	return info, nil
}

// Types lists the registered tags in order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := make([]Type, 0, len(r.infos))
	for t := range r.infos {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

// Init looks up cfg.Type, builds a fresh adapter and initializes it.
func (r *Registry) Init(cfg Config) (Adapter, error) {
	info, err := r.Lookup(cfg.Type)
	if err != nil {
		return nil, err
	}
	a := info.New()
	if err := a.Init(cfg); err != nil {
		return nil, fmt.Errorf("device: init %s: %w", cfg.Type, err)
	}
	log.Printf("[device] initialized %s (%s)", cfg.Type, info.Description)
	return a, nil
}

// Builtin returns a registry holding every adapter shipped in this
// package.
func Builtin() *Registry {
	r := NewRegistry()
	for _, info := range []Info{
		{J2534, "J2534 pass-through interface", ConnUSB, func() Adapter { return newPassThruAdapter(J2534) }},
		{ELM327, "ELM327 serial/Bluetooth dongle", ConnSerial, func() Adapter { return &ELM{Base: Base{Kind: ELM327}} }},
		{Arduino, "Arduino performance monitor", ConnUSB, func() Adapter { return newBridge(Arduino) }},
		{ESP32, "ESP32 performance monitor", ConnWiFi, func() Adapter { return newESP32() }},
		{SCT, "SCT tuner", ConnCustom, func() Adapter { return &Tuner{Base: Base{Kind: SCT}} }},
		{Simulator, "Simulated vehicle", ConnDemo, func() Adapter { return newSimAdapter() }},
	} {
		if err := r.Register(info); err != nil {
			panic(err)
		}
	}
	return r
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/shaunagostinho/obdbridge/internal/config"
	"github.com/shaunagostinho/obdbridge/internal/device"
	"github.com/shaunagostinho/obdbridge/internal/diag"
	"github.com/shaunagostinho/obdbridge/internal/safety"
)

// bridge is one connected adapter with the services built on it.
type bridge struct {
	cfg     *config.Config
	adapter device.Adapter
	guard   *safety.Monitor
	diag    *diag.Service
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg := config.LoadConfig(opts.configPath)
	if opts.demo {
		cfg.UseSimulator()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openBridge builds and connects the configured adapter. With retry set it
// keeps trying until ctx ends.
func openBridge(ctx context.Context, opts *rootOptions, retry bool) (*bridge, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	guard := safety.New(cfg.Safety)
	dopts := []diag.Option{diag.WithGuard(guard)}
	if cfg.DTCDatabase != "" {
		db, err := diag.LoadDatabase(cfg.DTCDatabase)
		if err != nil {
			return nil, err
		}
		log.Printf("[main] loaded %d DTC descriptions", db.Len())
		dopts = append(dopts, diag.WithDatabase(db))
	}

	dc, err := cfg.DeviceSettings()
	if err != nil {
		return nil, err
	}
	adapter, err := device.Builtin().Init(dc)
	if err != nil {
		return nil, err
	}
	if retry {
		err = connectWithRetry(ctx, string(dc.Type), adapter)
	} else {
		err = adapter.Connect(ctx)
	}
	if err != nil {
		return nil, err
	}
	if st, err := adapter.Status(); err == nil {
		log.Printf("[main] %s connected (protocol %q)", st.Type, st.Protocol)
	}

	return &bridge{
		cfg:     cfg,
		adapter: adapter,
		guard:   guard,
		diag:    diag.New(device.AsRequester(adapter), dopts...),
	}, nil
}

func (b *bridge) Close() {
	if err := b.adapter.Disconnect(); err != nil {
		log.Printf("[main] disconnect: %v", err)
	}
}

const (
	initialConnectDelay = time.Second
	maxConnectDelay     = 60 * time.Second
)

// connectWithRetry attempts to connect with exponential backoff, starting
// at 1s and doubling up to 60s, until it succeeds or ctx ends.
func connectWithRetry(ctx context.Context, name string, a device.Adapter) error {
	delay := initialConnectDelay
	for attempt := 1; ; attempt++ {
		err := a.Connect(ctx)
		if err == nil {
			log.Printf("[%s] connected (attempt %d)", name, attempt)
			return nil
		}
		log.Printf("[%s] connect attempt %d failed: %v (retry in %v)", name, attempt, err, delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxConnectDelay {
			delay = maxConnectDelay
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/obdbridge/internal/device"
	"github.com/shaunagostinho/obdbridge/internal/logger"
	"github.com/shaunagostinho/obdbridge/internal/monitor"
	"github.com/shaunagostinho/obdbridge/internal/server"
	"github.com/shaunagostinho/obdbridge/web"
)

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	var (
		listen   string
		noServer bool
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Sample PIDs continuously and serve the live feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			b, err := openBridge(ctx, opts, true)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			defer b.Close()
			if listen != "" {
				b.cfg.Server.ListenAddr = listen
			}

			mon, err := monitor.New(b.diag, b.cfg.Monitor, monitor.WithSafety(b.guard))
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return mon.Run(ctx) })
			if !noServer {
				srv := server.New(b.cfg, mon, b.diag, web.FS)
				g.Go(func() error { return srv.Run(ctx) })
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if s, ok := mon.Latest(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%d samples, last at %s\n", len(mon.History()), s.Timestamp.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen address (e.g. :8080)")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "sample without serving HTTP")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

const defaultPerfInterval = 100 * time.Millisecond

func newPerfCmd(opts *rootOptions) *cobra.Command {
	var (
		count int
		out   string
	)
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Record performance data from a performance-monitor device to CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := openBridge(ctx, opts, false)
			if err != nil {
				return err
			}
			defer b.Close()

			// The device paces the records; write every one.
			lc := b.cfg.PerformanceLog
			lc.Enabled, lc.IntervalMs = true, 0
			if out != "" {
				lc.Path = out
			}
			csv := logger.NewPerformance(lc)
			defer csv.Close()

			if err := device.StartPerformanceLogging(ctx, b.adapter); err != nil {
				return err
			}
			defer func() {
				if err := device.StopPerformanceLogging(context.Background(), b.adapter); err != nil {
					log.Printf("[perf] stop: %v", err)
				}
			}()

			interval := time.Duration(b.cfg.Device.Performance.LogIntervalMs) * time.Millisecond
			if interval <= 0 {
				interval = defaultPerfInterval
			}
			t := time.NewTicker(interval)
			defer t.Stop()

			n := 0
			for count == 0 || n < count {
				select {
				case <-ctx.Done():
					fmt.Fprintf(cmd.OutOrStdout(), "%d records\n", n)
					return nil
				case <-t.C:
				}
				r, err := device.PerformanceData(ctx, b.adapter)
				if err != nil {
					return err
				}
				csv.RecordPerformance(r)
				n++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records written to %s\n", n, csv.Path())
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after n records (0 runs until interrupted)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "directory for the CSV file")
	return cmd
}

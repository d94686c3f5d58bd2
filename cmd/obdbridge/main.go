package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/obdbridge/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	demo       bool
	json       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "obdbridge",
		Short: "Vehicle diagnostics over pass-through, ELM327 and bridge adapters",
		Long: `Reads and clears trouble codes, freeze frames and live PIDs, samples
PIDs into CSV with safety checks, and serves a live WebSocket feed.

Examples:
  obdbridge --demo dtc read              # Read codes from the simulated vehicle
  obdbridge pid 0C 0D 05                 # RPM, speed and coolant once
  obdbridge monitor --listen :8080       # Sample continuously and serve /ws`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to config file")
	root.PersistentFlags().BoolVar(&opts.demo, "demo", false, "use the simulated vehicle")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "JSON output")

	root.AddCommand(
		newDTCCmd(opts),
		newFreezeCmd(opts),
		newPIDCmd(opts),
		newMonitorCmd(opts),
		newPerfCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "obdbridge", version)
		},
	}
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "obdbridge:", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

func newDTCCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dtc",
		Short: "Read or clear diagnostic trouble codes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "read",
		Short: "Read stored trouble codes with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBridge(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer b.Close()

			dtcs, err := b.diag.ReadDTCs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, dtcs)
			}
			if len(dtcs) == 0 {
				fmt.Fprintln(out, "no trouble codes stored")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, d := range dtcs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Code, d.StatusString(), d.Description)
			}
			return tw.Flush()
		},
	}, &cobra.Command{
		Use:   "clear",
		Short: "Clear stored trouble codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBridge(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.diag.ClearDTCs(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "trouble codes cleared")
			return nil
		},
	})
	return cmd
}

func newFreezeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "freeze <frame-id>",
		Short: "Read a freeze frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 0, 8)
			if err != nil {
				return fmt.Errorf("frame id %q: %w", args[0], err)
			}
			b, err := openBridge(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer b.Close()

			frames, err := b.diag.ReadFreezeFrame(cmd.Context(), byte(id))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, frames)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, f := range frames {
				name, unit := pidLabel(f.PID)
				fmt.Fprintf(tw, "PID %02X\t%s\t%.2f %s\t% X\n", f.PID, name, f.Value, unit, f.Data)
			}
			return tw.Flush()
		},
	}
}

func pidLabel(pid byte) (name, unit string) {
	if c, ok := obd.LookupConversion(pid); ok {
		return c.Name, c.Unit
	}
	return "raw", ""
}

// parsePIDs accepts hex pids with or without a 0x prefix.
func parsePIDs(args []string) ([]byte, error) {
	pids := make([]byte, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(a), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("pid %q: %w", a, obd.ErrConfig)
		}
		pids = append(pids, byte(n))
	}
	return pids, nil
}

func newPIDCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pid <hex>...",
		Short: "Read live mode 1 PIDs once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pids, err := parsePIDs(args)
			if err != nil {
				return err
			}
			b, err := openBridge(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			var values []any
			for _, pid := range pids {
				v, err := b.diag.ReadPID(cmd.Context(), pid)
				if err != nil {
					return err
				}
				if opts.json {
					values = append(values, v)
					continue
				}
				name, unit := pidLabel(pid)
				fmt.Fprintf(tw, "PID %02X\t%s\t%.2f %s\n", pid, name, v.Value, unit)
			}
			if opts.json {
				return printJSON(out, values)
			}
			return tw.Flush()
		},
	}
}

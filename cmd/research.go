package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/runtime"
	"github.com/spf13/cobra"
)

func researchCMD() *cobra.Command {
	var maxCycles int
	var asJSON bool
	var research = &cobra.Command{
		Use:   "research <topic>",
		Short: "Research a topic and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runtime.SignalContext(context.Background(), "research")
			defer cancel()

			_, rt, err := loadRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())
			if maxCycles > 0 {
				rt.Loop.MaxCycles = maxCycles
				if rt.Loop.MinCycles >= maxCycles {
					rt.Loop.MinCycles = maxCycles - 1
				}
			}

			out, err := rt.Research(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Report.Markdown)
			if out.Report.Path != "" {
				fmt.Fprintf(os.Stderr, "report saved to %s (%d cycles, %s)\n", out.Report.Path, out.Cycles, out.Stopped)
			}
			return nil
		},
	}
	research.Flags().IntVar(&maxCycles, "max-cycles", 0, "override research.max_cycles")
	research.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	return research
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cantools/canstack/trace"
)

type traceFlags struct {
	output string
}

func newTraceCmd() *cobra.Command {
	flags := &traceFlags{}

	cmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Dump a captured CBOR bus trace",
		Long: `Trace reads a CBOR trace file written by "canstack simulate --trace"
and prints one line per captured frame: timestamp, identifier, flags
and payload.`,
		Example: `  canstack trace session.cbor
  canstack trace session.cbor --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.output, "output", "text", "output format: text|json")
	return cmd
}

func runTrace(path string, flags *traceFlags) error {
	records, err := trace.ReadFile(path)
	if err != nil {
		return err
	}

	switch flags.output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "text":
		for _, r := range records {
			flagsCol := ""
			if r.Extended {
				flagsCol += "X"
			}
			if r.Remote {
				flagsCol += "R"
			}
			if r.FD {
				flagsCol += "F"
			}
			if r.Acked {
				flagsCol += "A"
			}
			fmt.Printf("%s  %08X  [%d]  % X  %s\n",
				r.Time.Format("15:04:05.000000"), r.ID, len(r.Data), r.Data, flagsCol)
		}
		fmt.Printf("%d frames\n", len(records))
		return nil
	default:
		return fmt.Errorf("unknown output format %q", flags.output)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "canstack",
		Short: "Simulated CAN bus with ISO-TP and UDS diagnostics",
		Long: `canstack runs a bit-accurate simulated CAN bus and a diagnostic stack
on top of it: ISO-TP segmentation and a UDS client/server pair. It is
meant for protocol experiments, trace analysis and testing diagnostic
sequences without hardware.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newFlashCmd())
	rootCmd.AddCommand(newTraceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

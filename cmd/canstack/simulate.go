package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cantools/canstack/logging"
	"github.com/cantools/canstack/trace"
	"github.com/cantools/canstack/uds"
)

type simulateFlags struct {
	busConfig string
	profile   string
	traceFile string
	logDir    string
	duration  time.Duration
	verbose   bool
}

func newSimulateCmd() *cobra.Command {
	flags := &simulateFlags{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a diagnostic session against a simulated ECU",
		Long: `Simulate brings up a two-node bus (tester and ECU), runs a sweep of
diagnostic requests against the ECU and prints the results: VIN and
version identifiers, the active session, and the stored trouble codes.

The ECU is configured from a YAML profile; the bus from an optional
TOML file. With --trace, every frame on the bus is captured to a CBOR
trace file for later inspection with "canstack trace".`,
		Example: `  # Run with a profile and default bus settings
  canstack simulate --profile ecu.yaml

  # Capture the bus traffic while running
  canstack simulate --profile ecu.yaml --trace session.cbor

  # Custom bus timing and error confinement
  canstack simulate --profile ecu.yaml --bus bus.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(flags)
		},
	}

	cmd.Flags().StringVar(&flags.busConfig, "bus", "", "TOML bus configuration (default: two nodes, 1ms tick)")
	cmd.Flags().StringVar(&flags.profile, "profile", "", "YAML ECU diagnostic profile")
	cmd.Flags().StringVar(&flags.traceFile, "trace", "", "write a CBOR bus trace to this file")
	cmd.Flags().StringVar(&flags.logDir, "log-dir", "", "write rotating JSON logs under this directory")
	cmd.Flags().DurationVar(&flags.duration, "duration", 30*time.Second, "overall session deadline")
	cmd.Flags().BoolVar(&flags.verbose, "verbose", false, "debug-level console logging")

	return cmd
}

func runSimulate(flags *simulateFlags) error {
	level := zerolog.InfoLevel
	if flags.verbose {
		level = zerolog.DebugLevel
	}
	log := logging.Console(level)
	if flags.logDir != "" {
		fileLog, stop, err := logging.NewRotatingLogger(flags.logDir, "canstack_", level, 5*time.Minute)
		if err != nil {
			return err
		}
		defer stop()
		log = fileLog
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.duration)
	defer cancel()

	stack, err := buildStack(ctx, flags.busConfig, flags.profile, log)
	if err != nil {
		return err
	}

	var tw *trace.Writer
	if flags.traceFile != "" {
		f, err := os.Create(flags.traceFile)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()
		tw = trace.NewWriter(f)
		go trace.Capture(ctx, stack.tap, tw)
	}

	if err := runSweep(ctx, stack); err != nil {
		return err
	}

	if tw != nil {
		// Let the capture goroutine drain the tail of the tap.
		time.Sleep(50 * time.Millisecond)
		fmt.Printf("trace: %d frames written to %s\n", tw.Count(), flags.traceFile)
	}
	return nil
}

// runSweep is the scripted diagnostic conversation.
func runSweep(ctx context.Context, stack *diagStack) error {
	c := stack.client

	for _, did := range []struct {
		id   uint16
		name string
	}{
		{uds.DIDVIN, "VIN"},
		{uds.DIDECUSoftwareVersion, "software version"},
		{uds.DIDECUSerialNumber, "serial number"},
	} {
		value, err := c.ReadDataByIdentifier(ctx, did.id)
		if err != nil {
			if nre, ok := err.(*uds.NegativeResponseError); ok {
				fmt.Printf("%-18s not available (NRC 0x%02X)\n", did.name+":", nre.NRC)
				continue
			}
			return fmt.Errorf("read %s: %w", did.name, err)
		}
		fmt.Printf("%-18s %s\n", did.name+":", value)
	}

	timing, err := c.DiagnosticSessionControl(ctx, uds.SessionExtended)
	if err != nil {
		return fmt.Errorf("enter extended session: %w", err)
	}
	fmt.Printf("%-18s extended (P2=%v P2*=%v)\n", "session:", timing.P2, timing.P2Star)
	c.StartTesterPresent(ctx, time.Second)
	defer c.StopTesterPresent()

	dtcs, err := c.ReadDTCByStatusMask(ctx, 0xFF)
	if err != nil {
		return fmt.Errorf("read DTCs: %w", err)
	}
	if len(dtcs) == 0 {
		fmt.Printf("%-18s none\n", "trouble codes:")
	}
	for _, d := range dtcs {
		fmt.Printf("%-18s %06X status 0x%02X\n", "trouble code:", d.Code, d.Status)
	}
	return nil
}

package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/emulator"
	"github.com/srg/sensorlink/internal/ptyio"
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Emulate a BioHarness on a pseudo-terminal",
	Long: `Create a pseudo-terminal that behaves like a BioHarness serial port.

The emulator acknowledges enable requests and streams synthetic General and
Breathing packets once per period. Point "sensorlink listen" (or any other
client) at the printed device path.`,
	Example: `  sensorlink emulate --period 500ms
  sensorlink emulate --duration 1m --seed 7`,
	RunE: runEmulate,
}

var (
	emulatePeriod   time.Duration
	emulateDuration time.Duration
	emulateSeed     uint64
)

func init() {
	emulateCmd.Flags().DurationVarP(&emulatePeriod, "period", "p", 0, "Packet period; defaults to the config value")
	emulateCmd.Flags().DurationVarP(&emulateDuration, "duration", "d", 0, "Stop after this long (0 until Ctrl+C)")
	emulateCmd.Flags().Uint64Var(&emulateSeed, "seed", 0, "Seed for synthetic vitals; defaults to the config value")
}

func runEmulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if emulatePeriod > 0 {
		cfg.Emulator.Period = emulatePeriod
	}
	if emulateSeed != 0 {
		cfg.Emulator.Seed = emulateSeed
	}

	cmd.SilenceUsage = true
	logger := configureLogger(cmd, cfg)

	port, err := ptyio.Open(cfg.PTY, logger)
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "BioHarness emulator on %s\n", port.Name())

	ctx, cancel := runContext(cmd.Context(), emulateDuration)
	defer cancel()

	emu := emulator.New(port, logger, cfg.Emulator)
	if err := emu.Run(ctx); err != nil {
		return err
	}

	stats := port.Stats()
	logger.WithFields(logrus.Fields{
		"bytes_read":    stats.BytesRead,
		"bytes_written": stats.BytesWritten,
		"dropped":       stats.DroppedWrite,
	}).Info("Emulator stopped")
	return nil
}

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/dispatch"
	"github.com/srg/sensorlink/internal/display"
	"github.com/srg/sensorlink/internal/osc"
	"github.com/srg/sensorlink/internal/sensor"
)

var listenCmd = &cobra.Command{
	Use:   "listen [device]",
	Short: "Read BioHarness vitals and forward them over OSC",
	Long: `Connect to a BioHarness serial port, enable General and Breathing packets,
and forward heart rate, respiration, skin temperature, posture, peak
acceleration and the raw breathing waveform.

Every value is printed locally and sent as a string to
/controller/<FIELD> on the OSC controller.`,
	Example: `  sensorlink listen /dev/rfcomm0
  sensorlink listen /dev/pts/4 --osc-host 127.0.0.1 --osc-port 9000
  sensorlink listen /dev/rfcomm0 --no-osc --duration 30s`,
	Args: cobra.MaximumNArgs(1),
	RunE: runListen,
}

var (
	listenOSCHost     string
	listenOSCPort     int
	listenNoOSC       bool
	listenNoColor     bool
	listenDropCorrupt bool
	listenDuration    time.Duration
)

func init() {
	listenCmd.Flags().StringVar(&listenOSCHost, "osc-host", "", "OSC controller host; defaults to the config value")
	listenCmd.Flags().IntVar(&listenOSCPort, "osc-port", 0, "OSC controller port; defaults to the config value")
	listenCmd.Flags().BoolVar(&listenNoOSC, "no-osc", false, "Only print values locally")
	listenCmd.Flags().BoolVar(&listenNoColor, "no-color", false, "Disable colored output")
	listenCmd.Flags().BoolVar(&listenDropCorrupt, "drop-corrupt", false, "Discard packets that fail the CRC check")
	listenCmd.Flags().DurationVarP(&listenDuration, "duration", "d", 0, "Stop after this long (0 until Ctrl+C)")
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Sensor.Device = args[0]
	}
	if cfg.Sensor.Device == "" {
		return errors.New("no serial device given; pass one or set sensor.device in the config")
	}
	if listenOSCHost != "" {
		cfg.OSC.Host = listenOSCHost
	}
	if listenOSCPort != 0 {
		cfg.OSC.Port = listenOSCPort
	}
	if listenDropCorrupt {
		cfg.Dispatch.DropCorrupt = true
	}

	cmd.SilenceUsage = true
	logger := configureLogger(cmd, cfg)

	link, err := sensor.Open(logger, cfg.Sensor)
	if err != nil {
		return err
	}
	defer link.Close()

	var colorOpt *bool
	if listenNoColor {
		off := false
		colorOpt = &off
	}
	console := display.New(cmd.OutOrStdout(), display.Options{Color: colorOpt})

	// Left nil when disabled so the dispatcher skips the sink entirely.
	var network dispatch.NetworkSink
	if !listenNoOSC {
		sender, err := osc.NewSender(logger, cfg.OSC)
		if err != nil {
			return err
		}
		defer sender.Close()
		if err := sender.Connect(); err != nil {
			logger.WithError(err).Warn("OSC controller not reachable, values are still sent")
		}
		network = sender
	}

	d := dispatch.New(console, network, logger, cfg.Dispatch)

	ctx, cancel := runContext(cmd.Context(), listenDuration)
	defer cancel()

	fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s. Press Ctrl+C to stop.\n", cfg.Sensor.Device)
	runErr := link.Run(ctx, d.OnPacket)

	stats := d.Stats()
	queue := link.Stats()
	logger.WithFields(logrus.Fields{
		"packets":       stats.Packets,
		"fields":        stats.Fields,
		"rejected":      stats.Rejected,
		"unknown":       stats.Unknown,
		"sink_failures": stats.SinkFailures,
		"delivered":     queue.Popped,
		"queue_dropped": queue.Dropped,
	}).Info("Listener stopped")

	return runErr
}

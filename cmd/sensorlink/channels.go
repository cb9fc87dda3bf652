package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/channel"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/radio"
	"github.com/srg/sensorlink/internal/radio/antusb"
	"github.com/srg/sensorlink/internal/radio/sim"
	"github.com/srg/sensorlink/internal/ringchan"
	"github.com/srg/sensorlink/pkg/config"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Open ANT channels and watch their broadcast data",
	Long: `Open bidirectional ANT channels on the radio and print every state change.

Masters broadcast a counter in byte 0 that goes up by one per transmission.
Slaves show the last counter they received. Any channel failure is terminal
and shows up as an error line. When the duration elapses (or on Ctrl+C) all
channels are closed and a summary is printed.`,
	Example: `  sensorlink channels --radio sim --masters 2 --duration 5s
  sensorlink channels --masters 1 --slaves 1 --format json`,
	RunE: runChannels,
}

var (
	channelsRadio    string
	channelsMasters  int
	channelsSlaves   int
	channelsDuration time.Duration
	channelsFormat   string
	channelsQuiet    bool
)

func init() {
	channelsCmd.Flags().StringVarP(&channelsRadio, "radio", "r", "", "Radio backend (usb, sim); defaults to the config value")
	channelsCmd.Flags().IntVarP(&channelsMasters, "masters", "m", 1, "Number of master channels to open")
	channelsCmd.Flags().IntVarP(&channelsSlaves, "slaves", "s", 0, "Number of slave channels to open")
	channelsCmd.Flags().DurationVarP(&channelsDuration, "duration", "d", 10*time.Second, "How long to keep channels open (0 until Ctrl+C)")
	channelsCmd.Flags().StringVarP(&channelsFormat, "format", "f", "table", "Summary format (table, json)")
	channelsCmd.Flags().BoolVarP(&channelsQuiet, "quiet", "q", false, "Only print the summary")
}

// radioProvider is what the channels command needs from a radio backend.
type radioProvider interface {
	radio.Provider
	SetAvailabilityHandler(h radio.AvailabilityHandler)
	SetDisconnectHandler(h radio.DisconnectHandler)
}

func runChannels(cmd *cobra.Command, args []string) error {
	if channelsFormat != "table" && channelsFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", channelsFormat)
	}
	if channelsMasters < 0 || channelsSlaves < 0 || channelsMasters+channelsSlaves == 0 {
		return errors.New("at least one master or slave channel is required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if channelsRadio != "" {
		cfg.Radio = channelsRadio
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	logger := configureLogger(cmd, cfg)
	out := cmd.OutOrStdout()

	provider, closeRadio, err := openRadio(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer closeRadio()

	registry := channel.NewRegistry(logger)
	var printer *channelPrinter
	if !channelsQuiet {
		printer = newChannelPrinter(cmd.Context(), out, 256)
		registry.SetListener(printer)
	}
	provider.SetAvailabilityHandler(registry.OnAvailabilityChanged)
	provider.SetDisconnectHandler(registry.OnProviderDisconnected)
	registry.Bind(provider)

	ctx, cancel := runContext(cmd.Context(), channelsDuration)
	defer cancel()

	opened, err := openChannels(registry, channelsMasters, channelsSlaves, logger)
	if opened == 0 {
		registry.CloseAll()
		if printer != nil {
			printer.Close()
		}
		return err
	}

	<-ctx.Done()

	infos := registry.ListAllChannelInfo()
	registry.CloseAll()
	if printer != nil {
		printer.Close()
	}

	return printChannelSummary(out, infos, channelsFormat)
}

// openRadio creates the configured backend and a func releasing it.
func openRadio(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (radioProvider, func(), error) {
	switch cfg.Radio {
	case config.RadioSim:
		return sim.New(logger, cfg.Sim), func() {}, nil
	case config.RadioUSB:
		p, err := antusb.Open(ctx, logger, cfg.USB)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {
			if err := p.Close(); err != nil {
				logger.WithError(err).Warn("Closing ANT stick failed")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown radio %q", cfg.Radio)
	}
}

// openChannels acquires masters first, then slaves, and stops at the first
// acquisition failure.
func openChannels(r *channel.Registry, masters, slaves int, logger *logrus.Logger) (int, error) {
	opened := 0
	for i := 0; i < masters+slaves; i++ {
		isMaster := i < masters
		info, err := r.AcquireChannel(isMaster)
		if err != nil {
			logger.WithError(err).WithField("opened", opened).Warn("Stopped acquiring channels")
			return opened, err
		}
		opened++
		logger.WithFields(logrus.Fields{
			"device_number": info.DeviceNumber,
			"master":        info.IsMaster,
		}).Debug("Channel acquired")
	}
	return opened, nil
}

func printChannelSummary(w io.Writer, infos []channel.Info, format string) error {
	if format == "json" {
		if infos == nil {
			infos = []channel.Info{}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(w, "No channels open")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tROLE\tCOUNTER\tSTATUS")
	fmt.Fprintln(tw, "------\t----\t-------\t------")
	for _, info := range infos {
		role := "slave"
		if info.IsMaster {
			role = "master"
		}
		status := "ok"
		if info.Error {
			status = info.ErrorString()
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", info.DeviceNumber, role, info.Counter(), status)
	}
	return tw.Flush()
}

type printerLine struct {
	at   time.Time
	text string
}

// channelPrinter implements channel.Listener. Notifications are queued and
// written by a separate goroutine so the registry is never blocked on output.
type channelPrinter struct {
	out   io.Writer
	queue *ringchan.Queue[printerLine]
	done  chan struct{}
}

func newChannelPrinter(ctx context.Context, out io.Writer, size int) *channelPrinter {
	p := &channelPrinter{
		out:   out,
		queue: ringchan.New[printerLine](size),
		done:  make(chan struct{}),
	}
	groutine.Go(ctx, "channel-printer", func(context.Context) {
		defer close(p.done)
		for line := range p.queue.C() {
			fmt.Fprintf(p.out, "%s %s\n", line.at.Format("15:04:05.000"), line.text)
		}
	})
	return p
}

func (p *channelPrinter) OnChannelChanged(info channel.Info) {
	p.queue.Push(printerLine{at: time.Now(), text: info.String()})
}

func (p *channelPrinter) OnChannelAvailable(available bool) {
	text := "channels available"
	if !available {
		text = "no channels available"
	}
	p.queue.Push(printerLine{at: time.Now(), text: text})
}

// Close flushes queued lines and stops the printer.
func (p *channelPrinter) Close() {
	p.queue.Close()
	<-p.done
}

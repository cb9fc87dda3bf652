// Package sensor talks to a BioHarness over its Bluetooth serial port.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/ringchan"
	"github.com/srg/sensorlink/internal/zephyr"
	"github.com/tarm/serial"
)

// PacketHandler receives every data packet read from the device.
type PacketHandler func(zephyr.Packet)

// Options configures the serial link.
type Options struct {
	Device           string        `yaml:"device"`
	Baud             int           `yaml:"baud" default:"115200"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"200ms"`
	LifesignInterval time.Duration `yaml:"lifesign_interval" default:"2s"`
	QueueSize        int           `yaml:"queue_size" default:"64"`
	StreamBuffer     int           `yaml:"stream_buffer" default:"4096"`

	// Packets lists the periodic packets to enable. Empty means General and
	// Breathing.
	Packets []zephyr.MessageID `yaml:"-"`
}

// maxFastEOFs bounds how many empty reads returning well before ReadTimeout
// are tolerated in a row. A serial port signals a read timeout with io.EOF;
// a port whose device went away returns io.EOF immediately, forever.
const maxFastEOFs = 20

// DefaultPackets are enabled when Options.Packets is empty.
var DefaultPackets = []zephyr.MessageID{zephyr.MsgGeneral, zephyr.MsgBreathing}

// Link is a BioHarness connection. Packets are decoded on the reader
// goroutine and handed to the handler from a separate delivery goroutine, so a
// slow handler drops old packets instead of stalling the serial port.
type Link struct {
	port   io.ReadWriteCloser
	opts   Options
	logger *logrus.Logger

	writeMu sync.Mutex
	queue   *ringchan.Queue[zephyr.Packet]
	stream  *zephyr.Stream

	closeOnce sync.Once
}

// Open opens the serial device named in opts.
func Open(logger *logrus.Logger, opts Options) (*Link, error) {
	defaults.SetDefaults(&opts)
	if opts.Device == "" {
		return nil, errors.New("no serial device configured")
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        opts.Device,
		Baud:        opts.Baud,
		ReadTimeout: opts.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Device, err)
	}
	return NewLink(port, logger, opts), nil
}

// NewLink wraps an already open port.
func NewLink(port io.ReadWriteCloser, logger *logrus.Logger, opts Options) *Link {
	defaults.SetDefaults(&opts)
	if len(opts.Packets) == 0 {
		opts.Packets = DefaultPackets
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Link{
		port:   port,
		opts:   opts,
		logger: logger,
		queue:  ringchan.New[zephyr.Packet](opts.QueueSize),
		stream: zephyr.NewStream(opts.StreamBuffer),
	}
}

// Run enables the configured packets and reads until ctx is done or the port
// fails. It returns nil on cancellation. Run may only be called once.
func (l *Link) Run(ctx context.Context, handler PacketHandler) error {
	log := l.logger.WithField("device", l.opts.Device)

	for _, t := range l.opts.Packets {
		req, ok := zephyr.RequestFor(t)
		if !ok {
			log.WithField("packet", t).Warn("Packet type has no enable request")
			continue
		}
		if err := l.write(zephyr.EnableRequest(req, true)); err != nil {
			return fmt.Errorf("enable %s packets: %w", t, err)
		}
		log.WithField("packet", t).Debug("Enabled periodic packet")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	delivered := make(chan struct{})
	groutine.Go(ctx, "sensor-delivery", func(ctx context.Context) {
		defer close(delivered)
		for {
			pkt, ok := l.queue.Pop()
			if !ok {
				return
			}
			handler(pkt)
		}
	})

	groutine.Go(ctx, "sensor-lifesign", func(ctx context.Context) {
		ticker := time.NewTicker(l.opts.LifesignInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.write(zephyr.Lifesign()); err != nil {
					log.WithError(err).Warn("Lifesign failed")
				}
			}
		}
	})

	err := l.readLoop(ctx, log)

	l.queue.Close()
	<-delivered

	if stats := l.queue.Stats(); stats.Dropped > 0 {
		log.WithField("dropped", stats.Dropped).Warn("Packets dropped by slow consumer")
	}
	return err
}

func (l *Link) readLoop(ctx context.Context, log *logrus.Entry) error {
	buf := make([]byte, 256)
	fastEOFs := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		n, err := l.port.Read(buf)
		if n > 0 {
			fastEOFs = 0
			if kept, _ := l.stream.Write(buf[:n]); kept < n {
				log.WithField("dropped", n-kept).Warn("Serial buffer overflow")
			}
			l.drain(log)
		}
		if err != nil {
			// a read timeout on a serial port surfaces as EOF
			if errors.Is(err, io.EOF) && n == 0 {
				if time.Since(start) >= l.opts.ReadTimeout/2 {
					fastEOFs = 0
					continue
				}
				if fastEOFs++; fastEOFs < maxFastEOFs {
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read %s: %w", l.opts.Device, io.ErrUnexpectedEOF)
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", l.opts.Device, err)
		}
	}
}

func (l *Link) drain(log *logrus.Entry) {
	for {
		pkt, ok := l.stream.Next()
		if !ok {
			return
		}
		switch pkt.Terminator {
		case zephyr.ACK:
			log.WithField("request", pkt.Type).Debug("Request acknowledged")
		case zephyr.NAK:
			log.WithField("request", pkt.Type).Warn("Request rejected by device")
		default:
			l.queue.Push(pkt)
		}
	}
}

func (l *Link) write(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.port.Write(frame)
	return err
}

// Stats returns the packet queue counters.
func (l *Link) Stats() ringchan.Stats {
	return l.queue.Stats()
}

// Close closes the serial port.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.port.Close()
	})
	return err
}

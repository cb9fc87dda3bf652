// Package emulator plays the device side of the BioHarness serial protocol.
// It acknowledges enable requests and lifesigns and streams synthetic
// packets for every enabled type, so the rest of the pipeline can run without
// hardware.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/zephyr"
)

type Options struct {
	Period time.Duration `yaml:"period" default:"1s"`
	Seed   uint64        `yaml:"seed" default:"1"`
	// StreamBuffer bounds unparsed request bytes.
	StreamBuffer int `yaml:"stream_buffer" default:"1024"`
}

// Emulator serves one host over rw.
type Emulator struct {
	rw     io.ReadWriter
	opts   Options
	logger *logrus.Logger
	stream *zephyr.Stream

	writeMu sync.Mutex

	mu        sync.Mutex
	enabled   map[zephyr.MessageID]bool
	lifesigns int
	seq       map[zephyr.MessageID]byte
	vitals    *Vitals
}

func New(rw io.ReadWriter, logger *logrus.Logger, opts Options) *Emulator {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Emulator{
		rw:      rw,
		opts:    opts,
		logger:  logger,
		stream:  zephyr.NewStream(opts.StreamBuffer),
		enabled: make(map[zephyr.MessageID]bool),
		seq:     make(map[zephyr.MessageID]byte),
		vitals:  NewVitals(opts.Seed),
	}
}

// Run serves requests and emits packets every period until ctx is done. A
// closed transport ends Run with nil.
func (e *Emulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	groutine.Go(ctx, "emulator-reader", func(ctx context.Context) {
		readErr <- e.readLoop(ctx)
		cancel()
	})

	ticker := time.NewTicker(e.opts.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			select {
			case err := <-readErr:
				return err
			default:
				return nil
			}
		case now := <-ticker.C:
			if err := e.tick(now); err != nil {
				if hostGone(err) || ctx.Err() != nil {
					e.logger.Debug("Emulator host went away")
					return nil
				}
				return err
			}
		}
	}
}

// Enabled reports whether periodic packet t is being streamed.
func (e *Emulator) Enabled(t zephyr.MessageID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled[t]
}

// Lifesigns returns how many lifesign frames the host has sent.
func (e *Emulator) Lifesigns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifesigns
}

func (e *Emulator) readLoop(ctx context.Context) error {
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := e.rw.Read(buf)
		if n > 0 {
			if kept, _ := e.stream.Write(buf[:n]); kept < n {
				e.logger.WithField("dropped", n-kept).Warn("Emulator request buffer overflow")
			}
			for {
				pkt, ok := e.stream.Next()
				if !ok {
					break
				}
				if err := e.handle(pkt); err != nil {
					if hostGone(err) {
						return nil
					}
					return err
				}
			}
		}
		if err != nil {
			if hostGone(err) || ctx.Err() != nil {
				e.logger.Debug("Emulator host went away")
				return nil
			}
			return fmt.Errorf("emulator read: %w", err)
		}
	}
	return nil
}

func (e *Emulator) handle(req zephyr.Packet) error {
	log := e.logger.WithField("request", req.Type)

	if !req.CRCValid {
		log.Warn("Request with bad CRC")
		return e.write(zephyr.Response(req.Type, false))
	}

	if req.Type == zephyr.MsgLifesign {
		e.mu.Lock()
		e.lifesigns++
		e.mu.Unlock()
		log.Trace("Lifesign")
		return nil
	}

	packet, ok := zephyr.PacketFor(req.Type)
	if !ok || len(req.Payload) != 1 {
		log.Debug("Unsupported request")
		return e.write(zephyr.Response(req.Type, false))
	}

	enable := req.Payload[0] != 0
	e.mu.Lock()
	e.enabled[packet] = enable
	e.mu.Unlock()

	log.WithFields(logrus.Fields{
		"packet":  packet,
		"enabled": enable,
	}).Info("Periodic packet toggled")
	return e.write(zephyr.Response(req.Type, true))
}

var streamOrder = []zephyr.MessageID{
	zephyr.MsgGeneral,
	zephyr.MsgBreathing,
	zephyr.MsgECG,
	zephyr.MsgRtoR,
	zephyr.MsgAccel,
	zephyr.MsgSummary,
}

func (e *Emulator) tick(now time.Time) error {
	for _, t := range streamOrder {
		payload, ok := e.payload(t, now)
		if !ok {
			continue
		}
		frame, err := zephyr.Encode(t, payload, zephyr.ETX)
		if err != nil {
			return err
		}
		if err := e.write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emulator) payload(t zephyr.MessageID, now time.Time) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled[t] {
		return nil, false
	}
	seq := e.seq[t]
	e.seq[t] = seq + 1

	switch t {
	case zephyr.MsgGeneral:
		g := e.vitals.General()
		g.Sequence = seq
		g.Timestamp = now
		return zephyr.EncodeGeneral(g), true
	case zephyr.MsgBreathing:
		return zephyr.EncodeBreathing(seq, now, e.vitals.Breathing()), true
	default:
		p := make([]byte, zephyr.HeaderSize)
		p[0] = seq
		return p, true
	}
}

func hostGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func (e *Emulator) write(frame []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.rw.Write(frame); err != nil {
		return fmt.Errorf("emulator write: %w", err)
	}
	return nil
}

// Package dispatch turns BioHarness packets into named fields and pushes each
// field to a local display and to the network.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/zephyr"
)

// Field names as seen by display and network consumers. PEAK_ACCLERATION is
// spelled the way existing receivers expect it.
const (
	FieldHeartRate        = "HEART_RATE"
	FieldRespirationRate  = "RESPIRATION_RATE"
	FieldSkinTemperature  = "SKIN_TEMPERATURE"
	FieldPosture          = "POSTURE"
	FieldPeakAcceleration = "PEAK_ACCLERATION"
	FieldBreathingRaw     = "BREATHING_RAW"
)

// PathPrefix is prepended to the field name to build the network path.
const PathPrefix = "/controller/"

// DisplaySink shows the latest value of each field.
type DisplaySink interface {
	Update(name, value string) error
}

// NetworkSink forwards a value to a remote consumer.
type NetworkSink interface {
	Send(path, value string) error
}

// Field is one decoded value.
type Field struct {
	Name  string
	Value string
}

type Options struct {
	// DropCorrupt discards packets whose CRC did not match.
	DropCorrupt bool `yaml:"drop_corrupt" default:"false"`
}

// Stats counts what the dispatcher has seen.
type Stats struct {
	Packets      uint64
	Fields       uint64
	Rejected     uint64
	Unknown      uint64
	SinkFailures uint64
}

// Dispatcher is safe for concurrent use. Sinks are called synchronously on
// the goroutine calling OnPacket.
type Dispatcher struct {
	display DisplaySink
	network NetworkSink
	opts    Options
	logger  *logrus.Logger

	packets      atomic.Uint64
	fields       atomic.Uint64
	rejected     atomic.Uint64
	unknown      atomic.Uint64
	sinkFailures atomic.Uint64
}

// New creates a dispatcher. Either sink may be nil.
func New(display DisplaySink, network NetworkSink, logger *logrus.Logger, opts Options) *Dispatcher {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		display: display,
		network: network,
		opts:    opts,
		logger:  logger,
	}
}

// OnPacket decodes pkt and emits its fields to both sinks.
func (d *Dispatcher) OnPacket(pkt zephyr.Packet) {
	d.packets.Add(1)

	log := d.logger.WithFields(logrus.Fields{
		"type":  pkt.Type,
		"bytes": pkt.ReceivedBytes,
	})

	if !pkt.CRCValid {
		if d.opts.DropCorrupt {
			d.rejected.Add(1)
			log.Warn("Dropping packet with bad CRC")
			return
		}
		log.Debug("Packet CRC mismatch")
	}

	fields, err := Decode(pkt)
	if err != nil {
		if isUnknown(err) {
			d.unknown.Add(1)
			log.Debug("Unhandled packet type")
			return
		}
		d.rejected.Add(1)
		log.WithError(err).Warn("Rejecting malformed packet")
		return
	}

	d.logDiagnostics(pkt)

	for _, f := range fields {
		d.emit(f)
	}
}

// Decode extracts the forwarded fields of a packet. Diagnostic-only packet
// types decode to no fields.
func Decode(pkt zephyr.Packet) ([]Field, error) {
	switch pkt.Type {
	case zephyr.MsgGeneral:
		g, err := zephyr.DecodeGeneral(pkt.Payload)
		if err != nil {
			return nil, err
		}
		return []Field{
			{FieldHeartRate, strconv.Itoa(g.HeartRate)},
			{FieldRespirationRate, FormatDecimal(g.RespirationRate)},
			{FieldSkinTemperature, FormatDecimal(g.SkinTemperature)},
			{FieldPosture, strconv.Itoa(g.Posture)},
			{FieldPeakAcceleration, FormatDecimal(g.PeakAcceleration)},
		}, nil

	case zephyr.MsgBreathing:
		samples, err := zephyr.DecodeBreathing(pkt.Payload)
		if err != nil {
			return nil, err
		}
		return []Field{{FieldBreathingRaw, JoinSamples(samples)}}, nil

	case zephyr.MsgECG, zephyr.MsgRtoR, zephyr.MsgAccel, zephyr.MsgSummary:
		if _, err := zephyr.DecodeSequence(pkt.Type, pkt.Payload); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, &UnknownTypeError{Type: pkt.Type}
	}
}

// UnknownTypeError is returned by Decode for packet types it does not handle.
type UnknownTypeError struct {
	Type zephyr.MessageID
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unhandled packet type %s", e.Type)
}

func isUnknown(err error) bool {
	_, ok := err.(*UnknownTypeError)
	return ok
}

// logDiagnostics logs what is decoded but never forwarded.
func (d *Dispatcher) logDiagnostics(pkt zephyr.Packet) {
	switch pkt.Type {
	case zephyr.MsgGeneral:
		if g, err := zephyr.DecodeGeneral(pkt.Payload); err == nil {
			d.logger.WithFields(logrus.Fields{
				"sequence": g.Sequence,
				"rog":      g.ROGStatus,
			}).Debug("General packet")
		}
	case zephyr.MsgECG, zephyr.MsgRtoR, zephyr.MsgAccel, zephyr.MsgSummary:
		if seq, err := zephyr.DecodeSequence(pkt.Type, pkt.Payload); err == nil {
			d.logger.WithFields(logrus.Fields{
				"type":     pkt.Type,
				"sequence": seq,
			}).Debug("Packet sequence number")
		}
	}
}

func (d *Dispatcher) emit(f Field) {
	d.fields.Add(1)

	if d.display != nil {
		d.deliver("display", f, func() error { return d.display.Update(f.Name, f.Value) })
	}
	if d.network != nil {
		d.deliver("network", f, func() error { return d.network.Send(PathPrefix+f.Name, f.Value) })
	}
}

// deliver calls one sink, containing both errors and panics so the other sink
// still gets the field.
func (d *Dispatcher) deliver(sink string, f Field, call func() error) {
	defer func() {
		if r := recover(); r != nil {
			d.sinkFailures.Add(1)
			d.logger.WithFields(logrus.Fields{
				"sink":  sink,
				"field": f.Name,
			}).Errorf("Sink panicked: %v", r)
		}
	}()

	if err := call(); err != nil {
		d.sinkFailures.Add(1)
		d.logger.WithError(err).WithFields(logrus.Fields{
			"sink":  sink,
			"field": f.Name,
		}).Warn("Sink delivery failed")
	}
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Packets:      d.packets.Load(),
		Fields:       d.fields.Load(),
		Rejected:     d.rejected.Load(),
		Unknown:      d.unknown.Load(),
		SinkFailures: d.sinkFailures.Load(),
	}
}

// FormatDecimal renders v with at least one fractional digit: 72 is "72.0",
// 14.8 is "14.8".
func FormatDecimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// JoinSamples renders samples as space separated decimals.
func JoinSamples(samples []int16) string {
	parts := make([]string, len(samples))
	for i, s := range samples {
		parts[i] = strconv.Itoa(int(s))
	}
	return strings.Join(parts, " ")
}

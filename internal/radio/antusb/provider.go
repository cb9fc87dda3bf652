// Package antusb implements radio.Provider on an ANT USB stick speaking the
// ANT serial message protocol.
//
// One reader goroutine owns the inbound byte stream. It decodes frames and
// routes them by channel number: command responses wake the command waiting
// on that channel, radio events and data are queued to the channel's delivery
// goroutine, which is the only place link event handlers run.
package antusb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/ant"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/radio"
)

var (
	ErrTimeout      = errors.New("timed out waiting for radio response")
	ErrDisconnected = errors.New("radio disconnected")
	ErrClosed       = errors.New("provider closed")
)

// Transport is the raw byte pipe to the stick.
type Transport interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Options configures the stick and the provider. Zero fields take the
// defaults in the struct tags.
type Options struct {
	VendorID        int           `yaml:"vendor_id" default:"4047"`  // 0x0FCF
	ProductID       int           `yaml:"product_id" default:"4105"` // 0x1009, 0x1008 for older sticks
	MaxChannels     int           `yaml:"max_channels" default:"8"`
	ResponseTimeout time.Duration `yaml:"response_timeout" default:"2s"`
	CloseTimeout    time.Duration `yaml:"close_timeout" default:"2s"`
	EventQueueSize  int           `yaml:"event_queue_size" default:"64"`
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	var o Options
	defaults.SetDefaults(&o)
	return o
}

// Provider hands out the stick's channels as radio.Links.
type Provider struct {
	transport Transport
	opts      Options
	logger    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	// routes maps channel number to the link holding it
	routes *hashmap.Map[uint8, *link]
	system chan ant.Message

	slotsMu sync.Mutex
	inUse   []bool

	handlersMu     sync.RWMutex
	onAvailability radio.AvailabilityHandler
	onDisconnect   radio.DisconnectHandler

	dead    atomic.Bool
	deadCh  chan struct{}
	closing atomic.Bool
}

// NewProvider resets the stick behind t, learns how many channels it has and
// starts reading from it.
func NewProvider(ctx context.Context, t Transport, logger *logrus.Logger, opts Options) (*Provider, error) {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Provider{
		transport: t,
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		routes:    hashmap.New[uint8, *link](),
		system:    make(chan ant.Message, 4),
		deadCh:    make(chan struct{}),
	}

	groutine.Go(ctx, "antusb-reader", p.readLoop)

	n, err := p.initialize()
	if err != nil {
		p.shutdown()
		return nil, err
	}
	p.inUse = make([]bool, n)

	logger.WithField("channels", n).Info("ANT radio ready")
	return p, nil
}

// initialize resets the stick and returns the usable channel count.
func (p *Provider) initialize() (int, error) {
	if err := p.write(ant.SystemReset()); err != nil {
		return 0, &radio.RemoteError{Op: "reset", Err: err}
	}
	if _, err := p.waitSystem(ant.MsgStartup); err != nil {
		p.logger.Warn("No startup message after reset, continuing")
	}

	if err := p.write(ant.RequestMessage(0, ant.MsgCapabilities)); err != nil {
		return 0, &radio.RemoteError{Op: "capabilities", Err: err}
	}

	n := p.opts.MaxChannels
	msg, err := p.waitSystem(ant.MsgCapabilities)
	switch {
	case err != nil:
		p.logger.WithField("fallback", n).Warn("Capabilities not reported, using configured channel count")
	case len(msg.Payload) > 0 && msg.Payload[0] > 0:
		if reported := int(msg.Payload[0]); reported < n {
			n = reported
		}
	}
	return n, nil
}

func (p *Provider) waitSystem(id ant.MessageID) (ant.Message, error) {
	timer := time.NewTimer(p.opts.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-p.system:
			if msg.ID == id {
				return msg, nil
			}
		case <-timer.C:
			return ant.Message{}, ErrTimeout
		case <-p.deadCh:
			return ant.Message{}, ErrDisconnected
		}
	}
}

// SetAvailabilityHandler registers the callback raised with the free channel
// count after every acquire and release.
func (p *Provider) SetAvailabilityHandler(h radio.AvailabilityHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.onAvailability = h
}

// SetDisconnectHandler registers the callback raised once when the stick is
// lost. It runs on the reader goroutine.
func (p *Provider) SetDisconnectHandler(h radio.DisconnectHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.onDisconnect = h
}

// AcquireChannel claims the lowest free channel.
func (p *Provider) AcquireChannel() (radio.Link, error) {
	if p.closing.Load() {
		return nil, ErrClosed
	}
	if p.dead.Load() {
		return nil, &radio.RemoteError{Op: "acquire", Err: ErrDisconnected}
	}

	p.slotsMu.Lock()
	number := -1
	for i, used := range p.inUse {
		if !used {
			number = i
			break
		}
	}
	if number < 0 {
		p.slotsMu.Unlock()
		return nil, radio.ErrUnavailable
	}
	p.inUse[number] = true
	l := newLink(p, uint8(number))
	p.routes.Set(l.number, l)
	p.slotsMu.Unlock()

	l.start(p.ctx)
	p.logger.WithField("channel", number).Debug("Acquired radio channel")

	p.notifyAvailability()
	return l, nil
}

// NumChannelsAvailable returns the number of free channels.
func (p *Provider) NumChannelsAvailable() int {
	if p.dead.Load() || p.closing.Load() {
		return 0
	}
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()

	free := 0
	for _, used := range p.inUse {
		if !used {
			free++
		}
	}
	return free
}

func (p *Provider) freeSlot(number uint8) {
	p.slotsMu.Lock()
	if int(number) < len(p.inUse) {
		p.inUse[number] = false
	}
	p.slotsMu.Unlock()
	p.routes.Del(number)
}

func (p *Provider) notifyAvailability() {
	p.handlersMu.RLock()
	h := p.onAvailability
	p.handlersMu.RUnlock()
	if h != nil {
		h(p.NumChannelsAvailable())
	}
}

// Close stops the reader and closes the transport. Links still held are not
// released on the stick; release them first for a clean shutdown.
func (p *Provider) Close() error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}
	return p.shutdown()
}

func (p *Provider) shutdown() error {
	p.closing.Store(true)
	p.cancel()
	err := p.transport.Close()
	<-p.done

	p.routes.Range(func(_ uint8, l *link) bool {
		l.events.Close()
		return true
	})
	return err
}

func (p *Provider) write(msg ant.Message) error {
	frame, err := ant.Encode(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.transport.Write(frame); err != nil {
		return err
	}
	p.logger.WithField("message", msg).Trace("ANT TX")
	return nil
}

func (p *Provider) readLoop(ctx context.Context) {
	defer close(p.done)

	buf := make([]byte, 64)
	var pending []byte

	for {
		n, err := p.transport.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || p.closing.Load() {
				return
			}
			p.disconnect(err)
			return
		}
		pending = p.drain(append(pending, buf[:n]...))
	}
}

// drain decodes every complete frame in pending and returns what is left.
func (p *Provider) drain(pending []byte) []byte {
	for len(pending) > 0 {
		msg, consumed, err := ant.Decode(pending)
		pending = pending[consumed:]

		switch {
		case err == nil:
			p.route(msg)
		case errors.Is(err, ant.ErrShortFrame):
			return pending
		default:
			p.logger.WithError(err).WithField("skipped", consumed).Debug("Discarding bytes from radio")
		}
	}
	return pending
}

func (p *Provider) route(msg ant.Message) {
	p.logger.WithField("message", msg).Trace("ANT RX")

	switch msg.ID {
	case ant.MsgChannelEvent:
		ev, ok := ant.ParseChannelEvent(msg)
		if !ok {
			p.logger.WithField("message", msg).Debug("Malformed channel event")
			return
		}
		if l, ok := p.routes.Get(ev.Channel); ok {
			l.onChannelEvent(ev)
			return
		}
		p.logger.WithField("event", ev.Code).Debug("Event for unrouted channel")

	case ant.MsgBroadcastData, ant.MsgAcknowledgedData:
		ch, _ := msg.Channel()
		l, ok := p.routes.Get(ch)
		if !ok {
			return
		}
		kind := radio.EventBroadcastData
		if msg.ID == ant.MsgAcknowledgedData {
			kind = radio.EventAcknowledgedData
		}
		l.deliver(radio.Event{Kind: kind, Payload: ant.DataPayload(msg)})

	case ant.MsgStartup, ant.MsgCapabilities:
		select {
		case p.system <- msg:
		default:
			p.logger.WithField("message", msg).Debug("Dropping unrequested system message")
		}

	default:
		p.logger.WithField("message", msg).Debug("Ignoring radio message")
	}
}

// disconnect kills every link once the stick is gone.
func (p *Provider) disconnect(reason error) {
	if !p.dead.CompareAndSwap(false, true) {
		return
	}
	close(p.deadCh)

	p.logger.WithError(reason).Error("Lost connection to ANT radio")

	p.routes.Range(func(_ uint8, l *link) bool {
		l.deliver(radio.Event{Kind: radio.EventChannelDeath})
		return true
	})

	p.handlersMu.RLock()
	h := p.onDisconnect
	p.handlersMu.RUnlock()
	if h != nil {
		h(&radio.RemoteError{Op: "read", Err: reason})
	}
}

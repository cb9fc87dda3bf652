// Package sim is an in-process radio. Masters transmit on a timer, slaves
// with the same device number receive what the masters send, and slaves with
// no master time out. It stands in for a stick in tests and on machines
// without one.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/ant"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/radio"
	"github.com/srg/sensorlink/internal/ringchan"
)

// Options configures the simulated radio.
type Options struct {
	Channels      int           `yaml:"channels" default:"8"`
	Period        time.Duration `yaml:"period" default:"1s"`
	SearchTimeout time.Duration `yaml:"search_timeout" default:"10s"`
}

type Provider struct {
	opts   Options
	logger *logrus.Logger

	mu    sync.Mutex
	slots []*simLink

	handlersMu     sync.RWMutex
	onAvailability radio.AvailabilityHandler
	onDisconnect   radio.DisconnectHandler

	dead bool
}

func New(logger *logrus.Logger, opts Options) *Provider {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Provider{
		opts:   opts,
		logger: logger,
		slots:  make([]*simLink, opts.Channels),
	}
}

func (p *Provider) SetAvailabilityHandler(h radio.AvailabilityHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.onAvailability = h
}

func (p *Provider) SetDisconnectHandler(h radio.DisconnectHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.onDisconnect = h
}

func (p *Provider) AcquireChannel() (radio.Link, error) {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return nil, &radio.RemoteError{Op: "acquire", Err: errDead}
	}
	idx := -1
	for i, l := range p.slots {
		if l == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return nil, radio.ErrUnavailable
	}
	l := newSimLink(p, idx)
	p.slots[idx] = l
	p.mu.Unlock()

	p.notifyAvailability()
	return l, nil
}

func (p *Provider) NumChannelsAvailable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLocked()
}

func (p *Provider) freeLocked() int {
	if p.dead {
		return 0
	}
	free := 0
	for _, l := range p.slots {
		if l == nil {
			free++
		}
	}
	return free
}

// Disconnect simulates losing the radio service.
func (p *Provider) Disconnect(reason error) {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	p.dead = true
	links := p.activeLocked()
	p.mu.Unlock()

	p.handlersMu.RLock()
	h := p.onDisconnect
	p.handlersMu.RUnlock()
	if h != nil {
		h(reason)
	}

	for _, l := range links {
		l.stopRadio()
		l.deliver(radio.Event{Kind: radio.EventChannelDeath})
	}
}

func (p *Provider) activeLocked() []*simLink {
	out := make([]*simLink, 0, len(p.slots))
	for _, l := range p.slots {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// airSend hands data from a master to every open slave on the same channel ID.
func (p *Provider) airSend(from *simLink, id channelID, data []byte) {
	p.mu.Lock()
	links := p.activeLocked()
	p.mu.Unlock()

	for _, l := range links {
		if l != from && l.receives(id) {
			l.deliver(radio.Event{Kind: radio.EventBroadcastData, Payload: append([]byte(nil), data...)})
		}
	}
}

func (p *Provider) free(idx int) {
	p.mu.Lock()
	p.slots[idx] = nil
	p.mu.Unlock()
	p.notifyAvailability()
}

func (p *Provider) notifyAvailability() {
	p.handlersMu.RLock()
	h := p.onAvailability
	p.handlersMu.RUnlock()
	if h != nil {
		h(p.NumChannelsAvailable())
	}
}

var errDead = fmt.Errorf("simulated radio disconnected")

type channelID struct {
	deviceNumber     uint16
	deviceType       uint8
	transmissionType uint8
}

type simLink struct {
	p   *Provider
	idx int
	log *logrus.Entry

	mu       sync.Mutex
	assigned bool
	open     bool
	released bool
	master   bool
	id       channelID
	data     []byte
	heard    bool
	cancel   context.CancelFunc

	handlerMu sync.RWMutex
	handler   radio.EventHandler
	events    *ringchan.Queue[radio.Event]
}

func newSimLink(p *Provider, idx int) *simLink {
	l := &simLink{
		p:      p,
		idx:    idx,
		log:    p.logger.WithField("sim_channel", idx),
		data:   make([]byte, 8),
		events: ringchan.New[radio.Event](64),
	}
	groutine.Go(context.Background(), fmt.Sprintf("sim-channel-%d", idx), func(ctx context.Context) {
		for ev := range l.events.C() {
			l.handlerMu.RLock()
			h := l.handler
			l.handlerMu.RUnlock()
			if h != nil {
				h(ev)
			}
		}
	})
	return l
}

func (l *simLink) SetEventHandler(h radio.EventHandler) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.handler = h
}

func wrongState(cmd ant.MessageID) error {
	return &radio.CommandRejectedError{InitiatingCommand: cmd, RawResponseCode: ant.ChannelInWrongState}
}

// check must hold mu.
func (l *simLink) check(cmd ant.MessageID, wantAssigned bool) error {
	if l.released || l.p.isDead() {
		return &radio.RemoteError{Op: cmd.String(), Err: errDead}
	}
	if l.assigned != wantAssigned || l.open {
		return wrongState(cmd)
	}
	return nil
}

func (l *simLink) Assign(t ant.ChannelType) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(ant.MsgAssignChannel, false); err != nil {
		return err
	}
	l.assigned = true
	l.master = t == ant.BidirectionalMaster
	return nil
}

func (l *simLink) SetChannelID(deviceNumber uint16, deviceType, transmissionType uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(ant.MsgChannelID, true); err != nil {
		return err
	}
	l.id = channelID{deviceNumber, deviceType, transmissionType}
	return nil
}

func (l *simLink) SetPeriod(uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(ant.MsgChannelPeriod, true)
}

func (l *simLink) SetRFFrequency(uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(ant.MsgRFFrequency, true)
}

func (l *simLink) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(ant.MsgOpenChannel, true); err != nil {
		return err
	}
	l.open = true

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	if l.master {
		groutine.Go(ctx, fmt.Sprintf("sim-master-%d", l.idx), l.transmitLoop)
	} else {
		groutine.Go(ctx, fmt.Sprintf("sim-search-%d", l.idx), l.searchLoop)
	}
	return nil
}

func (l *simLink) SetBroadcastData(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || l.p.isDead() {
		return &radio.RemoteError{Op: "set broadcast data", Err: errDead}
	}
	l.data = make([]byte, 8)
	copy(l.data, data)
	return nil
}

func (l *simLink) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	l.stopRadio()
	l.events.Close()
	l.p.free(l.idx)
	l.log.Debug("Released simulated channel")
}

func (l *simLink) stopRadio() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.open = false
}

func (l *simLink) receives(id channelID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open || l.master || l.id != id {
		return false
	}
	l.heard = true
	return true
}

func (l *simLink) transmitLoop(ctx context.Context) {
	ticker := time.NewTicker(l.p.opts.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			id, data := l.id, append([]byte(nil), l.data...)
			l.mu.Unlock()

			l.p.airSend(l, id, data)
			l.deliver(radio.Event{Kind: radio.EventChannel, Code: ant.EventTx})
		}
	}
}

func (l *simLink) searchLoop(ctx context.Context) {
	timer := time.NewTimer(l.p.opts.SearchTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		l.mu.Lock()
		heard := l.heard
		l.mu.Unlock()
		if !heard {
			l.stopRadio()
			l.deliver(radio.Event{Kind: radio.EventChannel, Code: ant.EventRxSearchTimeout})
		}
	}
}

func (l *simLink) deliver(ev radio.Event) {
	l.events.Push(ev)
}

func (p *Provider) isDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

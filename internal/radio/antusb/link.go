package antusb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/ant"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/radio"
	"github.com/srg/sensorlink/internal/ringchan"
)

// link is one channel of the stick.
type link struct {
	p      *Provider
	number uint8
	log    *logrus.Entry

	// cmdMu serializes request/response commands on this channel
	cmdMu     sync.Mutex
	responses chan ant.ChannelEvent
	closed    chan struct{}
	assigned  bool
	opened    bool

	handlerMu sync.RWMutex
	handler   radio.EventHandler
	events    *ringchan.Queue[radio.Event]

	releasing atomic.Bool
}

func newLink(p *Provider, number uint8) *link {
	return &link{
		p:         p,
		number:    number,
		log:       p.logger.WithField("channel", number),
		responses: make(chan ant.ChannelEvent, 1),
		closed:    make(chan struct{}, 1),
		events:    ringchan.New[radio.Event](p.opts.EventQueueSize),
	}
}

func (l *link) start(ctx context.Context) {
	groutine.Go(ctx, fmt.Sprintf("antusb-channel-%d", l.number), func(ctx context.Context) {
		for ev := range l.events.C() {
			l.handlerMu.RLock()
			h := l.handler
			l.handlerMu.RUnlock()
			if h != nil {
				h(ev)
			}
		}
		l.log.Debugf("%s: exiting", groutine.GetName(ctx))
	})
}

func (l *link) SetEventHandler(h radio.EventHandler) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.handler = h
}

func (l *link) Assign(t ant.ChannelType) error {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	if err := l.command("assign", ant.AssignChannel(l.number, t, ant.PublicNetwork)); err != nil {
		return err
	}
	l.assigned = true
	return nil
}

func (l *link) SetChannelID(deviceNumber uint16, deviceType, transmissionType uint8) error {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()
	return l.command("set channel id", ant.SetChannelID(l.number, deviceNumber, deviceType, transmissionType))
}

func (l *link) SetPeriod(ticks uint16) error {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()
	return l.command("set period", ant.SetChannelPeriod(l.number, ticks))
}

func (l *link) SetRFFrequency(freq uint8) error {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()
	return l.command("set rf frequency", ant.SetRFFrequency(l.number, freq))
}

func (l *link) Open() error {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	if err := l.command("open", ant.OpenChannel(l.number)); err != nil {
		return err
	}
	l.opened = true
	return nil
}

// SetBroadcastData queues the payload for the next transmission slot. The
// radio does not acknowledge it.
func (l *link) SetBroadcastData(data []byte) error {
	if l.p.dead.Load() {
		return &radio.RemoteError{Op: "set broadcast data", Err: ErrDisconnected}
	}
	if err := l.p.write(ant.BroadcastData(l.number, data)); err != nil {
		return &radio.RemoteError{Op: "set broadcast data", Err: err}
	}
	return nil
}

// Release closes and unassigns the channel on the stick and frees its slot.
// Failures are logged; the slot is freed regardless.
func (l *link) Release() {
	if !l.releasing.CompareAndSwap(false, true) {
		return
	}

	l.cmdMu.Lock()
	reachable := !l.p.dead.Load() && !l.p.closing.Load()
	if reachable && l.opened {
		l.closeOnRadio()
	}
	if reachable && l.assigned {
		if err := l.command("unassign", ant.UnassignChannel(l.number)); err != nil {
			l.log.WithError(err).Warn("Unassigning channel failed")
		}
	}
	l.opened, l.assigned = false, false
	l.cmdMu.Unlock()

	l.events.Close()
	l.p.freeSlot(l.number)
	l.log.Debug("Released radio channel")

	l.p.notifyAvailability()
}

// closeOnRadio sends the close command and waits for the radio to confirm
// with EVENT_CHANNEL_CLOSED. Must hold cmdMu.
func (l *link) closeOnRadio() {
	select {
	case <-l.closed:
	default:
	}

	if err := l.command("close", ant.CloseChannel(l.number)); err != nil {
		l.log.WithError(err).Warn("Closing channel failed")
		return
	}

	timer := time.NewTimer(l.p.opts.CloseTimeout)
	defer timer.Stop()

	select {
	case <-l.closed:
	case <-timer.C:
		l.log.Warn("Radio did not confirm channel close")
	case <-l.p.deadCh:
	}
}

// command writes msg and waits for the matching channel response.
// Must hold cmdMu.
func (l *link) command(op string, msg ant.Message) error {
	if l.p.dead.Load() {
		return &radio.RemoteError{Op: op, Err: ErrDisconnected}
	}

	// discard a late response to an earlier, timed-out command
	select {
	case <-l.responses:
	default:
	}

	if err := l.p.write(msg); err != nil {
		return &radio.RemoteError{Op: op, Err: err}
	}

	timer := time.NewTimer(l.p.opts.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-l.responses:
			if ev.Initiating != msg.ID {
				l.log.WithFields(logrus.Fields{
					"expected": msg.ID,
					"got":      ev.Initiating,
				}).Debug("Response for another command")
				continue
			}
			if ev.Code != ant.ResponseNoError {
				return &radio.CommandRejectedError{InitiatingCommand: msg.ID, RawResponseCode: ev.Code}
			}
			return nil
		case <-timer.C:
			return &radio.RemoteError{Op: op, Err: ErrTimeout}
		case <-l.p.deadCh:
			return &radio.RemoteError{Op: op, Err: ErrDisconnected}
		}
	}
}

// onChannelEvent runs on the reader goroutine.
func (l *link) onChannelEvent(ev ant.ChannelEvent) {
	if !ev.IsRFEvent() {
		select {
		case l.responses <- ev:
		default:
			l.log.WithField("response", ev.Code).Warn("Unexpected command response")
		}
		return
	}

	if ev.Code == ant.EventChannelClosed {
		select {
		case l.closed <- struct{}{}:
		default:
		}
		if l.releasing.Load() {
			return
		}
	}

	l.deliver(radio.Event{Kind: radio.EventChannel, Code: ev.Code})
}

func (l *link) deliver(ev radio.Event) {
	if l.events.Push(ev) {
		l.log.WithField("kind", ev.Kind).Warn("Event queue full, dropped oldest event")
	}
}

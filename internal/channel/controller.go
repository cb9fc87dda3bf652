package channel

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/ant"
	"github.com/srg/sensorlink/internal/radio"
)

// Channel parameters shared by both ends of a proof channel.
const (
	DeviceType       uint8  = 0x08
	TransmissionType uint8  = 1
	Period           uint16 = 32768 // 1 Hz
	RFFrequency      uint8  = 77    // 2477 MHz
)

// NotifyFunc receives every state change of a controller.
type NotifyFunc func(Info)

// Controller owns one radio Link and the Info describing it.
//
// Open, Close and event handling are serialized per controller and notify
// synchronously on the calling goroutine. NotifyFunc must not call back into
// Open or Close of the same controller; CurrentInfo is always safe.
type Controller struct {
	mu     sync.Mutex
	link   radio.Link
	isOpen bool
	closed bool
	info   Info

	snapshot atomic.Pointer[Info]
	notify   NotifyFunc
	logger   *logrus.Logger
}

// NewController creates a controller for link. initial seeds byte 0 of the
// broadcast buffer. The channel is not opened until Open is called.
func NewController(link radio.Link, isMaster bool, deviceNumber int, initial byte, notify NotifyFunc, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if notify == nil {
		notify = func(Info) {}
	}

	c := &Controller{
		link:   link,
		info:   newInfo(deviceNumber, isMaster, initial),
		notify: notify,
		logger: logger,
	}
	c.store()

	return c
}

// Open configures and opens the channel.
//
// Any failure kills the channel, releases the link and returns the *Error
// describing it. Opening an already open channel only logs a warning.
func (c *Controller) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.WithField("device_number", c.info.DeviceNumber)

	if c.link == nil {
		log.Warn("No channel available")
		return ErrNoLink
	}
	if c.isOpen {
		log.Warn("Channel was already open")
		return nil
	}
	if c.info.Error {
		return &Error{Kind: ChannelDied, DeviceNumber: c.info.DeviceNumber, Message: c.info.ErrorMessage}
	}

	channelType := ant.BidirectionalSlave
	if c.info.IsMaster {
		channelType = ant.BidirectionalMaster
	}

	c.link.SetEventHandler(c.OnEvent)

	steps := []func() error{
		func() error { return c.link.Assign(channelType) },
		func() error {
			return c.link.SetChannelID(uint16(c.info.DeviceNumber), DeviceType, TransmissionType)
		},
		func() error { return c.link.SetPeriod(Period) },
		func() error { return c.link.SetRFFrequency(RFFrequency) },
		func() error { return c.link.Open() },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return c.fail("Open failed", err)
		}
	}
	c.isOpen = true

	if c.info.IsMaster {
		if err := c.link.SetBroadcastData(c.info.BroadcastData); err != nil {
			return c.fail("Loading broadcast data failed", err)
		}
	}

	log.WithField("master", c.info.IsMaster).Debug("Opened channel")
	return nil
}

// OnEvent reacts to one event delivered by the link.
func (c *Controller) OnEvent(ev radio.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.WithFields(logrus.Fields{
		"device_number": c.info.DeviceNumber,
		"kind":          ev.Kind,
	})

	if c.info.Error {
		log.Debug("Ignoring event on dead channel")
		return
	}

	switch ev.Kind {
	case radio.EventBroadcastData, radio.EventAcknowledgedData:
		c.updateData(ev.Payload)
	case radio.EventChannel:
		c.onChannelEvent(ev.Code)
	case radio.EventChannelDeath:
		c.die(MsgChannelDeath)
	default:
		log.Warn("Unhandled radio event")
	}
}

func (c *Controller) onChannelEvent(code ant.EventCode) {
	log := c.logger.WithFields(logrus.Fields{
		"device_number": c.info.DeviceNumber,
		"code":          code,
	})

	switch code {
	case ant.EventTx:
		c.onTransmitted()
	case ant.EventRxSearchTimeout:
		c.die(MsgNoDeviceFound)
	case ant.EventChannelCollision:
		c.die(MsgChannelCollision)
	case ant.EventChannelClosed:
		c.die(MsgClosedByRadio)
	case ant.EventRxFail, ant.EventRxFailGoToSearch,
		ant.EventTransferRxFailed, ant.EventTransferTxCompleted,
		ant.EventTransferTxFailed, ant.EventTransferTxStart:
		log.Debug("Informational channel event")
	default:
		log.Warn("Unhandled channel event")
	}
}

// onTransmitted publishes what the peer just received, then queues the next
// payload with byte 0 incremented.
func (c *Controller) onTransmitted() {
	if !c.info.IsMaster {
		c.logger.WithField("device_number", c.info.DeviceNumber).Debug("TX event on slave channel")
		return
	}

	c.notify(c.info.Clone())

	next := append(Payload(nil), c.info.BroadcastData...)
	next[0]++
	c.info.BroadcastData = next
	c.store()

	if !c.isOpen {
		return
	}
	if err := c.link.SetBroadcastData(next); err != nil {
		c.fail("Setting broadcast data failed", err)
	}
}

func (c *Controller) updateData(payload []byte) {
	data := make(Payload, BroadcastDataSize)
	copy(data, payload)
	c.info.BroadcastData = data
	c.store()
	c.notify(c.info.Clone())
}

// CurrentInfo returns a copy of the latest channel state.
func (c *Controller) CurrentInfo() Info {
	return c.snapshot.Load().Clone()
}

// Close releases the link and marks the channel closed. Only the first call
// has any effect.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	c.release()

	c.info.Error = true
	c.info.ErrorMessage = MsgChannelClosed
	c.store()
	c.notify(c.info.Clone())
}

// Kill marks the channel dead without touching the link, for when the radio
// behind it is known to be gone. The link is still released by Close.
func (c *Controller) Kill(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.die(message)
}

// fail classifies err, releases the link and kills the channel. Must hold mu.
func (c *Controller) fail(action string, err error) *Error {
	cerr := &Error{DeviceNumber: c.info.DeviceNumber, Err: err}

	log := c.logger.WithField("device_number", c.info.DeviceNumber)

	var rejected *radio.CommandRejectedError
	if errors.As(err, &rejected) {
		cerr.Kind = CommandRejected
		cerr.Message = MsgCommandFailed
		log.Errorf("%s. Command 0x%x failed with code 0x%x",
			action, byte(rejected.InitiatingCommand), byte(rejected.RawResponseCode))
	} else {
		cerr.Kind = RemoteLinkFailure
		cerr.Message = MsgRemoteFailure
		log.WithError(err).Errorf("%s: %s", action, MsgRemoteFailure)
	}

	c.release()
	c.die(cerr.Message)

	return cerr
}

// release hands the link back exactly once. Must hold mu.
func (c *Controller) release() {
	if c.link == nil {
		return
	}
	c.isOpen = false
	c.link.Release()
	c.link = nil
}

// die moves a live channel to the error state and notifies. Must hold mu.
func (c *Controller) die(message string) {
	if c.info.Error {
		return
	}
	c.info.Error = true
	c.info.ErrorMessage = message
	c.store()

	c.logger.WithFields(logrus.Fields{
		"device_number": c.info.DeviceNumber,
		"reason":        message,
	}).Info("Channel dead")

	c.notify(c.info.Clone())
}

func (c *Controller) store() {
	snap := c.info.Clone()
	c.snapshot.Store(&snap)
}

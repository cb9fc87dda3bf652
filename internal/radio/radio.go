package radio

import (
	"errors"
	"fmt"

	"github.com/srg/sensorlink/internal/ant"
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventBroadcastData EventKind = iota
	EventAcknowledgedData
	EventChannel
	EventChannelDeath
)

func (k EventKind) String() string {
	switch k {
	case EventBroadcastData:
		return "broadcast_data"
	case EventAcknowledgedData:
		return "acknowledged_data"
	case EventChannel:
		return "channel_event"
	case EventChannelDeath:
		return "channel_death"
	default:
		return fmt.Sprintf("event_kind(%d)", int(k))
	}
}

// Event is an asynchronous notification delivered by a Link.
// Payload is set for data events, Code for channel events.
type Event struct {
	Kind    EventKind
	Code    ant.EventCode
	Payload []byte
}

// EventHandler receives link events on the link's delivery goroutine.
type EventHandler func(Event)

// Link is one radio channel handed out by a Provider.
//
// Configuration calls are synchronous and either succeed or fail with a
// *RemoteError or a *CommandRejectedError. Release never fails.
type Link interface {
	SetEventHandler(h EventHandler)
	Assign(t ant.ChannelType) error
	SetChannelID(deviceNumber uint16, deviceType, transmissionType uint8) error
	SetPeriod(ticks uint16) error
	SetRFFrequency(freq uint8) error
	Open() error
	SetBroadcastData(data []byte) error
	Release()
}

// Provider hands out Links from a shared pool of radio channels.
type Provider interface {
	// AcquireChannel returns ErrUnavailable when every channel is in use.
	AcquireChannel() (Link, error)
	NumChannelsAvailable() int
}

// ErrUnavailable reports that the provider has no free channel.
var ErrUnavailable = errors.New("no radio channel available")

// RemoteError is a transport-level failure talking to the radio.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: remote call failed", e.Op)
	}
	return fmt.Sprintf("%s: remote call failed: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// CommandRejectedError is returned when the radio refused a command.
type CommandRejectedError struct {
	InitiatingCommand ant.MessageID
	RawResponseCode   ant.EventCode
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("command 0x%x failed with code 0x%x", byte(e.InitiatingCommand), byte(e.RawResponseCode))
}

// AvailabilityHandler receives the provider's free channel count whenever it changes.
type AvailabilityHandler func(numAvailable int)

// DisconnectHandler is invoked once when the provider loses its radio.
type DisconnectHandler func(reason error)

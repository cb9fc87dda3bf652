package channel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a terminal channel failure.
type ErrorKind int

const (
	RemoteLinkFailure ErrorKind = iota + 1
	CommandRejected
	ChannelDied
	SearchTimeout
	Closed
)

func (k ErrorKind) String() string {
	switch k {
	case RemoteLinkFailure:
		return "remote_link_failure"
	case CommandRejected:
		return "command_rejected"
	case ChannelDied:
		return "channel_died"
	case SearchTimeout:
		return "search_timeout"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// Messages shown in Info.ErrorMessage for each terminal transition.
const (
	MsgRemoteFailure    = "Remote service communication failed."
	MsgCommandFailed    = "ANT Command Failed"
	MsgChannelDeath     = "Channel Death"
	MsgNoDeviceFound    = "No Device Found"
	MsgChannelCollision = "Channel Collision"
	MsgClosedByRadio    = "Channel Closed By Radio"
	MsgChannelClosed    = "Channel Closed"
	MsgRadioServiceDied = "Radio Service Died"
)

// Error is a terminal failure of one channel. Err holds the radio error, if any;
// for CommandRejected it is a *radio.CommandRejectedError.
type Error struct {
	Kind         ErrorKind
	DeviceNumber int
	Message      string
	Err          error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.DeviceNumber != 0 {
		msg = fmt.Sprintf("channel %d: %s", e.DeviceNumber, msg)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is match an Error against the sentinels by Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrRemoteLinkFailure = &Error{Kind: RemoteLinkFailure}
	ErrCommandRejected   = &Error{Kind: CommandRejected}
	ErrChannelDied       = &Error{Kind: ChannelDied}
	ErrSearchTimeout     = &Error{Kind: SearchTimeout}
	ErrClosed            = &Error{Kind: Closed}
)

var (
	// ErrChannelUnavailable is returned by Registry.AcquireChannel when the
	// provider has no free radio channel.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrNoLink is returned when opening a controller that no longer holds a link.
	ErrNoLink = errors.New("no radio link held")

	// ErrDeviceNumbersExhausted is returned once every ANT device number has
	// been handed out. Device numbers are never reused and 0 is the wildcard.
	ErrDeviceNumbersExhausted = errors.New("device numbers exhausted")
)

// IsKind reports whether err is a channel Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

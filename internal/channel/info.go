package channel

import (
	"fmt"
	"strconv"
	"strings"
)

// BroadcastDataSize is the size of an ANT data payload.
const BroadcastDataSize = 8

// Payload is a broadcast buffer. It marshals to JSON as a list of numbers.
type Payload []byte

func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, b := range p {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(b)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

// Info is the identity and state of one channel at a point in time.
// Values returned by this package are copies and never change afterwards.
type Info struct {
	DeviceNumber  int     `json:"device_number"`
	IsMaster      bool    `json:"is_master"`
	BroadcastData Payload `json:"broadcast_data"`
	Error         bool    `json:"error"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

func newInfo(deviceNumber int, isMaster bool, initial byte) Info {
	data := make(Payload, BroadcastDataSize)
	data[0] = initial
	return Info{
		DeviceNumber:  deviceNumber,
		IsMaster:      isMaster,
		BroadcastData: data,
	}
}

// Clone returns a deep copy of i.
func (i Info) Clone() Info {
	out := i
	if i.BroadcastData != nil {
		out.BroadcastData = append(Payload(nil), i.BroadcastData...)
	}
	return out
}

// Counter returns byte 0 of the broadcast buffer.
func (i Info) Counter() byte {
	if len(i.BroadcastData) == 0 {
		return 0
	}
	return i.BroadcastData[0]
}

// ErrorString returns the error message, or an empty string for a live channel.
func (i Info) ErrorString() string {
	if !i.Error {
		return ""
	}
	return i.ErrorMessage
}

// String renders the channel as a single list line, e.g. "#1      Tx:[42]".
func (i Info) String() string {
	switch {
	case i.Error:
		return fmt.Sprintf("#%-6d !:%s", i.DeviceNumber, i.ErrorString())
	case i.IsMaster:
		return fmt.Sprintf("#%-6d Tx:[%2d]", i.DeviceNumber, i.Counter())
	default:
		return fmt.Sprintf("#%-6d Rx:[%2d]", i.DeviceNumber, i.Counter())
	}
}

package ant

import "encoding/binary"

// PublicNetwork is the network number preloaded with the public ANT key.
const PublicNetwork uint8 = 0

// AssignChannel builds the assign command for channel ch.
func AssignChannel(ch uint8, t ChannelType, network uint8) Message {
	return Message{ID: MsgAssignChannel, Payload: []byte{ch, byte(t), network}}
}

// UnassignChannel builds the unassign command for channel ch.
func UnassignChannel(ch uint8) Message {
	return Message{ID: MsgUnassignChannel, Payload: []byte{ch}}
}

// SetChannelID builds the channel ID command. Device numbers are 16 bit on air.
func SetChannelID(ch uint8, deviceNumber uint16, deviceType, transmissionType uint8) Message {
	p := make([]byte, 5)
	p[0] = ch
	binary.LittleEndian.PutUint16(p[1:3], deviceNumber)
	p[3] = deviceType
	p[4] = transmissionType
	return Message{ID: MsgChannelID, Payload: p}
}

// SetChannelPeriod builds the period command; period is in 1/32768 s ticks.
func SetChannelPeriod(ch uint8, period uint16) Message {
	p := make([]byte, 3)
	p[0] = ch
	binary.LittleEndian.PutUint16(p[1:3], period)
	return Message{ID: MsgChannelPeriod, Payload: p}
}

// SetRFFrequency builds the RF frequency command; the radio uses 2400+freq MHz.
func SetRFFrequency(ch uint8, freq uint8) Message {
	return Message{ID: MsgRFFrequency, Payload: []byte{ch, freq}}
}

func OpenChannel(ch uint8) Message {
	return Message{ID: MsgOpenChannel, Payload: []byte{ch}}
}

func CloseChannel(ch uint8) Message {
	return Message{ID: MsgCloseChannel, Payload: []byte{ch}}
}

// BroadcastData builds a broadcast data message. data is padded or truncated
// to the 8 byte ANT payload.
func BroadcastData(ch uint8, data []byte) Message {
	p := make([]byte, 9)
	p[0] = ch
	copy(p[1:], data)
	return Message{ID: MsgBroadcastData, Payload: p}
}

func SystemReset() Message {
	return Message{ID: MsgSystemReset, Payload: []byte{0}}
}

// RequestMessage asks the radio to send message id for channel ch.
func RequestMessage(ch uint8, id MessageID) Message {
	return Message{ID: MsgRequest, Payload: []byte{ch, byte(id)}}
}

// ChannelEvent is a decoded channel response/event message.
type ChannelEvent struct {
	Channel    uint8
	Initiating MessageID // MsgRFEvent for radio-raised events
	Code       EventCode
}

// IsRFEvent reports whether the event was raised by the radio.
func (e ChannelEvent) IsRFEvent() bool {
	return e.Initiating == MsgRFEvent
}

// ParseChannelEvent decodes a channel event message.
func ParseChannelEvent(msg Message) (ChannelEvent, bool) {
	if msg.ID != MsgChannelEvent || len(msg.Payload) < 3 {
		return ChannelEvent{}, false
	}
	return ChannelEvent{
		Channel:    msg.Payload[0],
		Initiating: MessageID(msg.Payload[1]),
		Code:       EventCode(msg.Payload[2]),
	}, true
}

// DataPayload returns the 8 byte payload of a broadcast/acknowledged message.
func DataPayload(msg Message) []byte {
	if len(msg.Payload) < 2 {
		return nil
	}
	end := len(msg.Payload)
	if end > 9 {
		end = 9
	}
	out := make([]byte, end-1)
	copy(out, msg.Payload[1:end])
	return out
}

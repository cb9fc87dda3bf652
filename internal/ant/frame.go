package ant

import (
	"errors"
	"fmt"
)

// Frame layout: Sync(1) | Length(1) | MessageID(1) | Payload(Length) | Checksum(1)
// Checksum is the XOR of every preceding byte, sync included.
const (
	SyncByte       byte = 0xA4
	MaxPayloadSize      = 41
	frameOverhead       = 4
)

var (
	ErrShortFrame = errors.New("short frame")
	ErrChecksum   = errors.New("checksum mismatch")
	ErrNoSync     = errors.New("no sync byte")
)

// Message is a decoded ANT serial message.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Channel returns the channel number for channel-scoped messages.
func (m Message) Channel() (uint8, bool) {
	switch m.ID {
	case MsgChannelEvent, MsgBroadcastData, MsgAcknowledgedData, MsgBurstData, MsgChannelID:
		if len(m.Payload) > 0 {
			// burst data encodes the sequence number in the upper bits
			return m.Payload[0] & 0x1F, true
		}
	}
	return 0, false
}

func (m Message) String() string {
	return fmt.Sprintf("%s[% x]", m.ID, m.Payload)
}

// Encode serializes msg into a wire frame.
func Encode(msg Message) ([]byte, error) {
	if len(msg.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(msg.Payload), MaxPayloadSize)
	}

	frame := make([]byte, len(msg.Payload)+frameOverhead)
	frame[0] = SyncByte
	frame[1] = byte(len(msg.Payload))
	frame[2] = byte(msg.ID)
	copy(frame[3:], msg.Payload)
	frame[len(frame)-1] = checksum(frame[:len(frame)-1])

	return frame, nil
}

// Decode extracts the first complete frame from buf.
//
// It returns the decoded message and the number of bytes consumed. Leading
// bytes before a sync byte are skipped and counted as consumed. When buf holds
// only part of a frame, ErrShortFrame is returned with consumed set to the
// number of garbage bytes that can be discarded.
func Decode(buf []byte) (msg Message, consumed int, err error) {
	start := -1
	for i, b := range buf {
		if b == SyncByte {
			start = i
			break
		}
	}
	if start < 0 {
		return Message{}, len(buf), ErrNoSync
	}

	frame := buf[start:]
	if len(frame) < frameOverhead {
		return Message{}, start, ErrShortFrame
	}

	size := int(frame[1])
	if size > MaxPayloadSize {
		// not a real frame start, resync after this byte
		return Message{}, start + 1, fmt.Errorf("%w: length %d", ErrNoSync, size)
	}

	total := size + frameOverhead
	if len(frame) < total {
		return Message{}, start, ErrShortFrame
	}

	if checksum(frame[:total-1]) != frame[total-1] {
		return Message{}, start + 1, ErrChecksum
	}

	payload := make([]byte, size)
	copy(payload, frame[3:3+size])

	return Message{ID: MessageID(frame[2]), Payload: payload}, start + total, nil
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

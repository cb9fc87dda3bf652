// Package zephyr implements the BioHarness serial protocol: frame codec,
// stream reassembly, packet decoders and the request messages that turn
// periodic packets on and off.
package zephyr

import (
	"errors"
	"fmt"
)

// Frame layout: STX | MsgID | DLC | Payload(DLC) | CRC8 | ETX/ACK/NAK
const (
	STX byte = 0x02
	ETX byte = 0x03
	ACK byte = 0x06
	NAK byte = 0x15

	MaxPayloadSize = 128
	frameOverhead  = 5
)

var (
	ErrShortFrame    = errors.New("short frame")
	ErrNoStart       = errors.New("no start of frame")
	ErrBadTerminator = errors.New("bad frame terminator")
)

// MessageID is the type tag of a frame.
type MessageID byte

// Periodic data packets sent by the device.
const (
	MsgGeneral   MessageID = 0x20
	MsgBreathing MessageID = 0x21
	MsgECG       MessageID = 0x22
	MsgLifesign  MessageID = 0x23
	MsgRtoR      MessageID = 0x24
	MsgAccel     MessageID = 0x2A
	MsgSummary   MessageID = 0x2B
)

// Requests enabling or disabling the periodic packets.
const (
	ReqGeneral   MessageID = 0x14
	ReqBreathing MessageID = 0x15
	ReqECG       MessageID = 0x16
	ReqRtoR      MessageID = 0x19
	ReqAccel     MessageID = 0x1E
	ReqSummary   MessageID = 0xBD
)

var messageNames = map[MessageID]string{
	MsgGeneral:   "general",
	MsgBreathing: "breathing",
	MsgECG:       "ecg",
	MsgLifesign:  "lifesign",
	MsgRtoR:      "r_to_r",
	MsgAccel:     "accelerometer",
	MsgSummary:   "summary",
	ReqGeneral:   "general_request",
	ReqBreathing: "breathing_request",
	ReqECG:       "ecg_request",
	ReqRtoR:      "r_to_r_request",
	ReqAccel:     "accelerometer_request",
	ReqSummary:   "summary_request",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(id))
}

// Packet is one received frame. CRCValid reports whether the checksum matched;
// the packet is delivered either way and consumers decide what to trust.
type Packet struct {
	Type          MessageID
	CRCValid      bool
	ReceivedBytes int
	Payload       []byte
	Terminator    byte
}

func (p Packet) String() string {
	return fmt.Sprintf("%s[% x] crc_ok=%t", p.Type, p.Payload, p.CRCValid)
}

// Encode builds a frame around payload.
func Encode(id MessageID, payload []byte, terminator byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(payload), MaxPayloadSize)
	}

	frame := make([]byte, 0, len(payload)+frameOverhead)
	frame = append(frame, STX, byte(id), byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, CRC8(payload), terminator)
	return frame, nil
}

// Decode extracts the first complete frame from buf and reports how many
// bytes it consumed. Bytes before the start marker are consumed as garbage.
// On ErrShortFrame only the garbage is consumed and the caller should retry
// with more data.
func Decode(buf []byte) (pkt Packet, consumed int, err error) {
	start := -1
	for i, b := range buf {
		if b == STX {
			start = i
			break
		}
	}
	if start < 0 {
		return Packet{}, len(buf), ErrNoStart
	}

	frame := buf[start:]
	if len(frame) < frameOverhead {
		return Packet{}, start, ErrShortFrame
	}

	size := int(frame[2])
	if size > MaxPayloadSize {
		return Packet{}, start + 1, fmt.Errorf("%w: length %d", ErrNoStart, size)
	}

	total := size + frameOverhead
	if len(frame) < total {
		return Packet{}, start, ErrShortFrame
	}

	term := frame[total-1]
	if term != ETX && term != ACK && term != NAK {
		return Packet{}, start + 1, fmt.Errorf("%w: 0x%02x", ErrBadTerminator, term)
	}

	payload := make([]byte, size)
	copy(payload, frame[3:3+size])

	return Packet{
		Type:          MessageID(frame[1]),
		CRCValid:      CRC8(payload) == frame[3+size],
		ReceivedBytes: total,
		Payload:       payload,
		Terminator:    term,
	}, start + total, nil
}

// CRC8 is the reflected CRC-8 with polynomial 0x8C and zero init that the
// device computes over the payload only.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x01 != 0 {
				crc = (crc >> 1) ^ 0x8C
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

package zephyr

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Payload offsets of the General data packet.
const (
	offSequence     = 0
	offTimestamp    = 1
	offHeartRate    = 9
	offRespiration  = 11
	offSkinTemp     = 13
	offPosture      = 15
	offPeakAccel    = 19
	offROGStatus    = 49
	GeneralMinSize  = 51
	timestampSize   = 8
	HeaderSize      = offTimestamp + timestampSize
	BreathingSample = 18
	breathingBits   = 10
)

// BreathingMinSize is the payload size of a breathing packet: the header
// followed by 18 samples packed into 10 bits each.
const BreathingMinSize = HeaderSize + (BreathingSample*breathingBits+7)/8

// ShortPayloadError reports a known packet type whose payload is too small
// to decode.
type ShortPayloadError struct {
	Type MessageID
	Got  int
	Want int
}

func (e *ShortPayloadError) Error() string {
	return fmt.Sprintf("%s payload too short: %d bytes, need %d", e.Type, e.Got, e.Want)
}

// General is the decoded General data packet.
type General struct {
	Sequence         byte
	Timestamp        time.Time
	HeartRate        int     // bpm
	RespirationRate  float64 // breaths per minute
	SkinTemperature  float64 // °C
	Posture          int     // degrees from vertical
	PeakAcceleration float64 // g
	ROGStatus        byte
}

// DecodeGeneral decodes a General data packet payload.
func DecodeGeneral(payload []byte) (General, error) {
	if len(payload) < GeneralMinSize {
		return General{}, &ShortPayloadError{Type: MsgGeneral, Got: len(payload), Want: GeneralMinSize}
	}

	le := binary.LittleEndian
	return General{
		Sequence:         payload[offSequence],
		Timestamp:        decodeTimestamp(payload[offTimestamp:]),
		HeartRate:        int(le.Uint16(payload[offHeartRate:])),
		RespirationRate:  float64(le.Uint16(payload[offRespiration:])) / 10,
		SkinTemperature:  float64(int16(le.Uint16(payload[offSkinTemp:]))) / 10,
		Posture:          int(int16(le.Uint16(payload[offPosture:]))),
		PeakAcceleration: float64(le.Uint16(payload[offPeakAccel:])) / 100,
		ROGStatus:        payload[offROGStatus],
	}, nil
}

// EncodeGeneral builds a General payload. Fields not carried by General are zero.
func EncodeGeneral(g General) []byte {
	p := make([]byte, GeneralMinSize+2)
	le := binary.LittleEndian

	p[offSequence] = g.Sequence
	encodeTimestamp(p[offTimestamp:], g.Timestamp)
	le.PutUint16(p[offHeartRate:], uint16(g.HeartRate))
	le.PutUint16(p[offRespiration:], uint16(scaleRound(g.RespirationRate, 10)))
	le.PutUint16(p[offSkinTemp:], uint16(int16(scaleRound(g.SkinTemperature, 10))))
	le.PutUint16(p[offPosture:], uint16(int16(g.Posture)))
	le.PutUint16(p[offPeakAccel:], uint16(scaleRound(g.PeakAcceleration, 100)))
	p[offROGStatus] = g.ROGStatus
	return p
}

func scaleRound(v float64, scale float64) int {
	x := v * scale
	if x < 0 {
		return int(x - 0.5)
	}
	return int(x + 0.5)
}

// DecodeBreathing returns the 18 raw breathing waveform samples.
func DecodeBreathing(payload []byte) ([]int16, error) {
	if len(payload) < BreathingMinSize {
		return nil, &ShortPayloadError{Type: MsgBreathing, Got: len(payload), Want: BreathingMinSize}
	}
	return unpack10(payload[HeaderSize:], BreathingSample), nil
}

// EncodeBreathing builds a breathing payload from up to 18 samples.
func EncodeBreathing(seq byte, ts time.Time, samples []int16) []byte {
	p := make([]byte, BreathingMinSize)
	p[offSequence] = seq
	encodeTimestamp(p[offTimestamp:], ts)
	pack10(p[HeaderSize:], samples)
	return p
}

// DecodeSequence returns the sequence number every data packet starts with.
func DecodeSequence(t MessageID, payload []byte) (byte, error) {
	if len(payload) < 1 {
		return 0, &ShortPayloadError{Type: t, Got: 0, Want: 1}
	}
	return payload[offSequence], nil
}

// unpack10 reads n 10-bit values from a little-endian bit stream.
func unpack10(b []byte, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		bit := i * breathingBits
		idx, shift := bit/8, uint(bit%8)
		v := uint16(b[idx]) | uint16(b[idx+1])<<8
		out[i] = int16((v >> shift) & 0x3FF)
	}
	return out
}

func pack10(dst []byte, samples []int16) {
	for i, s := range samples {
		if i >= BreathingSample {
			return
		}
		bit := i * breathingBits
		idx, shift := bit/8, uint(bit%8)
		v := uint16(s&0x3FF) << shift
		dst[idx] |= byte(v)
		dst[idx+1] |= byte(v >> 8)
	}
}

// Timestamps are year(2) month(1) day(1) milliseconds-of-day(4).
func decodeTimestamp(b []byte) time.Time {
	le := binary.LittleEndian
	year := int(le.Uint16(b[0:]))
	month := time.Month(b[2])
	day := int(b[3])
	ms := le.Uint32(b[4:])
	if year == 0 || month == 0 || day == 0 {
		return time.Time{}
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Add(time.Duration(ms) * time.Millisecond)
}

func encodeTimestamp(b []byte, t time.Time) {
	if t.IsZero() {
		return
	}
	t = t.UTC()
	le := binary.LittleEndian
	le.PutUint16(b[0:], uint16(t.Year()))
	b[2] = byte(t.Month())
	b[3] = byte(t.Day())
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	le.PutUint32(b[4:], uint32(t.Sub(midnight)/time.Millisecond))
}

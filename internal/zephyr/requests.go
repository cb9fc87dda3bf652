package zephyr

// EnableRequest builds the frame turning a periodic packet on or off.
func EnableRequest(req MessageID, enable bool) []byte {
	var flag byte
	if enable {
		flag = 1
	}
	frame, _ := Encode(req, []byte{flag}, ETX)
	return frame
}

// Lifesign builds the keep-alive frame the device expects at least every
// few seconds to keep the link open.
func Lifesign() []byte {
	frame, _ := Encode(MsgLifesign, nil, ETX)
	return frame
}

// Response builds the device's reply to a request.
func Response(req MessageID, ok bool) []byte {
	term := ACK
	if !ok {
		term = NAK
	}
	frame, _ := Encode(req, nil, term)
	return frame
}

// RequestFor returns the request that enables periodic packet t.
func RequestFor(t MessageID) (MessageID, bool) {
	switch t {
	case MsgGeneral:
		return ReqGeneral, true
	case MsgBreathing:
		return ReqBreathing, true
	case MsgECG:
		return ReqECG, true
	case MsgRtoR:
		return ReqRtoR, true
	case MsgAccel:
		return ReqAccel, true
	case MsgSummary:
		return ReqSummary, true
	default:
		return 0, false
	}
}

// PacketFor is the inverse of RequestFor.
func PacketFor(req MessageID) (MessageID, bool) {
	for _, t := range []MessageID{MsgGeneral, MsgBreathing, MsgECG, MsgRtoR, MsgAccel, MsgSummary} {
		if r, _ := RequestFor(t); r == req {
			return t, true
		}
	}
	return 0, false
}

package zephyr

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// Stream reassembles packets from bytes arriving in arbitrary chunks.
//
// Write may be called from the transport's reader goroutine while another
// goroutine calls Next. When the consumer falls behind and the buffer fills,
// Write keeps what fits and reports the rest as dropped.
type Stream struct {
	in *ringbuffer.RingBuffer

	mu      sync.Mutex
	pending []byte
	scratch []byte
	skipped uint64
}

// NewStream creates a stream buffering at most capacity unparsed bytes.
func NewStream(capacity int) *Stream {
	return &Stream{
		in:      ringbuffer.New(capacity),
		scratch: make([]byte, capacity),
	}
}

// Write queues raw bytes. It returns how many were kept.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.in.Write(p)
	if err != nil && n == 0 && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	return n, nil
}

// Next returns the next complete packet, if any.
func (s *Stream) Next() (Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.in.IsEmpty() {
		n, err := s.in.TryRead(s.scratch)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			break
		}
		s.pending = append(s.pending, s.scratch[:n]...)
	}

	for len(s.pending) > 0 {
		pkt, consumed, err := Decode(s.pending)
		if errors.Is(err, ErrShortFrame) {
			s.skipped += uint64(consumed)
			s.pending = s.pending[consumed:]
			return Packet{}, false
		}
		s.pending = s.pending[consumed:]
		if err != nil {
			s.skipped += uint64(consumed)
			continue
		}
		return pkt, true
	}
	return Packet{}, false
}

// Skipped returns how many bytes were discarded while looking for frames.
func (s *Stream) Skipped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Buffered returns the number of bytes received but not yet parsed.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in.Length() + len(s.pending)
}

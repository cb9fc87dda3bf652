package sensor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/sensorlink/internal/testutils"
	"github.com/srg/sensorlink/internal/zephyr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort behaves like a serial port with a short read timeout.
type fakePort struct {
	rx      chan []byte
	readErr chan error

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan []byte, 32), readErr: make(chan error, 1)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.rx:
		return copy(b, data), nil
	case err := <-p.readErr:
		return 0, err
	case <-time.After(5 * time.Millisecond):
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) frames() []zephyr.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []zephyr.Packet
	for _, w := range p.written {
		pkt, _, err := zephyr.Decode(w)
		if err == nil {
			out = append(out, pkt)
		}
	}
	return out
}

func frame(t *testing.T, id zephyr.MessageID, payload []byte) []byte {
	t.Helper()
	f, err := zephyr.Encode(id, payload, zephyr.ETX)
	require.NoError(t, err)
	return f
}

func TestLink_Run(t *testing.T) {
	logger, _ := test.NewNullLogger()
	port := newFakePort()
	link := NewLink(port, logger, Options{Device: "fake", ReadTimeout: 5 * time.Millisecond, LifesignInterval: 10 * time.Millisecond})

	packets := make(chan zephyr.Packet, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx, func(p zephyr.Packet) { packets <- p }) }()

	general := frame(t, zephyr.MsgGeneral, zephyr.EncodeGeneral(zephyr.General{HeartRate: 72}))
	port.rx <- zephyr.Response(zephyr.ReqGeneral, true)
	port.rx <- general[:10]
	port.rx <- general[10:]
	port.rx <- frame(t, zephyr.MsgECG, []byte{5, 0, 0})

	var got []zephyr.Packet
	for len(got) < 2 {
		select {
		case p := <-packets:
			got = append(got, p)
		case <-time.After(time.Second):
			t.Fatalf("received %d packets", len(got))
		}
	}
	assert.Equal(t, zephyr.MsgGeneral, got[0].Type)
	assert.True(t, got[0].CRCValid)
	assert.Equal(t, zephyr.MsgECG, got[1].Type)

	assert.Eventually(t, func() bool {
		for _, f := range port.frames() {
			if f.Type == zephyr.MsgLifesign {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	stats := link.Stats()
	assert.Equal(t, int64(2), stats.Popped)
	assert.Zero(t, stats.Queued)

	frames := port.frames()
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, zephyr.ReqGeneral, frames[0].Type)
	assert.Equal(t, []byte{1}, frames[0].Payload)
	assert.Equal(t, zephyr.ReqBreathing, frames[1].Type)
}

func TestLink_ReadError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	port := newFakePort()
	link := NewLink(port, logger, Options{Device: "fake", Packets: []zephyr.MessageID{zephyr.MsgSummary}})

	port.readErr <- errors.New("input/output error")
	err := link.Run(context.Background(), func(zephyr.Packet) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read fake")

	frames := port.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, zephyr.ReqSummary, frames[0].Type)

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())
	assert.True(t, port.closed)
}

// eofPort is a serial port whose device is gone: every read fails at once.
type eofPort struct {
	reads atomic.Int64
}

func (p *eofPort) Read([]byte) (int, error) {
	p.reads.Add(1)
	return 0, io.EOF
}

func (p *eofPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *eofPort) Close() error                { return nil }

func TestLink_DisconnectedPort(t *testing.T) {
	logger, _ := testutils.NewTestLogger()
	port := &eofPort{}
	link := NewLink(port, logger, Options{Device: "gone", ReadTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := link.Run(ctx, func(zephyr.Packet) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "read gone")
	assert.Equal(t, int64(maxFastEOFs), port.reads.Load())
}

func TestOpen_NoDevice(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := Open(logger, Options{})
	assert.Error(t, err)
}

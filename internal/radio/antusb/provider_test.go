package antusb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/sensorlink/internal/ant"
	"github.com/srg/sensorlink/internal/channel"
	"github.com/srg/sensorlink/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeStick answers ANT commands the way a real stick does.
type fakeStick struct {
	mu       sync.Mutex
	written  []ant.Message
	reject   map[ant.MessageID]ant.EventCode
	silent   map[ant.MessageID]bool
	channels byte

	rx      chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeStick(channels byte) *fakeStick {
	return &fakeStick{
		reject:   map[ant.MessageID]ant.EventCode{},
		silent:   map[ant.MessageID]bool{},
		channels: channels,
		rx:       make(chan []byte, 256),
		readErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (s *fakeStick) ReadContext(ctx context.Context, p []byte) (int, error) {
	select {
	case b := <-s.rx:
		return copy(p, b), nil
	case err := <-s.readErr:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.closed:
		return 0, errors.New("transport closed")
	}
}

func (s *fakeStick) Write(p []byte) (int, error) {
	msg, _, err := ant.Decode(p)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.written = append(s.written, msg)
	code, rejected := s.reject[msg.ID]
	silent := s.silent[msg.ID]
	s.mu.Unlock()

	if silent {
		return len(p), nil
	}

	switch msg.ID {
	case ant.MsgSystemReset:
		s.emit(ant.Message{ID: ant.MsgStartup, Payload: []byte{0x20}})
	case ant.MsgRequest:
		if ant.MessageID(msg.Payload[1]) == ant.MsgCapabilities {
			s.emit(ant.Message{ID: ant.MsgCapabilities, Payload: []byte{s.channels, 3, 0, 0}})
		}
	case ant.MsgBroadcastData:
	default:
		if !rejected {
			code = ant.ResponseNoError
		}
		s.respond(msg.Payload[0], msg.ID, code)
		if msg.ID == ant.MsgCloseChannel && !rejected {
			s.respond(msg.Payload[0], ant.MsgRFEvent, ant.EventChannelClosed)
		}
	}
	return len(p), nil
}

func (s *fakeStick) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStick) emit(msg ant.Message) {
	frame, _ := ant.Encode(msg)
	s.rx <- frame
}

func (s *fakeStick) respond(ch byte, initiating ant.MessageID, code ant.EventCode) {
	s.emit(ant.Message{ID: ant.MsgChannelEvent, Payload: []byte{ch, byte(initiating), byte(code)}})
}

func (s *fakeStick) ids() []ant.MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ant.MessageID, 0, len(s.written))
	for _, m := range s.written {
		out = append(out, m.ID)
	}
	return out
}

func (s *fakeStick) lastBroadcast() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.written) - 1; i >= 0; i-- {
		if s.written[i].ID == ant.MsgBroadcastData {
			return s.written[i].Payload
		}
	}
	return nil
}

func (s *fakeStick) setReject(id ant.MessageID, code ant.EventCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[id] = code
}

type eventSink struct {
	ch chan radio.Event
}

func newEventSink() *eventSink { return &eventSink{ch: make(chan radio.Event, 32)} }

func (e *eventSink) handle(ev radio.Event) { e.ch <- ev }

func (e *eventSink) next(t *testing.T) radio.Event {
	t.Helper()
	select {
	case ev := <-e.ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return radio.Event{}
	}
}

type ProviderTestSuite struct {
	suite.Suite
	stick    *fakeStick
	provider *Provider
	logger   *logrus.Logger

	availMu sync.Mutex
	avail   []int
}

func (s *ProviderTestSuite) SetupTest() {
	s.logger, _ = test.NewNullLogger()
	s.stick = newFakeStick(4)
	s.avail = nil

	p, err := NewProvider(context.Background(), s.stick, s.logger, Options{
		ResponseTimeout: 200 * time.Millisecond,
		CloseTimeout:    200 * time.Millisecond,
	})
	s.Require().NoError(err)
	p.SetAvailabilityHandler(func(n int) {
		s.availMu.Lock()
		s.avail = append(s.avail, n)
		s.availMu.Unlock()
	})
	s.provider = p
}

func (s *ProviderTestSuite) TearDownTest() {
	s.NoError(s.provider.Close())
}

func (s *ProviderTestSuite) availability() []int {
	s.availMu.Lock()
	defer s.availMu.Unlock()
	return append([]int(nil), s.avail...)
}

func (s *ProviderTestSuite) TestCapabilitiesLimitChannels() {
	s.Equal(4, s.provider.NumChannelsAvailable())
	s.Equal([]ant.MessageID{ant.MsgSystemReset, ant.MsgRequest}, s.stick.ids())
}

func (s *ProviderTestSuite) TestAcquireUntilExhausted() {
	for i := 0; i < 4; i++ {
		_, err := s.provider.AcquireChannel()
		s.Require().NoError(err)
	}
	_, err := s.provider.AcquireChannel()
	s.ErrorIs(err, radio.ErrUnavailable)
	s.Equal([]int{3, 2, 1, 0}, s.availability())
}

func (s *ProviderTestSuite) TestConfigureAndOpen() {
	l, err := s.provider.AcquireChannel()
	s.Require().NoError(err)

	s.Require().NoError(l.Assign(ant.BidirectionalMaster))
	s.Require().NoError(l.SetChannelID(1, 8, 1))
	s.Require().NoError(l.SetPeriod(32768))
	s.Require().NoError(l.SetRFFrequency(77))
	s.Require().NoError(l.Open())
	s.Require().NoError(l.SetBroadcastData([]byte{9, 0, 0, 0, 0, 0, 0, 0}))

	s.Equal([]ant.MessageID{
		ant.MsgSystemReset, ant.MsgRequest,
		ant.MsgAssignChannel, ant.MsgChannelID, ant.MsgChannelPeriod,
		ant.MsgRFFrequency, ant.MsgOpenChannel, ant.MsgBroadcastData,
	}, s.stick.ids())
	s.Equal([]byte{0, 9, 0, 0, 0, 0, 0, 0, 0}, s.stick.lastBroadcast())
}

func (s *ProviderTestSuite) TestCommandRejected() {
	s.stick.setReject(ant.MsgChannelPeriod, ant.ChannelInWrongState)

	l, err := s.provider.AcquireChannel()
	s.Require().NoError(err)
	s.Require().NoError(l.Assign(ant.BidirectionalSlave))

	err = l.SetPeriod(32768)
	var rejected *radio.CommandRejectedError
	s.Require().ErrorAs(err, &rejected)
	s.Equal(ant.MsgChannelPeriod, rejected.InitiatingCommand)
	s.Equal(ant.ChannelInWrongState, rejected.RawResponseCode)
}

func (s *ProviderTestSuite) TestCommandTimeout() {
	s.stick.mu.Lock()
	s.stick.silent[ant.MsgOpenChannel] = true
	s.stick.mu.Unlock()

	l, err := s.provider.AcquireChannel()
	s.Require().NoError(err)

	err = l.Open()
	var remote *radio.RemoteError
	s.Require().ErrorAs(err, &remote)
	s.Equal("open", remote.Op)
	s.ErrorIs(err, ErrTimeout)
}

func (s *ProviderTestSuite) TestEventsRoutedToChannel() {
	first, err := s.provider.AcquireChannel()
	s.Require().NoError(err)
	second, err := s.provider.AcquireChannel()
	s.Require().NoError(err)

	sink1, sink2 := newEventSink(), newEventSink()
	first.SetEventHandler(sink1.handle)
	second.SetEventHandler(sink2.handle)

	s.stick.emit(ant.Message{ID: ant.MsgBroadcastData, Payload: []byte{1, 7, 6, 5, 4, 3, 2, 1, 0}})
	s.stick.respond(0, ant.MsgRFEvent, ant.EventTx)
	s.stick.emit(ant.Message{ID: ant.MsgAcknowledgedData, Payload: []byte{1, 1, 2, 3, 4, 5, 6, 7, 8}})

	ev := sink2.next(s.T())
	s.Equal(radio.EventBroadcastData, ev.Kind)
	s.Equal([]byte{7, 6, 5, 4, 3, 2, 1, 0}, ev.Payload)

	ev = sink1.next(s.T())
	s.Equal(radio.EventChannel, ev.Kind)
	s.Equal(ant.EventTx, ev.Code)

	ev = sink2.next(s.T())
	s.Equal(radio.EventAcknowledgedData, ev.Kind)
}

func (s *ProviderTestSuite) TestReleaseClosesAndUnassigns() {
	l, err := s.provider.AcquireChannel()
	s.Require().NoError(err)
	sink := newEventSink()
	l.SetEventHandler(sink.handle)

	s.Require().NoError(l.Assign(ant.BidirectionalSlave))
	s.Require().NoError(l.Open())

	l.Release()
	l.Release()

	ids := s.stick.ids()
	s.Equal([]ant.MessageID{ant.MsgCloseChannel, ant.MsgUnassignChannel}, ids[len(ids)-2:])
	s.Equal(4, s.provider.NumChannelsAvailable())
	s.Equal([]int{3, 4}, s.availability())

	// the close confirmation is consumed by Release, not delivered
	select {
	case ev := <-sink.ch:
		s.Failf("unexpected event", "%v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	again, err := s.provider.AcquireChannel()
	s.Require().NoError(err)
	s.Equal(uint8(0), again.(*link).number)
}

func (s *ProviderTestSuite) TestRadioInitiatedClose() {
	l, err := s.provider.AcquireChannel()
	s.Require().NoError(err)
	sink := newEventSink()
	l.SetEventHandler(sink.handle)

	s.stick.respond(0, ant.MsgRFEvent, ant.EventChannelClosed)

	ev := sink.next(s.T())
	s.Equal(radio.EventChannel, ev.Kind)
	s.Equal(ant.EventChannelClosed, ev.Code)
}

func (s *ProviderTestSuite) TestReaderFailureKillsLinks() {
	l, err := s.provider.AcquireChannel()
	s.Require().NoError(err)
	sink := newEventSink()
	l.SetEventHandler(sink.handle)

	reasons := make(chan error, 1)
	s.provider.SetDisconnectHandler(func(reason error) { reasons <- reason })

	s.stick.readErr <- errors.New("libusb: no device")

	ev := sink.next(s.T())
	s.Equal(radio.EventChannelDeath, ev.Kind)

	select {
	case reason := <-reasons:
		s.Contains(reason.Error(), "no device")
	case <-time.After(time.Second):
		s.Fail("disconnect handler not called")
	}

	_, err = s.provider.AcquireChannel()
	s.ErrorIs(err, ErrDisconnected)
	s.ErrorIs(l.Open(), ErrDisconnected)
	s.Equal(0, s.provider.NumChannelsAvailable())
}

func (s *ProviderTestSuite) TestGarbageIsSkipped() {
	l, err := s.provider.AcquireChannel()
	s.Require().NoError(err)
	sink := newEventSink()
	l.SetEventHandler(sink.handle)

	frame, _ := ant.Encode(ant.Message{ID: ant.MsgBroadcastData, Payload: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8}})
	s.stick.rx <- []byte{0x00, 0x13, 0x37}
	s.stick.rx <- frame[:5]
	s.stick.rx <- frame[5:]

	ev := sink.next(s.T())
	s.Equal([]byte{1, 2, 3, 4, 5, 6, 7, 8}, ev.Payload)
}

func TestProviderTestSuite(t *testing.T) {
	suite.Run(t, new(ProviderTestSuite))
}

func TestNewProvider_CapabilitiesFallback(t *testing.T) {
	logger, _ := test.NewNullLogger()
	stick := newFakeStick(0)
	stick.silent[ant.MsgRequest] = true

	p, err := NewProvider(context.Background(), stick, logger, Options{
		MaxChannels:     3,
		ResponseTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 3, p.NumChannelsAvailable())
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, 0x0FCF, o.VendorID)
	assert.Equal(t, 0x1009, o.ProductID)
	assert.Equal(t, 8, o.MaxChannels)
	assert.Equal(t, 2*time.Second, o.ResponseTimeout)
	assert.Equal(t, 64, o.EventQueueSize)
}

// A master channel driven through the registry sends an incremented counter
// after every transmission.
func TestProvider_MasterChannelThroughRegistry(t *testing.T) {
	logger, _ := test.NewNullLogger()
	stick := newFakeStick(8)
	p, err := NewProvider(context.Background(), stick, logger, Options{ResponseTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	changes := make(chan channel.Info, 8)
	registry := channel.NewRegistry(logger, channel.WithInitialValue(func() byte { return 41 }))
	registry.SetListener(listenerFunc(func(info channel.Info) { changes <- info }))
	registry.Bind(p)
	p.SetAvailabilityHandler(registry.OnAvailabilityChanged)

	info, err := registry.AcquireChannel(true)
	require.NoError(t, err)
	require.False(t, info.Error, info.ErrorMessage)
	assert.Equal(t, []byte{0, 41, 0, 0, 0, 0, 0, 0, 0}, stick.lastBroadcast())

	stick.respond(0, ant.MsgRFEvent, ant.EventTx)

	select {
	case sent := <-changes:
		assert.Equal(t, byte(41), sent.Counter())
	case <-time.After(time.Second):
		t.Fatal("no channel change after TX")
	}
	assert.Eventually(t, func() bool {
		b := stick.lastBroadcast()
		return len(b) > 1 && b[1] == 42
	}, time.Second, 10*time.Millisecond)

	registry.CloseAll()
	assert.Equal(t, 8, p.NumChannelsAvailable())
}

type listenerFunc func(channel.Info)

func (f listenerFunc) OnChannelChanged(info channel.Info) { f(info) }
func (f listenerFunc) OnChannelAvailable(bool)            {}

package channel

import (
	"sync"

	"github.com/srg/sensorlink/internal/ant"
	"github.com/srg/sensorlink/internal/radio"
	"github.com/stretchr/testify/mock"
)

// MockLink implements radio.Link for testing
type MockLink struct {
	mock.Mock

	mu      sync.Mutex
	handler radio.EventHandler
}

func (m *MockLink) SetEventHandler(h radio.EventHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *MockLink) Deliver(ev radio.Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (m *MockLink) Assign(t ant.ChannelType) error {
	return m.Called(t).Error(0)
}

func (m *MockLink) SetChannelID(deviceNumber uint16, deviceType, transmissionType uint8) error {
	return m.Called(deviceNumber, deviceType, transmissionType).Error(0)
}

func (m *MockLink) SetPeriod(period uint16) error {
	return m.Called(period).Error(0)
}

func (m *MockLink) SetRFFrequency(freq uint8) error {
	return m.Called(freq).Error(0)
}

func (m *MockLink) Open() error {
	return m.Called().Error(0)
}

func (m *MockLink) SetBroadcastData(data []byte) error {
	// Copy so later mutation by the caller can't change what the mock recorded.
	return m.Called(append([]byte(nil), data...)).Error(0)
}

func (m *MockLink) Release() {
	m.Called()
}

// expectOpen registers the happy-path configuration calls.
func (m *MockLink) expectOpen(isMaster bool, deviceNumber uint16) {
	channelType := ant.BidirectionalSlave
	if isMaster {
		channelType = ant.BidirectionalMaster
	}
	m.On("Assign", channelType).Return(nil).Once()
	m.On("SetChannelID", deviceNumber, DeviceType, TransmissionType).Return(nil).Once()
	m.On("SetPeriod", Period).Return(nil).Once()
	m.On("SetRFFrequency", RFFrequency).Return(nil).Once()
	m.On("Open").Return(nil).Once()
}

// recorder collects notifications in order.
type recorder struct {
	mu        sync.Mutex
	infos     []Info
	available []bool
}

func (r *recorder) notify(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
}

func (r *recorder) OnChannelChanged(info Info) {
	r.notify(info)
}

func (r *recorder) OnChannelAvailable(available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = append(r.available, available)
}

func (r *recorder) snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Info(nil), r.infos...)
}

func (r *recorder) availability() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.available...)
}


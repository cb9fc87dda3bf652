package channel

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/ant"
	"github.com/srg/sensorlink/internal/radio"
	"github.com/srg/sensorlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func payload(b0 byte) []byte {
	p := make([]byte, BroadcastDataSize)
	p[0] = b0
	return p
}

func openMaster(t *testing.T, initial byte) (*Controller, *MockLink, *recorder) {
	t.Helper()
	link := &MockLink{}
	link.expectOpen(true, 1)
	link.On("SetBroadcastData", payload(initial)).Return(nil).Once()

	rec := &recorder{}
	logger, _ := testutils.NewTestLogger()
	c := NewController(link, true, 1, initial, rec.notify, logger)
	require.NoError(t, c.Open())
	return c, link, rec
}

func TestController_OpenSlave(t *testing.T) {
	link := &MockLink{}
	link.expectOpen(false, 7)

	rec := &recorder{}
	logger, _ := testutils.NewTestLogger()
	c := NewController(link, false, 7, 0, rec.notify, logger)

	require.NoError(t, c.Open())
	link.AssertExpectations(t)
	link.AssertNotCalled(t, "SetBroadcastData", mock.Anything)

	info := c.CurrentInfo()
	assert.Equal(t, 7, info.DeviceNumber)
	assert.False(t, info.IsMaster)
	assert.False(t, info.Error)
	assert.Empty(t, rec.snapshot())
}

func TestController_OpenMasterLoadsBroadcastData(t *testing.T) {
	c, link, _ := openMaster(t, 42)
	link.AssertExpectations(t)
	assert.Equal(t, byte(42), c.CurrentInfo().Counter())
}

func TestController_OpenTwiceIsNoop(t *testing.T) {
	link := &MockLink{}
	link.expectOpen(false, 1)

	logger, hook := testutils.NewTestLogger()
	c := NewController(link, false, 1, 0, nil, logger)

	require.NoError(t, c.Open())
	require.NoError(t, c.Open())

	link.AssertNumberOfCalls(t, "Assign", 1)
	link.AssertNumberOfCalls(t, "Open", 1)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "Channel was already open", hook.LastEntry().Message)
}

func TestController_OpenFailure(t *testing.T) {
	rejected := &radio.CommandRejectedError{
		InitiatingCommand: ant.MsgChannelPeriod,
		RawResponseCode:   ant.ChannelInWrongState,
	}

	tests := []struct {
		name        string
		setup       func(*MockLink)
		wantKind    ErrorKind
		wantMessage string
	}{
		{
			name: "command rejected on period",
			setup: func(m *MockLink) {
				m.On("Assign", ant.BidirectionalSlave).Return(nil)
				m.On("SetChannelID", uint16(1), DeviceType, TransmissionType).Return(nil)
				m.On("SetPeriod", Period).Return(rejected)
			},
			wantKind:    CommandRejected,
			wantMessage: MsgCommandFailed,
		},
		{
			name: "transport failure on assign",
			setup: func(m *MockLink) {
				m.On("Assign", ant.BidirectionalSlave).Return(&radio.RemoteError{Op: "assign", Err: errors.New("usb gone")})
			},
			wantKind:    RemoteLinkFailure,
			wantMessage: MsgRemoteFailure,
		},
		{
			name: "transport failure on open",
			setup: func(m *MockLink) {
				m.On("Assign", ant.BidirectionalSlave).Return(nil)
				m.On("SetChannelID", uint16(1), DeviceType, TransmissionType).Return(nil)
				m.On("SetPeriod", Period).Return(nil)
				m.On("SetRFFrequency", RFFrequency).Return(nil)
				m.On("Open").Return(errors.New("timeout"))
			},
			wantKind:    RemoteLinkFailure,
			wantMessage: MsgRemoteFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := &MockLink{}
			tt.setup(link)
			link.On("Release").Return().Once()

			rec := &recorder{}
			logger, _ := testutils.NewTestLogger()
			c := NewController(link, false, 1, 0, rec.notify, logger)

			err := c.Open()
			require.Error(t, err)
			assert.True(t, IsKind(err, tt.wantKind))

			info := c.CurrentInfo()
			assert.True(t, info.Error)
			assert.Equal(t, tt.wantMessage, info.ErrorMessage)

			notes := rec.snapshot()
			require.Len(t, notes, 1)
			assert.Equal(t, tt.wantMessage, notes[0].ErrorMessage)

			// Close after a failed open must not release again.
			c.Close()
			link.AssertNumberOfCalls(t, "Release", 1)

			// Reopening a released controller is refused.
			assert.ErrorIs(t, c.Open(), ErrNoLink)
		})
	}
}

func TestController_OpenFailureCarriesRejectionCodes(t *testing.T) {
	link := &MockLink{}
	link.On("Assign", ant.BidirectionalMaster).Return(&radio.CommandRejectedError{
		InitiatingCommand: ant.MsgAssignChannel,
		RawResponseCode:   ant.ChannelInWrongState,
	})
	link.On("Release").Return()

	logger, hook := testutils.NewTestLogger()
	c := NewController(link, true, 3, 0, nil, logger)

	err := c.Open()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandRejected)

	var rejected *radio.CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ant.MsgAssignChannel, rejected.InitiatingCommand)
	assert.Equal(t, ant.ChannelInWrongState, rejected.RawResponseCode)

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Open failed. Command 0x42 failed with code 0x15" {
			found = true
		}
	}
	assert.True(t, found, "rejection codes should be logged")
}

func TestController_TransmitOrdering(t *testing.T) {
	c, link, rec := openMaster(t, 5)
	link.On("SetBroadcastData", payload(6)).Return(nil).Once()

	link.Deliver(radio.Event{Kind: radio.EventChannel, Code: ant.EventTx})

	notes := rec.snapshot()
	require.Len(t, notes, 1)
	assert.Equal(t, byte(5), notes[0].Counter(), "listener sees the value that was sent")
	assert.Equal(t, byte(6), c.CurrentInfo().Counter())
	link.AssertExpectations(t)
}

func TestController_CounterWraps(t *testing.T) {
	c, link, rec := openMaster(t, 255)
	link.On("SetBroadcastData", payload(0)).Return(nil).Once()

	link.Deliver(radio.Event{Kind: radio.EventChannel, Code: ant.EventTx})

	assert.Equal(t, byte(255), rec.snapshot()[0].Counter())
	assert.Equal(t, byte(0), c.CurrentInfo().Counter())
	link.AssertExpectations(t)
}

func TestController_TransmitFailureKillsChannel(t *testing.T) {
	c, link, rec := openMaster(t, 1)
	link.On("SetBroadcastData", payload(2)).Return(errors.New("write failed")).Once()
	link.On("Release").Return().Once()

	link.Deliver(radio.Event{Kind: radio.EventChannel, Code: ant.EventTx})

	info := c.CurrentInfo()
	assert.True(t, info.Error)
	assert.Equal(t, MsgRemoteFailure, info.ErrorMessage)
	assert.Len(t, rec.snapshot(), 2)
	link.AssertNumberOfCalls(t, "Release", 1)
}

func TestController_TxOnSlaveIgnored(t *testing.T) {
	link := &MockLink{}
	link.expectOpen(false, 1)
	rec := &recorder{}
	logger, _ := testutils.NewTestLogger()
	c := NewController(link, false, 1, 9, rec.notify, logger)
	require.NoError(t, c.Open())

	link.Deliver(radio.Event{Kind: radio.EventChannel, Code: ant.EventTx})

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, byte(9), c.CurrentInfo().Counter())
}

func TestController_ReceiveData(t *testing.T) {
	link := &MockLink{}
	link.expectOpen(false, 1)
	rec := &recorder{}
	logger, _ := testutils.NewTestLogger()
	c := NewController(link, false, 1, 0, rec.notify, logger)
	require.NoError(t, c.Open())

	data := []byte{17, 1, 2, 3, 4, 5, 6, 7}
	link.Deliver(radio.Event{Kind: radio.EventBroadcastData, Payload: data})
	data[0] = 99

	notes := rec.snapshot()
	require.Len(t, notes, 1)
	assert.Equal(t, Payload{17, 1, 2, 3, 4, 5, 6, 7}, notes[0].BroadcastData)
	assert.Equal(t, byte(17), c.CurrentInfo().Counter())

	link.Deliver(radio.Event{Kind: radio.EventAcknowledgedData, Payload: []byte{18}})
	assert.Equal(t, Payload{18, 0, 0, 0, 0, 0, 0, 0}, c.CurrentInfo().BroadcastData)
}

func TestController_TerminalEvents(t *testing.T) {
	tests := []struct {
		name    string
		event   radio.Event
		message string
	}{
		{"search timeout", radio.Event{Kind: radio.EventChannel, Code: ant.EventRxSearchTimeout}, MsgNoDeviceFound},
		{"collision", radio.Event{Kind: radio.EventChannel, Code: ant.EventChannelCollision}, MsgChannelCollision},
		{"closed by radio", radio.Event{Kind: radio.EventChannel, Code: ant.EventChannelClosed}, MsgClosedByRadio},
		{"channel death", radio.Event{Kind: radio.EventChannelDeath}, MsgChannelDeath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := &MockLink{}
			link.expectOpen(false, 1)
			rec := &recorder{}
			logger, _ := testutils.NewTestLogger()
			c := NewController(link, false, 1, 0, rec.notify, logger)
			require.NoError(t, c.Open())

			link.Deliver(tt.event)
			// Anything after death is ignored.
			link.Deliver(radio.Event{Kind: radio.EventBroadcastData, Payload: []byte{1}})
			link.Deliver(tt.event)

			notes := rec.snapshot()
			require.Len(t, notes, 1)
			assert.True(t, notes[0].Error)
			assert.Equal(t, tt.message, notes[0].ErrorMessage)
			assert.Equal(t, byte(0), c.CurrentInfo().Counter())
		})
	}
}

func TestController_InformationalEventsAreNoops(t *testing.T) {
	link := &MockLink{}
	link.expectOpen(false, 1)
	rec := &recorder{}
	logger, hook := testutils.NewTestLogger()
	c := NewController(link, false, 1, 0, rec.notify, logger)
	require.NoError(t, c.Open())

	for _, code := range []ant.EventCode{ant.EventRxFail, ant.EventRxFailGoToSearch, ant.EventTransferTxCompleted} {
		link.Deliver(radio.Event{Kind: radio.EventChannel, Code: code})
	}
	assert.Empty(t, rec.snapshot())
	assert.False(t, c.CurrentInfo().Error)

	hook.Reset()
	link.Deliver(radio.Event{Kind: radio.EventChannel, Code: ant.EventCode(0x7E)})
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "Unhandled channel event", hook.LastEntry().Message)

	hook.Reset()
	link.Deliver(radio.Event{Kind: radio.EventKind(99)})
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Unhandled radio event", hook.LastEntry().Message)
	assert.Empty(t, rec.snapshot())
}

func TestController_CloseTwice(t *testing.T) {
	c, link, rec := openMaster(t, 0)
	link.On("Release").Return().Once()

	c.Close()
	c.Close()

	link.AssertNumberOfCalls(t, "Release", 1)
	notes := rec.snapshot()
	require.Len(t, notes, 1)
	assert.True(t, notes[0].Error)
	assert.Equal(t, MsgChannelClosed, notes[0].ErrorMessage)
}

func TestController_SnapshotsAreCopies(t *testing.T) {
	c, link, rec := openMaster(t, 10)
	link.On("SetBroadcastData", payload(11)).Return(nil).Once()

	held := c.CurrentInfo()
	held.BroadcastData[1] = 0xFF

	link.Deliver(radio.Event{Kind: radio.EventChannel, Code: ant.EventTx})

	assert.Equal(t, byte(10), held.Counter())
	assert.Equal(t, byte(0), c.CurrentInfo().BroadcastData[1])
	assert.Equal(t, byte(10), rec.snapshot()[0].Counter())
}

func TestController_Kill(t *testing.T) {
	c, link, rec := openMaster(t, 0)
	link.On("Release").Return().Once()

	c.Kill(MsgRadioServiceDied)
	c.Kill("again")

	assert.Equal(t, MsgRadioServiceDied, c.CurrentInfo().ErrorMessage)
	link.AssertNotCalled(t, "Release")
	require.Len(t, rec.snapshot(), 1)

	c.Close()
	link.AssertNumberOfCalls(t, "Release", 1)
}

func TestInfo_String(t *testing.T) {
	assert.Equal(t, "#1      Tx:[42]", Info{DeviceNumber: 1, IsMaster: true, BroadcastData: payload(42)}.String())
	assert.Equal(t, "#12     Rx:[ 3]", Info{DeviceNumber: 12, BroadcastData: payload(3)}.String())
	assert.Equal(t, "#2      !:No Device Found", Info{DeviceNumber: 2, Error: true, ErrorMessage: MsgNoDeviceFound}.String())
}

package ant

import "fmt"

// MessageID identifies an ANT serial message.
type MessageID byte

const (
	// MsgRFEvent is the message ID carried in a channel event payload when the
	// event was raised by the radio rather than in response to a command.
	MsgRFEvent MessageID = 0x01

	MsgChannelEvent     MessageID = 0x40 // channel response or RF event
	MsgUnassignChannel  MessageID = 0x41
	MsgAssignChannel    MessageID = 0x42
	MsgChannelPeriod    MessageID = 0x43
	MsgSearchTimeout    MessageID = 0x44
	MsgRFFrequency      MessageID = 0x45
	MsgNetworkKey       MessageID = 0x46
	MsgSystemReset      MessageID = 0x4A
	MsgOpenChannel      MessageID = 0x4B
	MsgCloseChannel     MessageID = 0x4C
	MsgRequest          MessageID = 0x4D
	MsgBroadcastData    MessageID = 0x4E
	MsgAcknowledgedData MessageID = 0x4F
	MsgBurstData        MessageID = 0x50
	MsgChannelID        MessageID = 0x51
	MsgCapabilities     MessageID = 0x54
	MsgStartup          MessageID = 0x6F
)

var messageNames = map[MessageID]string{
	MsgRFEvent:          "rf_event",
	MsgChannelEvent:     "channel_event",
	MsgUnassignChannel:  "unassign_channel",
	MsgAssignChannel:    "assign_channel",
	MsgChannelPeriod:    "channel_period",
	MsgSearchTimeout:    "search_timeout",
	MsgRFFrequency:      "rf_frequency",
	MsgNetworkKey:       "network_key",
	MsgSystemReset:      "system_reset",
	MsgOpenChannel:      "open_channel",
	MsgCloseChannel:     "close_channel",
	MsgRequest:          "request",
	MsgBroadcastData:    "broadcast_data",
	MsgAcknowledgedData: "acknowledged_data",
	MsgBurstData:        "burst_data",
	MsgChannelID:        "channel_id",
	MsgCapabilities:     "capabilities",
	MsgStartup:          "startup",
}

func (m MessageID) String() string {
	if name, ok := messageNames[m]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(m))
}

// ChannelType is the channel type passed to the assign command.
type ChannelType byte

const (
	BidirectionalSlave  ChannelType = 0x00
	BidirectionalMaster ChannelType = 0x10
)

func (t ChannelType) String() string {
	switch t {
	case BidirectionalSlave:
		return "bidirectional_slave"
	case BidirectionalMaster:
		return "bidirectional_master"
	default:
		return fmt.Sprintf("0x%02x", byte(t))
	}
}

// EventCode is the code byte of a channel event or channel response message.
type EventCode byte

const (
	ResponseNoError           EventCode = 0x00
	EventRxSearchTimeout      EventCode = 0x01
	EventRxFail               EventCode = 0x02
	EventTx                   EventCode = 0x03
	EventTransferRxFailed     EventCode = 0x04
	EventTransferTxCompleted  EventCode = 0x05
	EventTransferTxFailed     EventCode = 0x06
	EventChannelClosed        EventCode = 0x07
	EventRxFailGoToSearch     EventCode = 0x08
	EventChannelCollision     EventCode = 0x09
	EventTransferTxStart      EventCode = 0x0A
	ChannelInWrongState       EventCode = 0x15
	ChannelNotOpened          EventCode = 0x16
	ChannelIDNotSet           EventCode = 0x18
	CloseAllChannels          EventCode = 0x19
	TransferInProgress        EventCode = 0x1F
	TransferSequenceNumberErr EventCode = 0x20
	TransferInError           EventCode = 0x21
	InvalidMessage            EventCode = 0x28
	InvalidNetworkNumber      EventCode = 0x29
	InvalidListID             EventCode = 0x30
	InvalidScanTxChannel      EventCode = 0x31
	InvalidParameterProvided  EventCode = 0x33
	EventSerialQueueOverflow  EventCode = 0x34
	EventQueueOverflow        EventCode = 0x35
	EncryptNegotiationSuccess EventCode = 0x38
	EncryptNegotiationFail    EventCode = 0x39
	NVMFullError              EventCode = 0x40
	NVMWriteError             EventCode = 0x41
	USBStringWriteFail        EventCode = 0x70
	MesgSerialErrorID         EventCode = 0xAE
)

var eventNames = map[EventCode]string{
	ResponseNoError:           "no_error",
	EventRxSearchTimeout:      "rx_search_timeout",
	EventRxFail:               "rx_fail",
	EventTx:                   "tx",
	EventTransferRxFailed:     "transfer_rx_failed",
	EventTransferTxCompleted:  "transfer_tx_completed",
	EventTransferTxFailed:     "transfer_tx_failed",
	EventChannelClosed:        "channel_closed",
	EventRxFailGoToSearch:     "rx_fail_go_to_search",
	EventChannelCollision:     "channel_collision",
	EventTransferTxStart:      "transfer_tx_start",
	ChannelInWrongState:       "channel_in_wrong_state",
	ChannelNotOpened:          "channel_not_opened",
	ChannelIDNotSet:           "channel_id_not_set",
	CloseAllChannels:          "close_all_channels",
	TransferInProgress:        "transfer_in_progress",
	TransferSequenceNumberErr: "transfer_sequence_number_error",
	TransferInError:           "transfer_in_error",
	InvalidMessage:            "invalid_message",
	InvalidNetworkNumber:      "invalid_network_number",
	InvalidListID:             "invalid_list_id",
	InvalidScanTxChannel:      "invalid_scan_tx_channel",
	InvalidParameterProvided:  "invalid_parameter_provided",
	EventSerialQueueOverflow:  "serial_queue_overflow",
	EventQueueOverflow:        "queue_overflow",
	EncryptNegotiationSuccess: "encrypt_negotiation_success",
	EncryptNegotiationFail:    "encrypt_negotiation_fail",
	NVMFullError:              "nvm_full",
	NVMWriteError:             "nvm_write_error",
	USBStringWriteFail:        "usb_string_write_fail",
	MesgSerialErrorID:         "serial_error",
}

func (c EventCode) String() string {
	if name, ok := eventNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(c))
}

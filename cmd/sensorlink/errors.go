package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/srg/sensorlink/internal/channel"
	"github.com/srg/sensorlink/internal/radio"
	"github.com/srg/sensorlink/internal/radio/antusb"
)

// FormatUserError turns well known failures into a one line hint.
func FormatUserError(err error) string {
	var cmdErr *radio.CommandRejectedError
	var remote *radio.RemoteError

	switch {
	case errors.Is(err, antusb.ErrDeviceNotFound):
		return "no ANT USB stick found; plug one in or use --radio sim"
	case errors.Is(err, channel.ErrChannelUnavailable):
		return "no free ANT channel: " + err.Error()
	case errors.As(err, &cmdErr):
		return fmt.Sprintf("radio rejected command: %v", cmdErr)
	case errors.As(err, &remote):
		return fmt.Sprintf("lost contact with the radio during %s: %v", remote.Op, remote.Err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Sprintf("%v (check device permissions)", err)
	default:
		return err.Error()
	}
}

package antusb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// ErrDeviceNotFound is returned by Open when no stick with the configured
// vendor/product ID is attached.
var ErrDeviceNotFound = errors.New("ANT USB stick not found")

// usbTransport is a Transport over the stick's bulk endpoints.
type usbTransport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	stream *gousb.ReadStream
	out    *gousb.OutEndpoint
}

// Open finds the ANT USB stick, claims it and starts a Provider on it.
func Open(ctx context.Context, logger *logrus.Logger, opts Options) (*Provider, error) {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}

	t, err := openUSB(logger, opts)
	if err != nil {
		return nil, err
	}

	p, err := NewProvider(ctx, t, logger, opts)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return p, nil
}

func openUSB(logger *logrus.Logger, opts Options) (t *usbTransport, err error) {
	t = &usbTransport{ctx: gousb.NewContext()}
	defer func() {
		if err != nil {
			_ = t.Close()
		}
	}()

	vid, pid := gousb.ID(opts.VendorID), gousb.ID(opts.ProductID)
	log := logger.WithFields(logrus.Fields{
		"vid": vid.String(),
		"pid": pid.String(),
	})

	t.dev, err = t.ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("open device %s:%s: %w", vid, pid, err)
	}
	if t.dev == nil {
		return nil, fmt.Errorf("%w (%s:%s)", ErrDeviceNotFound, vid, pid)
	}

	if err = t.dev.SetAutoDetach(true); err != nil {
		log.WithError(err).Debug("Kernel driver auto-detach unavailable")
	}

	t.cfg, err = t.dev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("select configuration 1: %w", err)
	}

	t.intf, err = t.cfg.Interface(0, 0)
	if err != nil {
		return nil, fmt.Errorf("claim interface 0: %w", err)
	}

	in, err := t.intf.InEndpoint(1)
	if err != nil {
		return nil, fmt.Errorf("in endpoint: %w", err)
	}
	t.out, err = t.intf.OutEndpoint(1)
	if err != nil {
		return nil, fmt.Errorf("out endpoint: %w", err)
	}

	t.stream, err = in.NewStream(in.Desc.MaxPacketSize, 2)
	if err != nil {
		return nil, fmt.Errorf("in stream: %w", err)
	}

	log.Info("Opened ANT USB stick")
	return t, nil
}

func (t *usbTransport) ReadContext(ctx context.Context, p []byte) (int, error) {
	return t.stream.ReadContext(ctx, p)
}

func (t *usbTransport) Write(p []byte) (int, error) {
	return t.out.Write(p)
}

func (t *usbTransport) Close() error {
	var errs []error
	if t.stream != nil {
		errs = append(errs, t.stream.Close())
	}
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		errs = append(errs, t.cfg.Close())
	}
	if t.dev != nil {
		errs = append(errs, t.dev.Close())
	}
	if t.ctx != nil {
		errs = append(errs, t.ctx.Close())
	}
	return errors.Join(errs...)
}

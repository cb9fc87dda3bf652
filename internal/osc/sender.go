// Package osc forwards dispatched fields to a remote controller over OSC/UDP.
package osc

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/hypebeast/go-osc/osc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed      = errors.New("osc sender closed")
	ErrNotTargeted = errors.New("osc target not set")
)

// ReadyPath announces the sender to the controller on Connect.
const ReadyPath = "/ready"

type Options struct {
	Host string `yaml:"host" default:"192.168.43.213"`
	Port int    `yaml:"port" default:"7780"`
}

func (o Options) validate() error {
	if o.Host == "" {
		return fmt.Errorf("%w: empty host", ErrNotTargeted)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid osc port %d", o.Port)
	}
	return nil
}

// client is the part of *osc.Client the sender needs.
type client interface {
	Send(packet osc.Packet) error
}

// Sender sends string values to OSC addresses. Send is safe to call from
// multiple goroutines and can be retargeted at any time.
type Sender struct {
	logger *logrus.Logger

	mu     sync.RWMutex
	client client
	target Options
	closed bool

	newClient func(host string, port int) client
}

// NewSender creates a sender aimed at opts.Host:opts.Port. Nothing goes on
// the wire until Connect or Send.
func NewSender(logger *logrus.Logger, opts Options) (*Sender, error) {
	defaults.SetDefaults(&opts)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &Sender{
		logger: logger,
		newClient: func(host string, port int) client {
			return osc.NewClient(host, port)
		},
	}
	s.target = opts
	s.client = s.newClient(opts.Host, opts.Port)
	return s, nil
}

// Connect announces this sender to the controller by sending its target
// address to ReadyPath. Both host and port travel as strings.
func (s *Sender) Connect() error {
	s.mu.RLock()
	target := s.target
	s.mu.RUnlock()

	msg := osc.NewMessage(ReadyPath)
	msg.Append(target.Host)
	msg.Append(strconv.Itoa(target.Port))

	if err := s.send(msg); err != nil {
		return fmt.Errorf("osc connect %s:%d: %w", target.Host, target.Port, err)
	}
	s.logger.WithFields(logrus.Fields{
		"host": target.Host,
		"port": target.Port,
	}).Info("OSC controller notified")
	return nil
}

// SetTarget points the sender at a new controller.
func (s *Sender) SetTarget(host string, port int) error {
	target := Options{Host: host, Port: port}
	if err := target.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.target = target
	s.client = s.newClient(host, port)

	s.logger.WithFields(logrus.Fields{"host": host, "port": port}).Debug("OSC target changed")
	return nil
}

// Target returns the current destination.
func (s *Sender) Target() (string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target.Host, s.target.Port
}

// Send delivers value as a single string argument to path.
func (s *Sender) Send(path, value string) error {
	msg := osc.NewMessage(path)
	msg.Append(value)
	return s.send(msg)
}

func (s *Sender) send(msg *osc.Message) error {
	s.mu.RLock()
	c, closed := s.client, s.closed
	s.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if err := c.Send(msg); err != nil {
		s.logger.WithError(err).WithField("path", msg.Address).Debug("OSC send failed")
		return err
	}
	return nil
}

// Close stops further sends.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

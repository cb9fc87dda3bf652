package channel

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/radio"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Listener receives registry notifications. Calls are synchronous on the
// goroutine that caused the change; marshaling to another goroutine is up to
// the implementation.
type Listener interface {
	OnChannelChanged(info Info)
	OnChannelAvailable(available bool)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithInitialValue overrides how byte 0 of a new channel's buffer is seeded.
func WithInitialValue(fn func() byte) RegistryOption {
	return func(r *Registry) {
		r.initialValue = fn
	}
}

// Registry multiplexes channel acquisition over one radio Provider and keeps
// every controller it created, keyed by device number.
//
// The registry has a single listener slot: SetListener replaces whatever was
// there before.
type Registry struct {
	logger *logrus.Logger

	// createMu serializes acquisition, close-all and provider changes.
	createMu         sync.Mutex
	provider         radio.Provider
	lastDeviceNumber int

	mapMu       sync.RWMutex
	controllers *orderedmap.OrderedMap[int, *Controller]

	listenerMu sync.RWMutex
	listener   Listener

	availMu   sync.Mutex
	available bool

	initialValue func() byte
}

// NewRegistry creates an empty registry with no provider bound.
func NewRegistry(logger *logrus.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = logrus.New()
	}

	r := &Registry{
		logger:      logger,
		controllers: orderedmap.New[int, *Controller](),
		initialValue: func() byte {
			return byte(rand.IntN(256))
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// SetListener replaces the current listener. nil removes it.
func (r *Registry) SetListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listener = l
}

func (r *Registry) currentListener() Listener {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	return r.listener
}

// Bind attaches the radio provider channels are acquired from and raises the
// initial availability notification.
func (r *Registry) Bind(p radio.Provider) {
	r.createMu.Lock()
	r.provider = p
	r.createMu.Unlock()

	available := p != nil && p.NumChannelsAvailable() > 0
	r.logger.WithField("available", available).Debug("Radio provider bound")
	r.setAvailable(available)
}

// AcquireChannel takes one channel from the provider, opens it as master or
// slave and returns its state.
//
// ErrChannelUnavailable is returned, with nothing registered, when the
// provider has no free channel. A channel that fails to open stays registered
// in its error state and is returned without an error.
func (r *Registry) AcquireChannel(isMaster bool) (Info, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if r.provider == nil {
		return Info{}, fmt.Errorf("%w: no radio bound", ErrChannelUnavailable)
	}
	if r.lastDeviceNumber >= math.MaxUint16 {
		return Info{}, ErrDeviceNumbersExhausted
	}

	link, err := r.provider.AcquireChannel()
	if err != nil {
		if errors.Is(err, radio.ErrUnavailable) {
			return Info{}, ErrChannelUnavailable
		}
		r.logger.WithError(err).Error("Acquiring radio channel failed")
		return Info{}, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	r.lastDeviceNumber++
	deviceNumber := r.lastDeviceNumber

	ctrl := NewController(link, isMaster, deviceNumber, r.initialValue(), r.onChannelChanged, r.logger)

	if err := ctrl.Open(); err != nil {
		r.logger.WithError(err).WithField("device_number", deviceNumber).Warn("Channel failed to open")
	}

	r.mapMu.Lock()
	r.controllers.Set(deviceNumber, ctrl)
	r.mapMu.Unlock()

	return ctrl.CurrentInfo(), nil
}

// ListAllChannelInfo returns the state of every registered channel in
// registration order.
func (r *Registry) ListAllChannelInfo() []Info {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()

	infos := make([]Info, 0, r.controllers.Len())
	for pair := r.controllers.Oldest(); pair != nil; pair = pair.Next() {
		infos = append(infos, pair.Value.CurrentInfo())
	}
	return infos
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	return r.controllers.Len()
}

// CloseAll closes every registered channel and empties the registry.
func (r *Registry) CloseAll() {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	r.mapMu.Lock()
	ctrls := make([]*Controller, 0, r.controllers.Len())
	for pair := r.controllers.Oldest(); pair != nil; pair = pair.Next() {
		ctrls = append(ctrls, pair.Value)
	}
	r.controllers = orderedmap.New[int, *Controller]()
	r.mapMu.Unlock()

	for _, c := range ctrls {
		c.Close()
	}

	r.logger.WithField("count", len(ctrls)).Debug("Closed all channels")
}

// IsChannelAvailable reports the last known availability.
func (r *Registry) IsChannelAvailable() bool {
	r.availMu.Lock()
	defer r.availMu.Unlock()
	return r.available
}

// OnAvailabilityChanged takes the provider's free channel count and notifies
// the listener when availability crosses zero.
func (r *Registry) OnAvailabilityChanged(numAvailable int) {
	r.setAvailable(numAvailable > 0)
}

// OnProviderDisconnected handles the loss of the radio: every channel is
// marked dead, the provider is dropped and availability goes false.
func (r *Registry) OnProviderDisconnected(reason error) {
	r.createMu.Lock()
	r.provider = nil
	r.createMu.Unlock()

	r.logger.WithError(reason).Error("Radio provider disconnected")

	r.mapMu.RLock()
	ctrls := make([]*Controller, 0, r.controllers.Len())
	for pair := r.controllers.Oldest(); pair != nil; pair = pair.Next() {
		ctrls = append(ctrls, pair.Value)
	}
	r.mapMu.RUnlock()

	for _, c := range ctrls {
		c.Kill(MsgRadioServiceDied)
	}

	r.setAvailable(false)
}

func (r *Registry) setAvailable(available bool) {
	r.availMu.Lock()
	changed := r.available != available
	r.available = available
	r.availMu.Unlock()

	if !changed {
		return
	}
	if l := r.currentListener(); l != nil {
		l.OnChannelAvailable(available)
	}
}

func (r *Registry) onChannelChanged(info Info) {
	if l := r.currentListener(); l != nil {
		l.OnChannelChanged(info)
	}
}

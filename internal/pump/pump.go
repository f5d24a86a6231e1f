// Package pump drives the radiator circulation pump and reads back its
// physical state.
package pump

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/internal/gpio"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
	"github.com/thatsimonsguy/cascade-controller/internal/mqtt"
)

type Switch interface {
	Set(ctx context.Context, on bool) error

	// State reports the physical pump state. known is false when no
	// feedback is available.
	State(ctx context.Context) (on bool, known bool, err error)
}

// GPIORelay switches the pump through a relay on a GPIO pin.
type GPIORelay struct {
	Pin model.GPIOPin
}

func NewGPIORelay(pin model.GPIOPin) *GPIORelay {
	return &GPIORelay{Pin: pin}
}

func (r *GPIORelay) Set(_ context.Context, on bool) error {
	var err error
	if on {
		err = gpio.Activate(r.Pin)
	} else {
		err = gpio.Deactivate(r.Pin)
	}
	if err != nil {
		return fmt.Errorf("pump relay on pin %d: %w", r.Pin.Number, err)
	}

	log.Debug().Int("pin", r.Pin.Number).Bool("on", on).Msg("Pump relay set")
	return nil
}

func (r *GPIORelay) State(_ context.Context) (bool, bool, error) {
	if gpio.SafeMode() {
		return false, false, nil
	}
	active, err := gpio.CurrentlyActive(r.Pin)
	if err != nil {
		return false, false, fmt.Errorf("read pump relay on pin %d: %w", r.Pin.Number, err)
	}
	return active, true, nil
}

// StateReader supplies the last pump state reported by the device.
type StateReader interface {
	PumpState() (on bool, ok bool)
}

// MQTTSwitch commands a networked switch. Feedback comes from whatever
// consumes the switch's state topic. Until the device confirms a command, or
// confirmTimeout passes, State reports the commanded state so a late state
// message is not mistaken for a manual switch.
type MQTTSwitch struct {
	client         mqtt.Client
	commandTopic   string
	feedback       StateReader
	confirmTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	pending *command
}

type command struct {
	on bool
	at time.Time
}

func NewMQTTSwitch(client mqtt.Client, commandTopic string, feedback StateReader, confirmTimeout time.Duration) *MQTTSwitch {
	return &MQTTSwitch{
		client:         client,
		commandTopic:   commandTopic,
		feedback:       feedback,
		confirmTimeout: confirmTimeout,
		now:            time.Now,
	}
}

func (s *MQTTSwitch) Set(_ context.Context, on bool) error {
	if err := s.client.Publish(s.commandTopic, mqtt.FormatSwitch(on), false); err != nil {
		return fmt.Errorf("pump command: %w", err)
	}

	s.mu.Lock()
	s.pending = &command{on: on, at: s.now()}
	s.mu.Unlock()
	return nil
}

func (s *MQTTSwitch) State(_ context.Context) (bool, bool, error) {
	on, ok := false, false
	if s.feedback != nil {
		on, ok = s.feedback.PumpState()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return on, ok, nil
	}
	if ok && on == s.pending.on {
		s.pending = nil
		return on, true, nil
	}
	if waited := s.now().Sub(s.pending.at); waited < s.confirmTimeout {
		return s.pending.on, true, nil
	}

	log.Warn().
		Bool("commanded", s.pending.on).
		Bool("reported", on).
		Bool("reported_known", ok).
		Dur("timeout", s.confirmTimeout).
		Msg("Pump did not confirm command, trusting reported state")
	s.pending = nil
	return on, ok, nil
}

// Fake is an in-memory Switch for tests.
type Fake struct {
	mu sync.Mutex

	On    bool
	Known bool
	Sets  []bool

	SetError   error
	StateError error
}

func (f *Fake) Set(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SetError != nil {
		return f.SetError
	}
	f.Sets = append(f.Sets, on)
	f.On = on
	f.Known = true
	return nil
}

func (f *Fake) State(_ context.Context) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StateError != nil {
		return false, false, f.StateError
	}
	return f.On, f.Known, nil
}

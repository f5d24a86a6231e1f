package pump

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/cascade-controller/internal/gpio"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
	"github.com/thatsimonsguy/cascade-controller/internal/mqtt"
)

func mockGPIO(t *testing.T) map[int]bool {
	levels := map[int]bool{}
	origActivate, origDeactivate, origActive := gpio.Activate, gpio.Deactivate, gpio.CurrentlyActive
	gpio.Activate = func(pin model.GPIOPin) error {
		levels[pin.Number] = true
		return nil
	}
	gpio.Deactivate = func(pin model.GPIOPin) error {
		levels[pin.Number] = false
		return nil
	}
	gpio.CurrentlyActive = func(pin model.GPIOPin) (bool, error) {
		on, ok := levels[pin.Number]
		if !ok {
			return false, errors.New("pin not configured")
		}
		return on, nil
	}
	t.Cleanup(func() {
		gpio.Activate, gpio.Deactivate, gpio.CurrentlyActive = origActivate, origDeactivate, origActive
	})
	return levels
}

func TestGPIORelay(t *testing.T) {
	levels := mockGPIO(t)
	ctx := context.Background()
	r := NewGPIORelay(model.GPIOPin{Number: 17, ActiveHigh: true})

	_, _, err := r.State(ctx)
	assert.Error(t, err)

	require.NoError(t, r.Set(ctx, true))
	assert.True(t, levels[17])

	on, known, err := r.State(ctx)
	require.NoError(t, err)
	assert.True(t, known)
	assert.True(t, on)

	require.NoError(t, r.Set(ctx, false))
	on, _, err = r.State(ctx)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestGPIORelaySetError(t *testing.T) {
	orig := gpio.Activate
	gpio.Activate = func(model.GPIOPin) error { return errors.New("pinctrl missing") }
	t.Cleanup(func() { gpio.Activate = orig })

	err := NewGPIORelay(model.GPIOPin{Number: 17}).Set(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pin 17")
}

func TestGPIORelayStateUnknownInSafeMode(t *testing.T) {
	gpio.SetSafeMode(true)
	t.Cleanup(func() { gpio.SetSafeMode(false) })

	_, known, err := NewGPIORelay(model.GPIOPin{Number: 17}).State(context.Background())
	require.NoError(t, err)
	assert.False(t, known)
}

type stateReader struct {
	on, ok bool
}

func (s *stateReader) PumpState() (bool, bool) { return s.on, s.ok }

func newMQTTSwitch(client mqtt.Client, feedback StateReader) (*MQTTSwitch, *time.Time) {
	now := time.Date(2025, 1, 10, 6, 0, 0, 0, time.UTC)
	s := NewMQTTSwitch(client, "cascade/pump/set", feedback, 15*time.Second)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMQTTSwitch(t *testing.T) {
	client := mqtt.NewFakeClient()
	ctx := context.Background()
	feedback := &stateReader{on: true, ok: true}
	s, _ := newMQTTSwitch(client, feedback)

	on, known, err := s.State(ctx)
	require.NoError(t, err)
	assert.True(t, known)
	assert.True(t, on)

	require.NoError(t, s.Set(ctx, true))
	require.NoError(t, s.Set(ctx, false))
	require.Len(t, client.Published, 2)
	assert.Equal(t, "ON", string(client.Published[0].Payload))
	assert.Equal(t, "OFF", string(client.Published[1].Payload))
	assert.Equal(t, "cascade/pump/set", client.Published[1].Topic)

	client.PublishError = errors.New("not connected")
	assert.Error(t, s.Set(ctx, true))
}

func TestMQTTSwitchReportsCommandUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	feedback := &stateReader{on: false, ok: true}
	s, now := newMQTTSwitch(mqtt.NewFakeClient(), feedback)

	require.NoError(t, s.Set(ctx, true))

	// the device has not reported the new state yet
	*now = now.Add(2 * time.Second)
	on, known, err := s.State(ctx)
	require.NoError(t, err)
	assert.True(t, known)
	assert.True(t, on)

	feedback.on = true
	on, _, _ = s.State(ctx)
	assert.True(t, on)

	// once confirmed, later reports are trusted again
	feedback.on = false
	on, known, _ = s.State(ctx)
	assert.True(t, known)
	assert.False(t, on)
}

func TestMQTTSwitchTrustsFeedbackAfterTimeout(t *testing.T) {
	ctx := context.Background()
	feedback := &stateReader{on: false, ok: true}
	s, now := newMQTTSwitch(mqtt.NewFakeClient(), feedback)

	require.NoError(t, s.Set(ctx, true))
	*now = now.Add(15 * time.Second)

	on, known, err := s.State(ctx)
	require.NoError(t, err)
	assert.True(t, known)
	assert.False(t, on)
}

func TestMQTTSwitchFailedPublishLeavesNoPendingCommand(t *testing.T) {
	client := mqtt.NewFakeClient()
	client.PublishError = errors.New("not connected")
	s, _ := newMQTTSwitch(client, &stateReader{on: false, ok: true})

	require.Error(t, s.Set(context.Background(), true))
	on, _, _ := s.State(context.Background())
	assert.False(t, on)
}

func TestMQTTSwitchWithoutFeedback(t *testing.T) {
	s, _ := newMQTTSwitch(mqtt.NewFakeClient(), nil)
	_, known, err := s.State(context.Background())
	require.NoError(t, err)
	assert.False(t, known)
}

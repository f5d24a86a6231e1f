package shutdown

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/env"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

type pinCall struct {
	pin  int
	opts []string
}

func setup(t *testing.T, cfg config.Config) (*[]int, *[]pinCall) {
	var codes []int
	var pins []pinCall

	origExit, origSetPin, origCfg := exit, setPin, env.Cfg
	exit = func(code int) { codes = append(codes, code) }
	setPin = func(pin int, opts ...string) error {
		pins = append(pins, pinCall{pin, opts})
		return nil
	}
	env.Cfg = &cfg
	t.Cleanup(func() {
		exit, setPin, env.Cfg = origExit, origSetPin, origCfg
		hooks = nil
		once = sync.Once{}
	})
	return &codes, &pins
}

func gpioConfig(safeMode bool) config.Config {
	cfg := config.Default()
	cfg.SafeMode = safeMode
	cfg.Pump.Driver = config.PumpDriverGPIO
	cfg.Pump.Relay = model.GPIOPin{Number: 17, ActiveHigh: true}
	return cfg
}

func TestShutdownRunsHooksInReverse(t *testing.T) {
	codes, pins := setup(t, gpioConfig(false))

	var order []string
	RegisterHook(func() { order = append(order, "mqtt") })
	RegisterHook(func() { order = append(order, "pump") })

	Shutdown()

	assert.Equal(t, []string{"pump", "mqtt"}, order)
	assert.Equal(t, []int{0}, *codes)
	assert.Equal(t, []pinCall{{17, []string{"op", "pn", "dl"}}}, *pins)
}

func TestShutdownWithErrorExitsNonZero(t *testing.T) {
	codes, _ := setup(t, gpioConfig(false))

	ShutdownWithError(errors.New("db gone"), "fatal")
	assert.Equal(t, []int{1}, *codes)
}

func TestShutdownSafeModeLeavesPins(t *testing.T) {
	_, pins := setup(t, gpioConfig(true))

	Shutdown()
	assert.Empty(t, *pins)
}

func TestShutdownMQTTDriverLeavesPins(t *testing.T) {
	_, pins := setup(t, config.Default())

	Shutdown()
	assert.Empty(t, *pins)
}

func TestShutdownHooksRunOnce(t *testing.T) {
	codes, _ := setup(t, config.Default())

	calls := 0
	RegisterHook(func() { calls++ })
	Shutdown()
	Shutdown()

	assert.Equal(t, 1, calls)
	assert.Equal(t, []int{0, 0}, *codes)
}

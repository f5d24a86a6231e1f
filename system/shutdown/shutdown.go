package shutdown

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/env"
	"github.com/thatsimonsguy/cascade-controller/internal/pinctrl"
)

// swapped in tests
var (
	exit   = os.Exit
	setPin = pinctrl.SetPin
)

var (
	mu    sync.Mutex
	hooks []func()
	once  sync.Once
)

// RegisterHook adds fn to the work done before the process exits. Hooks run
// in reverse registration order.
func RegisterHook(fn func()) {
	mu.Lock()
	defer mu.Unlock()
	hooks = append(hooks, fn)
}

// Shutdown runs the registered hooks, forces the pump relay off and exits.
func Shutdown() {
	shutdown(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	shutdown(1)
}

func shutdown(code int) {
	once.Do(func() {
		mu.Lock()
		pending := append([]func(){}, hooks...)
		mu.Unlock()

		for i := len(pending) - 1; i >= 0; i-- {
			pending[i]()
		}

		releasePumpRelay()
	})
	exit(code)
}

// releasePumpRelay drives the relay pin to its inactive level directly, in
// case the pump hook could not run.
func releasePumpRelay() {
	if env.Cfg == nil || env.Cfg.SafeMode || env.Cfg.Pump.Driver != config.PumpDriverGPIO {
		return
	}

	pin := env.Cfg.Pump.Relay
	if err := setPin(pin.Number, "op", "pn", pinctrl.Drive(pin.ActiveHigh, false)); err != nil {
		log.Error().Err(err).Int("pin", pin.Number).Msg("Failed to release pump relay")
		return
	}
	log.Info().Int("pin", pin.Number).Msg("Pump relay deactivated")
}

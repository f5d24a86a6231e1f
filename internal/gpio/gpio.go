package gpio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/internal/model"
	"github.com/thatsimonsguy/cascade-controller/internal/pinctrl"
)

const oneWireDevices = "/sys/bus/w1/devices"

var safeMode bool

func SetSafeMode(enabled bool) {
	safeMode = enabled
}

func SafeMode() bool {
	return safeMode
}

// ValidateInitialPinState refuses to start unless the boot script has left
// the relay pin configured as an output and inactive.
func ValidateInitialPinState(name string, pin model.GPIOPin) error {
	mode, err := Mode(pin)
	if err != nil {
		return fmt.Errorf("failed to read pin mode for %s (GPIO %d): %w", name, pin.Number, err)
	}
	if mode != "op" {
		return fmt.Errorf("pin %d (%s) is not configured as an output (mode %q)", pin.Number, name, mode)
	}

	active, err := CurrentlyActive(pin)
	if err != nil {
		return fmt.Errorf("failed to read pin level for %s (GPIO %d): %w", name, pin.Number, err)
	}
	if active {
		return fmt.Errorf("pin %d (%s) is in wrong state at startup (expected active=false)", pin.Number, name)
	}
	return nil
}

// Mode returns the pinctrl function of the pin, e.g. "op" or "ip".
var Mode = func(pin model.GPIOPin) (string, error) {
	state, err := pinctrl.ReadPin(pin.Number)
	if err != nil {
		return "", err
	}
	return state.Mode, nil
}

var Read = func(pin model.GPIOPin) (bool, error) {
	return pinctrl.ReadLevel(pin.Number)
}

var Activate = func(pin model.GPIOPin) error {
	return set(pin, true)
}

var Deactivate = func(pin model.GPIOPin) error {
	return set(pin, false)
}

func set(pin model.GPIOPin, active bool) error {
	if safeMode {
		log.Debug().Int("pin", pin.Number).Bool("active", active).Msg("Safe mode: skipping GPIO write")
		return nil
	}
	if err := pinctrl.SetPin(pin.Number, "op", "pn", pinctrl.Drive(pin.ActiveHigh, active)); err != nil {
		return fmt.Errorf("failed to set pin %d active=%t: %w", pin.Number, active, err)
	}
	return nil
}

var CurrentlyActive = func(pin model.GPIOPin) (bool, error) {
	level, err := Read(pin)
	if err != nil {
		return false, err
	}
	return pin.ActiveHigh == level, nil
}

// ReadSensorTempWithRetries reads a DS18B20-style probe on the 1-wire bus,
// retrying with a short pause between attempts.
func ReadSensorTempWithRetries(bus string, retries int) (float64, error) {
	sensorPath := filepath.Join(oneWireDevices, bus)
	var errs []error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		temp, err := ReadSensorTemp(sensorPath)
		if err == nil {
			return temp, nil
		}
		errs = append(errs, err)
	}
	return 0, fmt.Errorf("max sensor retries reached for %s: %w", bus, errors.Join(errs...))
}

var retryDelay = 2 * time.Second

// ReadSensorTemp returns the probe temperature in °C.
var ReadSensorTemp = func(sensorPath string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(sensorPath, "w1_slave"))
	if err != nil {
		return 0, fmt.Errorf("failed to read sensor data: %w", err)
	}
	return parseW1Slave(string(data))
}

func parseW1Slave(data string) (float64, error) {
	lines := strings.Split(data, "\n")
	if len(lines) < 2 || !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, errors.New("sensor CRC check failed or output truncated")
	}

	parts := strings.Split(lines[1], "t=")
	if len(parts) != 2 {
		return 0, errors.New("temperature data missing or malformed")
	}

	tempMilliC, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, fmt.Errorf("failed to convert temperature to int: %w", err)
	}
	return float64(tempMilliC) / 1000.0, nil
}

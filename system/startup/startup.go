package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/env"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
	"github.com/thatsimonsguy/cascade-controller/internal/pinctrl"
)

// WriteStartupScript writes a boot script that drives the pump relay to its
// inactive level before the controller starts. With the mqtt pump driver the
// script has no pins to set.
func WriteStartupScript() error {
	var lines []string
	lines = append(lines, "#!/bin/bash", "", "# Radiator pump GPIO configuration at boot", "")

	write := func(label string, pin model.GPIOPin, active bool) {
		lines = append(lines, fmt.Sprintf("# %s", label))
		lines = append(lines, fmt.Sprintf("pinctrl set %d op pn %s", pin.Number, pinctrl.Drive(pin.ActiveHigh, active)))
		lines = append(lines, "")
	}

	if env.Cfg.Pump.Driver == config.PumpDriverGPIO {
		write("radiator_pump", env.Cfg.Pump.Relay, false)
	}

	contents := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(env.Cfg.BootScriptFilePath, []byte(contents), 0755)
}

func InstallStartupService() error {
	unitContents := fmt.Sprintf(`[Unit]
Description=Configure radiator pump GPIO at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, env.Cfg.BootScriptFilePath)

	return os.WriteFile(env.Cfg.OSServicePath, []byte(unitContents), 0644)
}

// swapped in tests
var command = exec.Command

func RunStartupScript() error {
	cmd := command("/bin/bash", env.Cfg.BootScriptFilePath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// InstallControllerService writes the main unit. It runs after the GPIO unit
// and uses the systemd watchdog, which the controller pings every cycle.
func InstallControllerService() error {
	gpioUnitName := filepath.Base(env.Cfg.OSServicePath)

	unit := fmt.Sprintf(`[Unit]
Description=Radiator cascade controller
After=%s network-online.target
Requires=%s

[Service]
Type=notify
User=%s
WorkingDirectory=%s
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
Restart=on-failure
RestartSec=5s
WatchdogSec=%ds

[Install]
WantedBy=multi-user.target
`, gpioUnitName, gpioUnitName, env.Cfg.ServiceUser, env.Cfg.ServiceWorkDir, env.Cfg.ServiceExecStart,
		watchdogSeconds(env.Cfg))

	return os.WriteFile(env.Cfg.MainServicePath, []byte(unit), 0644)
}

// watchdogSeconds allows three missed poll cycles before systemd restarts
// the service.
func watchdogSeconds(cfg *config.Config) int {
	return 3 * cfg.PollIntervalSeconds
}

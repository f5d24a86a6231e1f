package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/thatsimonsguy/cascade-controller/db"
	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/env"
	"github.com/thatsimonsguy/cascade-controller/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command, mode, configFile string
	var target float64
	flag.StringVar(&dbPath, "db", "data/cascade.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: set-mode, set-target, show-state, reset-state, install-services")
	flag.StringVar(&mode, "mode", "", "HVAC mode for set-mode (off, heat)")
	flag.Float64Var(&target, "target", 0, "Target room temperature for set-target")
	flag.StringVar(&configFile, "config-file", "config.json", "Controller config file for install-services")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of cascade-debug:")
		fmt.Println("  -db string\tPath to the SQLite database file (default 'data/cascade.db')")
		fmt.Println("  -cmd string\tCommand to run: set-mode, set-target, show-state, reset-state, install-services")
		fmt.Println("  -mode string\tHVAC mode for set-mode (off, heat)")
		fmt.Println("  -target float\tTarget room temperature for set-target")
		fmt.Println("  -config-file string\tController config file for install-services")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	var err error
	switch command {
	case "set-mode":
		err = db.SetHVACModeCLI(dbPath, mode)
	case "set-target":
		err = db.SetTargetTemperatureCLI(dbPath, target)
	case "show-state":
		var out string
		out, err = db.ShowStateCLI(dbPath)
		if err == nil {
			fmt.Println(out)
		}
	case "reset-state":
		err = db.ResetControllerStateCLI(dbPath)
	case "install-services":
		err = installServices(configFile)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func installServices(configFile string) error {
	cfg, err := config.FromFile(configFile)
	if err != nil {
		return err
	}
	env.Cfg = &cfg

	if err := startup.WriteStartupScript(); err != nil {
		return fmt.Errorf("write boot script: %w", err)
	}
	if err := startup.InstallStartupService(); err != nil {
		return fmt.Errorf("install gpio unit: %w", err)
	}
	if err := startup.InstallControllerService(); err != nil {
		return fmt.Errorf("install controller unit: %w", err)
	}
	return startup.RunStartupScript()
}

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

const (
	PumpDriverMQTT = "mqtt"
	PumpDriverGPIO = "gpio"
)

// Control is the immutable parameter bundle consumed by the cascade
// controller and the radiator estimator. Durations are in seconds.
type Control struct {
	BaseSetpoint     float64            `json:"base_setpoint" yaml:"base_setpoint"`
	ProportionalGain float64            `json:"proportional_gain" yaml:"proportional_gain"`
	IntegralGain     float64            `json:"integral_gain" yaml:"integral_gain"`
	MinSetpoint      float64            `json:"min_setpoint" yaml:"min_setpoint"`
	MaxSetpoint      float64            `json:"max_setpoint" yaml:"max_setpoint"`
	HysteresisBand   float64            `json:"hysteresis_band" yaml:"hysteresis_band"`
	MinCycleSeconds  float64            `json:"min_cycle_duration" yaml:"min_cycle_duration"`
	ObserverMode     model.ObserverMode `json:"observer_mode" yaml:"observer_mode"`
	HeatingRate      float64            `json:"heating_rate" yaml:"heating_rate"`
	CoolingRate      float64            `json:"cooling_rate" yaml:"cooling_rate"`
	FusionWeight     float64            `json:"fusion_weight" yaml:"fusion_weight"`
	PumpDeadSeconds  float64            `json:"pump_dead_time" yaml:"pump_dead_time"`
	OutdoorGain      float64            `json:"outdoor_gain" yaml:"outdoor_gain"`
	OutdoorBaseline  float64            `json:"outdoor_baseline" yaml:"outdoor_baseline"`
}

func (c Control) MinCycleDuration() time.Duration {
	return seconds(c.MinCycleSeconds)
}

func (c Control) PumpDeadTime() time.Duration {
	return seconds(c.PumpDeadSeconds)
}

type Topics struct {
	Room         string `json:"room" yaml:"room"`
	Radiator     string `json:"radiator" yaml:"radiator"`
	Outdoor      string `json:"outdoor" yaml:"outdoor"`
	Forecast     string `json:"forecast" yaml:"forecast"`
	PumpState    string `json:"pump_state" yaml:"pump_state"`
	PumpCommand  string `json:"pump_command" yaml:"pump_command"`
	Diagnostics  string `json:"diagnostics" yaml:"diagnostics"`
	Availability string `json:"availability" yaml:"availability"`
}

type MQTT struct {
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topics   Topics `json:"topics" yaml:"topics"`
}

type Pump struct {
	Driver string        `json:"driver" yaml:"driver"`
	Relay  model.GPIOPin `json:"relay" yaml:"relay"`
	// How long the mqtt driver waits for the device to report a commanded
	// state before trusting its feedback again.
	ConfirmSeconds float64 `json:"confirm_seconds" yaml:"confirm_seconds"`
}

func (p Pump) ConfirmTimeout() time.Duration {
	return seconds(p.ConfirmSeconds)
}

type Sensors struct {
	// 1-wire bus id of a radiator probe read directly instead of over MQTT.
	RadiatorProbeBus string  `json:"radiator_probe_bus" yaml:"radiator_probe_bus"`
	AnomalyMaxDelta  float64 `json:"anomaly_max_delta" yaml:"anomaly_max_delta"`
	MaxAnomalies     int     `json:"max_anomalies" yaml:"max_anomalies"`
}

type Config struct {
	ConfigFile string        `json:"-" yaml:"-"`
	DBPath     string        `json:"-" yaml:"-"`
	LogLevel   zerolog.Level `json:"-" yaml:"-"`

	LogFile    string `json:"log_file" yaml:"log_file"`
	StatusFile string `json:"status_file" yaml:"status_file"`
	SafeMode   bool   `json:"safe_mode" yaml:"safe_mode"`
	APIPort    int    `json:"api_port" yaml:"api_port"`

	BootScriptFilePath string `json:"boot_script_file_path" yaml:"boot_script_file_path"`
	OSServicePath      string `json:"os_service_path" yaml:"os_service_path"`
	MainServicePath    string `json:"main_service_path" yaml:"main_service_path"`
	ServiceUser        string `json:"service_user" yaml:"service_user"`
	ServiceWorkDir     string `json:"service_work_dir" yaml:"service_work_dir"`
	ServiceExecStart   string `json:"service_exec_start" yaml:"service_exec_start"`

	PollIntervalSeconds int     `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	MaxElapsedSeconds   float64 `json:"max_elapsed_seconds" yaml:"max_elapsed_seconds"`
	StaleAlertCycles    int     `json:"stale_alert_cycles" yaml:"stale_alert_cycles"`

	DefaultTargetTemperature float64 `json:"default_target_temperature" yaml:"default_target_temperature"`

	Control Control `json:"control" yaml:"control"`
	Pump    Pump    `json:"pump" yaml:"pump"`
	Sensors Sensors `json:"sensors" yaml:"sensors"`
	MQTT    MQTT    `json:"mqtt" yaml:"mqtt"`

	EnableDatadog bool     `json:"enable_datadog" yaml:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr" yaml:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace" yaml:"dd_namespace"`
	DDTags        []string `json:"dd_tags" yaml:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic" yaml:"ntfy_topic"`
}

// Default returns a configuration populated with the stock tuning values.
// Files are decoded on top of it, so any field left out keeps its default.
func Default() Config {
	return Config{
		DBPath:                   "data/cascade.db",
		LogLevel:                 zerolog.InfoLevel,
		APIPort:                  8080,
		StatusFile:               "data/status.json",
		BootScriptFilePath:       "/usr/local/bin/cascade-gpio-init.sh",
		OSServicePath:            "/etc/systemd/system/cascade-gpio-init.service",
		MainServicePath:          "/etc/systemd/system/cascade-controller.service",
		ServiceUser:              "pi",
		ServiceWorkDir:           "/home/pi/cascade-controller",
		ServiceExecStart:         "/usr/local/bin/cascade-controller -config-file /etc/cascade-controller/config.yaml",
		PollIntervalSeconds:      30,
		MaxElapsedSeconds:        300,
		StaleAlertCycles:         10,
		DefaultTargetTemperature: 21.0,
		Control: Control{
			BaseSetpoint:     35.0,
			ProportionalGain: 8.0,
			IntegralGain:     0.0,
			MinSetpoint:      25.0,
			MaxSetpoint:      50.0,
			HysteresisBand:   1.0,
			MinCycleSeconds:  120,
			ObserverMode:     model.ObserverSensor,
			HeatingRate:      0.25,
			CoolingRate:      0.05,
			FusionWeight:     0.5,
			PumpDeadSeconds:  5.0,
			OutdoorGain:      0.3,
			OutdoorBaseline:  10.0,
		},
		Pump: Pump{Driver: PumpDriverMQTT, ConfirmSeconds: 15},
		Sensors: Sensors{
			AnomalyMaxDelta: 15.0,
			MaxAnomalies:    3,
		},
		MQTT: MQTT{
			ClientID: "cascade-controller",
			Topics: Topics{
				Room:         "cascade/sensor/room",
				Radiator:     "cascade/sensor/radiator",
				Outdoor:      "cascade/sensor/outdoor",
				Forecast:     "cascade/sensor/forecast",
				PumpState:    "cascade/pump/state",
				PumpCommand:  "cascade/pump/set",
				Diagnostics:  "cascade/diagnostics",
				Availability: "cascade/availability",
			},
		},
		DDAgentAddr: "127.0.0.1:8125",
		DDNamespace: "cascade.",
	}
}

func Load() Config {
	var configFile, dbPath, logLevel string

	flag.StringVar(&configFile, "config-file", "config.json", "Path to controller config file (.json or .yaml)")
	flag.StringVar(&dbPath, "db", "data/cascade.db", "Path to the SQLite state database")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := FromFile(configFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}

	cfg.DBPath = dbPath
	cfg.LogLevel = parseLogLevel(logLevel)

	if err := cfg.Validate(); err != nil {
		panic("Invalid configuration: " + err.Error())
	}
	return cfg
}

// FromFile decodes a JSON or YAML config file on top of Default.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// Parse decodes data in the format named by ext (".yaml", ".yml" or JSON for
// anything else). Unknown keys are rejected in both formats.
func Parse(data []byte, ext string) (Config, error) {
	cfg := Default()

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

// Validate checks the control parameters and the ambient settings. All
// violations are reported together.
func (cfg *Config) Validate() error {
	var errs []error

	if err := cfg.Control.Validate(); err != nil {
		errs = append(errs, err)
	}

	if cfg.PollIntervalSeconds <= 0 {
		errs = append(errs, invalid("poll_interval_seconds", cfg.PollIntervalSeconds, "must be positive"))
	}
	if cfg.MaxElapsedSeconds < 0 {
		errs = append(errs, invalid("max_elapsed_seconds", cfg.MaxElapsedSeconds, "must not be negative"))
	}
	if cfg.DefaultTargetTemperature < MinTargetTemperature || cfg.DefaultTargetTemperature > MaxTargetTemperature {
		errs = append(errs, invalid("default_target_temperature", cfg.DefaultTargetTemperature,
			fmt.Sprintf("must be within [%g, %g]", MinTargetTemperature, MaxTargetTemperature)))
	}

	switch cfg.Pump.Driver {
	case PumpDriverMQTT:
		if cfg.MQTT.Topics.PumpCommand == "" {
			errs = append(errs, invalid("mqtt.topics.pump_command", "", "required for the mqtt pump driver"))
		}
		if cfg.Pump.ConfirmSeconds < 0 {
			errs = append(errs, invalid("pump.confirm_seconds", cfg.Pump.ConfirmSeconds, "must not be negative"))
		}
	case PumpDriverGPIO:
		if cfg.Pump.Relay.Number <= 0 {
			errs = append(errs, invalid("pump.relay.number", cfg.Pump.Relay.Number, "required for the gpio pump driver"))
		}
	default:
		errs = append(errs, invalid("pump.driver", cfg.Pump.Driver, "must be mqtt or gpio"))
	}

	// room temperature only ever arrives over mqtt
	if cfg.MQTT.Broker == "" {
		errs = append(errs, invalid("mqtt.broker", "", "required"))
	}
	if cfg.MQTT.Topics.Room == "" {
		errs = append(errs, invalid("mqtt.topics.room", "", "required"))
	}

	return errors.Join(errs...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

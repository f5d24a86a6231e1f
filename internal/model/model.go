package model

import (
	"fmt"
	"time"
)

type HVACMode string

const (
	ModeOff  HVACMode = "off"
	ModeHeat HVACMode = "heat"
)

func (m HVACMode) Valid() bool {
	return m == ModeOff || m == ModeHeat
}

// Climate is the user-controlled half of the state: whether heating is
// enabled and the room temperature it aims for.
type Climate struct {
	Mode              HVACMode `json:"mode"`
	TargetTemperature float64  `json:"target_temperature"`
}

// ObserverMode selects how the radiator estimate is resolved each cycle.
type ObserverMode string

const (
	ObserverSensor  ObserverMode = "sensor"
	ObserverRuntime ObserverMode = "runtime"
	ObserverFusion  ObserverMode = "fusion"
)

func (m ObserverMode) Valid() bool {
	switch m {
	case ObserverSensor, ObserverRuntime, ObserverFusion:
		return true
	default:
		return false
	}
}

type PumpCommand int

const (
	NoChange PumpCommand = iota
	TurnOn
	TurnOff
)

func (c PumpCommand) String() string {
	switch c {
	case TurnOn:
		return "turn_on"
	case TurnOff:
		return "turn_off"
	default:
		return "no_change"
	}
}

func (c PumpCommand) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *PumpCommand) UnmarshalText(text []byte) error {
	switch string(text) {
	case "turn_on":
		*c = TurnOn
	case "turn_off":
		*c = TurnOff
	case "no_change":
		*c = NoChange
	default:
		return fmt.Errorf("unknown pump command %q", text)
	}
	return nil
}

// Diagnostics is the per-cycle snapshot published alongside the pump command.
type Diagnostics struct {
	IntegralAccumulator    float64      `json:"integral_accumulator"`
	SecondsSinceLastSwitch *float64     `json:"seconds_since_last_switch"`
	ObserverMode           ObserverMode `json:"observer_mode"`
	Clamped                bool         `json:"clamped"`
}

// Inputs are the values gathered by the orchestrator for one evaluation.
// Optional readings are nil when unavailable.
type Inputs struct {
	RoomTemperature     *float64
	TargetTemperature   *float64
	OutdoorTemperature  *float64
	ForecastTemperature *float64
	RadiatorTemperature *float64
	PumpOn              *bool
	Now                 time.Time
	LoopEnabled         bool
}

type OutcomeStatus string

const (
	OutcomeApplied  OutcomeStatus = "applied"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeDisabled OutcomeStatus = "disabled"
)

// Outcome is the result of one evaluation cycle.
type Outcome struct {
	Status      OutcomeStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Setpoint    float64       `json:"radiator_setpoint"`
	Estimate    float64       `json:"estimated_radiator_temperature"`
	Stale       bool          `json:"stale_estimate"`
	Command     PumpCommand   `json:"pump_command"`
	PumpOn      bool          `json:"pump_on"`
	Diagnostics Diagnostics   `json:"diagnostics"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ControllerSnapshot is the persisted controller and estimator state used to
// resume after a restart.
type ControllerSnapshot struct {
	IntegralAccumulator   float64
	CurrentSetpoint       float64
	LastTargetTemperature *float64
	PumpOn                bool
	LastSwitch            *time.Time
	RadiatorEstimate      float64
	EstimatorInitialized  bool
	PumpOnSince           *time.Time
	UpdatedAt             time.Time
}

type GPIOPin struct {
	Number     int  `json:"number" yaml:"number"`
	ActiveHigh bool `json:"active_high" yaml:"active_high"`
}

func Float(v float64) *float64 {
	return &v
}

func Bool(v bool) *bool {
	return &v
}

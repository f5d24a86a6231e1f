package config

import (
	"errors"
	"fmt"
)

// Target temperature limits and step exposed to users of the climate API.
const (
	MinTargetTemperature  = 10.0
	MaxTargetTemperature  = 30.0
	TargetTemperatureStep = 0.5
)

// ConfigurationError reports a single parameter outside its accepted range.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func invalid(field string, value any, reason string) error {
	return &ConfigurationError{Field: field, Value: value, Reason: reason}
}

type paramRange struct {
	field    string
	value    float64
	min, max float64
}

// Validate returns every out-of-range parameter as a joined set of
// *ConfigurationError values, or nil.
func (c Control) Validate() error {
	ranges := []paramRange{
		{"base_setpoint", c.BaseSetpoint, 10, 60},
		{"proportional_gain", c.ProportionalGain, 0, 20},
		{"integral_gain", c.IntegralGain, 0, 5},
		{"min_setpoint", c.MinSetpoint, 10, 50},
		{"max_setpoint", c.MaxSetpoint, 10, 80},
		{"hysteresis_band", c.HysteresisBand, 0.1, 5},
		{"min_cycle_duration", c.MinCycleSeconds, 30, 900},
		{"outdoor_gain", c.OutdoorGain, 0, 5},
		{"outdoor_baseline", c.OutdoorBaseline, -20, 30},
		{"heating_rate", c.HeatingRate, 0, 1},
		{"cooling_rate", c.CoolingRate, 0, 1},
		{"fusion_weight", c.FusionWeight, 0, 1},
		{"pump_dead_time", c.PumpDeadSeconds, 0, 60},
	}

	var errs []error
	for _, r := range ranges {
		// written as a negated inclusion test so NaN is rejected too
		if !(r.value >= r.min && r.value <= r.max) {
			errs = append(errs, invalid(r.field, r.value, fmt.Sprintf("must be within [%g, %g]", r.min, r.max)))
		}
	}

	if !c.ObserverMode.Valid() {
		errs = append(errs, invalid("observer_mode", c.ObserverMode, "must be sensor, runtime or fusion"))
	}

	if c.MinSetpoint > c.MaxSetpoint {
		errs = append(errs, invalid("min_setpoint", c.MinSetpoint, fmt.Sprintf("exceeds max_setpoint %g", c.MaxSetpoint)))
	} else if c.BaseSetpoint < c.MinSetpoint || c.BaseSetpoint > c.MaxSetpoint {
		errs = append(errs, invalid("base_setpoint", c.BaseSetpoint,
			fmt.Sprintf("must lie between min_setpoint %g and max_setpoint %g", c.MinSetpoint, c.MaxSetpoint)))
	}

	return errors.Join(errs...)
}

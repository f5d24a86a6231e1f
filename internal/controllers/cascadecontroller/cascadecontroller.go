package cascadecontroller

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

// SetpointInput carries the outer-loop inputs for one cycle. Outdoor and
// forecast terms are optional.
type SetpointInput struct {
	RoomTemperature    float64
	TargetTemperature  float64
	OutdoorTemperature *float64
	ForecastDelta      *float64
	Elapsed            time.Duration
	LoopEnabled        bool
}

// Controller owns the PI setpoint state and the pump hysteresis state. It is
// not safe for concurrent use; callers serialize cycles.
type Controller struct {
	cfg config.Control

	integral   float64
	setpoint   float64
	clamped    bool
	lastTarget *float64

	pumpOn     bool
	lastSwitch *time.Time
}

func New(cfg config.Control) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		setpoint: cfg.BaseSetpoint,
	}, nil
}

// ComputeSetpoint runs the outer loop and returns the radiator setpoint.
func (c *Controller) ComputeSetpoint(in SetpointInput) float64 {
	c.applyResetGuards(in.TargetTemperature, in.LoopEnabled)

	roomError := in.TargetTemperature - in.RoomTemperature

	elapsed := in.Elapsed.Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	prior := c.integral
	if in.LoopEnabled && c.cfg.IntegralGain > 0 {
		c.integral += roomError * elapsed
	}

	outdoorTerm := 0.0
	if in.OutdoorTemperature != nil {
		outdoorTerm = c.cfg.OutdoorGain * math.Max(0, c.cfg.OutdoorBaseline-*in.OutdoorTemperature)
	}

	forecastTerm := 0.0
	if in.ForecastDelta != nil {
		forecastTerm = *in.ForecastDelta
	}

	proportionalTerm := c.cfg.ProportionalGain * roomError
	rest := c.cfg.BaseSetpoint + proportionalTerm + outdoorTerm + forecastTerm
	raw := rest + c.cfg.IntegralGain*c.integral

	setpoint := math.Max(c.cfg.MinSetpoint, math.Min(c.cfg.MaxSetpoint, raw))
	c.clamped = setpoint != raw
	if c.clamped {
		c.integral = c.limitIntegral(prior, rest, raw > c.cfg.MaxSetpoint)
	}

	log.Debug().
		Float64("target", in.TargetTemperature).
		Float64("room", in.RoomTemperature).
		Float64("p_term", proportionalTerm).
		Float64("i_term", c.cfg.IntegralGain*c.integral).
		Float64("outdoor_term", outdoorTerm).
		Float64("forecast_term", forecastTerm).
		Float64("raw_setpoint", raw).
		Float64("setpoint", setpoint).
		Bool("clamped", c.clamped).
		Msg("Computed radiator setpoint")

	c.setpoint = setpoint
	return setpoint
}

// applyResetGuards zeroes the integral whenever the loop is disabled or the
// target moved, so no integral action carries over between operating points.
func (c *Controller) applyResetGuards(target float64, loopEnabled bool) {
	targetChanged := c.lastTarget == nil || *c.lastTarget != target
	if !loopEnabled || targetChanged {
		if c.integral != 0 {
			log.Debug().
				Bool("loop_enabled", loopEnabled).
				Bool("target_changed", targetChanged).
				Float64("integral", c.integral).
				Msg("Resetting integral accumulator")
		}
		c.integral = 0
		c.lastTarget = &target
	}
}

// limitIntegral is the anti-windup step. When the output saturated, the
// integral step taken this cycle is cut back so that the accumulator never
// exceeds the value that reproduces the violated boundary. It never unwinds
// below the pre-step value, and a step that moved away from the violated
// limit is kept.
func (c *Controller) limitIntegral(prior, rest float64, high bool) float64 {
	if c.cfg.IntegralGain == 0 {
		return prior
	}

	if high {
		if c.integral <= prior {
			return c.integral
		}
		atBoundary := (c.cfg.MaxSetpoint - rest) / c.cfg.IntegralGain
		return math.Max(prior, atBoundary)
	}

	if c.integral >= prior {
		return c.integral
	}
	atBoundary := (c.cfg.MinSetpoint - rest) / c.cfg.IntegralGain
	return math.Min(prior, atBoundary)
}

// DecidePump runs the inner loop against the current setpoint.
func (c *Controller) DecidePump(estimate float64, now time.Time) model.PumpCommand {
	band := c.cfg.HysteresisBand / 2

	desired := c.pumpOn
	switch {
	case estimate >= c.cfg.MaxSetpoint:
		desired = false
	case estimate <= c.setpoint-band:
		desired = true
	case estimate >= c.setpoint+band:
		desired = false
	}

	log.Debug().
		Float64("estimate", estimate).
		Float64("setpoint", c.setpoint).
		Float64("band", band).
		Bool("pump_on", c.pumpOn).
		Bool("should_be_on", desired).
		Msg("Evaluating pump hysteresis")

	if desired == c.pumpOn {
		return model.NoChange
	}

	if !c.CanSwitch(now) {
		log.Debug().
			Time("last_switch", *c.lastSwitch).
			Dur("min_cycle", c.cfg.MinCycleDuration()).
			Msg("Pump transition held by minimum cycle duration")
		return model.NoChange
	}

	c.transition(desired, now)
	if desired {
		return model.TurnOn
	}
	return model.TurnOff
}

// CanSwitch reports whether the minimum cycle duration has elapsed since the
// last pump transition.
func (c *Controller) CanSwitch(now time.Time) bool {
	if c.lastSwitch == nil {
		return true
	}
	return now.Sub(*c.lastSwitch) >= c.cfg.MinCycleDuration()
}

// Disable turns the pump off immediately, bypassing the minimum cycle guard,
// and clears the integral.
func (c *Controller) Disable(now time.Time) model.PumpCommand {
	c.ResetIntegral()
	if !c.pumpOn {
		return model.NoChange
	}
	c.transition(false, now)
	return model.TurnOff
}

// SyncPumpState aligns the controller with the physical pump. A mismatch is
// recorded as a transition at now. Returns true when the state changed.
func (c *Controller) SyncPumpState(actual bool, now time.Time) bool {
	if actual == c.pumpOn {
		return false
	}
	log.Info().
		Bool("controller_pump_on", c.pumpOn).
		Bool("actual_pump_on", actual).
		Msg("Syncing controller with physical pump state")
	c.transition(actual, now)
	return true
}

// PumpState is the controller's view of the pump: its on/off state and the
// time of the last real transition.
type PumpState struct {
	On         bool
	LastSwitch *time.Time
}

func (c *Controller) PumpState() PumpState {
	return PumpState{On: c.pumpOn, LastSwitch: c.lastSwitch}
}

// Revert restores a PumpState captured before a command that never reached
// the pump, so the failed attempt does not count as a transition.
func (c *Controller) Revert(s PumpState) {
	c.pumpOn = s.On
	c.lastSwitch = s.LastSwitch
}

func (c *Controller) transition(on bool, now time.Time) {
	c.pumpOn = on
	c.lastSwitch = &now
}

func (c *Controller) ResetIntegral() {
	c.integral = 0
}

func (c *Controller) Setpoint() float64 { return c.setpoint }
func (c *Controller) Integral() float64 { return c.integral }
func (c *Controller) PumpOn() bool      { return c.pumpOn }
func (c *Controller) Clamped() bool     { return c.clamped }

func (c *Controller) Diagnostics(now time.Time) model.Diagnostics {
	d := model.Diagnostics{
		IntegralAccumulator: c.integral,
		ObserverMode:        c.cfg.ObserverMode,
		Clamped:             c.clamped,
	}
	if c.lastSwitch != nil {
		d.SecondsSinceLastSwitch = model.Float(now.Sub(*c.lastSwitch).Seconds())
	}
	return d
}

// Snapshot fills the controller half of a persisted snapshot.
func (c *Controller) Snapshot(s *model.ControllerSnapshot) {
	s.IntegralAccumulator = c.integral
	s.CurrentSetpoint = c.setpoint
	s.PumpOn = c.pumpOn
	s.LastSwitch = c.lastSwitch
	s.LastTargetTemperature = c.lastTarget
}

func (c *Controller) Restore(s model.ControllerSnapshot) {
	c.integral = s.IntegralAccumulator
	if s.CurrentSetpoint >= c.cfg.MinSetpoint && s.CurrentSetpoint <= c.cfg.MaxSetpoint {
		c.setpoint = s.CurrentSetpoint
	}
	c.pumpOn = s.PumpOn
	c.lastSwitch = s.LastSwitch
	c.lastTarget = s.LastTargetTemperature
}

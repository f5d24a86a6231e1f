package estimator

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

// Estimate is the resolved radiator temperature for one cycle.
type Estimate struct {
	Value     float64
	Predicted float64
	// Initialized is false while the estimator is still holding its default
	// and waiting for a first sensor reading.
	Initialized bool
	// Stale is set when no reading arrived and a held value was returned
	// instead. StaleCycles counts consecutive stale cycles.
	Stale       bool
	StaleCycles int
}

// Estimator models radiator temperature from pump runtime and, depending on
// the observer mode, the raw radiator probe. Not safe for concurrent use.
type Estimator struct {
	cfg config.Control

	estimate    float64
	seeded      bool
	staleCycles int

	lastUpdate  *time.Time
	pumpOn      bool
	pumpOnSince *time.Time
}

func New(cfg config.Control) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{cfg: cfg}
	e.Reset(nil)
	return e, nil
}

// Update advances the process model to now and resolves the estimate for the
// configured observer mode.
func (e *Estimator) Update(raw *float64, pumpOn bool, now time.Time) Estimate {
	if !e.seeded && raw != nil {
		e.estimate = *raw
		e.seeded = true
		log.Info().
			Float64("radiator_temp", *raw).
			Msg("Seeded radiator estimate from sensor")
	}

	dt := 0.0
	if e.lastUpdate != nil {
		dt = math.Max(0, now.Sub(*e.lastUpdate).Seconds())
	}
	e.lastUpdate = &now

	if pumpOn && (!e.pumpOn || e.pumpOnSince == nil) {
		e.pumpOnSince = &now
	} else if !pumpOn {
		e.pumpOnSince = nil
	}
	e.pumpOn = pumpOn

	predicted := e.clamp(e.estimate + e.delta(dt, now))

	if !e.Initialized() {
		e.staleCycles++
		return Estimate{Value: e.estimate, Predicted: e.estimate, Stale: true, StaleCycles: e.staleCycles}
	}

	out := Estimate{Predicted: predicted, Initialized: true}
	switch e.cfg.ObserverMode {
	case model.ObserverRuntime:
		out.Value = predicted
	case model.ObserverFusion:
		if raw != nil {
			w, measured := e.cfg.FusionWeight, *raw
			out.Value = w*measured + (1-w)*predicted
		} else {
			out.Value = predicted
		}
	default:
		if raw != nil {
			out.Value = *raw
		} else {
			out.Value = e.estimate
			out.Stale = true
		}
	}

	if out.Stale {
		e.staleCycles++
	} else {
		e.staleCycles = 0
	}
	out.StaleCycles = e.staleCycles

	log.Debug().
		Str("mode", string(e.cfg.ObserverMode)).
		Bool("pump_on", pumpOn).
		Interface("measured", raw).
		Float64("dt", dt).
		Float64("predicted", predicted).
		Float64("estimate", out.Value).
		Bool("stale", out.Stale).
		Msg("Updated radiator estimate")

	e.estimate = out.Value
	return out
}

// delta is the process-model temperature change over the last dt seconds.
// Heating only counts the part of the interval past the pump dead time.
func (e *Estimator) delta(dt float64, now time.Time) float64 {
	if !e.pumpOn {
		return -e.cfg.CoolingRate * dt
	}
	running := now.Sub(*e.pumpOnSince).Seconds()
	heating := math.Min(dt, running-e.cfg.PumpDeadSeconds)
	if heating <= 0 {
		return 0
	}
	return e.cfg.HeatingRate * heating
}

func (e *Estimator) clamp(v float64) float64 {
	return math.Max(e.cfg.MinSetpoint, math.Min(e.cfg.MaxSetpoint, v))
}

// Reset drops all history. A non-nil value seeds the estimate; otherwise the
// estimator falls back to the base setpoint until the next reading.
func (e *Estimator) Reset(value *float64) {
	e.lastUpdate = nil
	e.pumpOn = false
	e.pumpOnSince = nil
	e.staleCycles = 0

	if value != nil {
		e.estimate = *value
		e.seeded = true
		return
	}
	e.estimate = e.cfg.BaseSetpoint
	e.seeded = false
}

// Rebase drops the timing history (last update and pump dead time) but keeps
// the estimate. A raw reading re-seeds the estimate, except in runtime mode
// where only the first reading ever seeds it.
func (e *Estimator) Rebase(raw *float64) {
	e.lastUpdate = nil
	e.pumpOn = false
	e.pumpOnSince = nil

	if raw == nil || (e.seeded && e.cfg.ObserverMode == model.ObserverRuntime) {
		return
	}
	e.estimate = *raw
	e.seeded = true
	e.staleCycles = 0
}

// Initialized reports whether the estimate is usable. The runtime model runs
// from the default without a reading; the other modes need one.
func (e *Estimator) Initialized() bool {
	return e.seeded || e.cfg.ObserverMode == model.ObserverRuntime
}

func (e *Estimator) Value() float64   { return e.estimate }
func (e *Estimator) StaleCycles() int { return e.staleCycles }

// Snapshot fills the estimator half of a persisted snapshot.
func (e *Estimator) Snapshot(s *model.ControllerSnapshot) {
	s.RadiatorEstimate = e.estimate
	s.EstimatorInitialized = e.seeded
	s.PumpOnSince = e.pumpOnSince
}

// Restore loads a persisted snapshot. The first cycle after a restore uses a
// zero dt so downtime is not integrated into the model.
func (e *Estimator) Restore(s model.ControllerSnapshot) {
	e.Reset(nil)
	if s.EstimatorInitialized {
		e.estimate = e.clamp(s.RadiatorEstimate)
		e.seeded = true
	}
	if s.PumpOnSince != nil {
		e.pumpOn = true
		e.pumpOnSince = s.PumpOnSince
	}
}

// Package climatecontroller runs the evaluation cycle: it gathers sensor
// readings and the user's climate settings, drives the cascade controller and
// radiator estimator, applies the pump command and publishes the outcome.
package climatecontroller

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/db"
	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/controllers/cascadecontroller"
	"github.com/thatsimonsguy/cascade-controller/internal/controllers/estimator"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
	"github.com/thatsimonsguy/cascade-controller/internal/mqtt"
	"github.com/thatsimonsguy/cascade-controller/internal/pump"
	"github.com/thatsimonsguy/cascade-controller/internal/state"
	"github.com/thatsimonsguy/cascade-controller/internal/temperature"
)

const (
	ReasonPoll    = "poll"
	ReasonStartup = "startup"
)

// Readings supplies the latest sensor values, nil when unavailable.
type Readings interface {
	Get(source temperature.Source) *float64
}

// Sink receives every evaluation outcome.
type Sink interface {
	Record(o model.Outcome)
}

// Notifier interface for sending notifications
type Notifier interface {
	Send(title, message string) error
}

type Pinger interface {
	Ping(now time.Time)
}

// Deps are the collaborators of a ClimateController. DB, Readings and Pump
// are required.
type Deps struct {
	DB        *sql.DB
	Readings  Readings
	Pump      pump.Switch
	Publisher mqtt.Client
	Sinks     []Sink
	Notifier  Notifier
	Watchdog  Pinger
	Status    *state.Status
	Now       func() time.Time
}

type ClimateController struct {
	cfg  *config.Config
	deps Deps

	controller *cascadecontroller.Controller
	estimator  *estimator.Estimator

	// mu makes evaluations single-flight.
	mu            sync.Mutex
	lastEval      *time.Time
	lastTarget    *float64
	staleNotified bool
	disabled      bool

	trigger chan string
}

func New(cfg *config.Config, deps Deps) (*ClimateController, error) {
	if deps.DB == nil || deps.Readings == nil || deps.Pump == nil {
		return nil, fmt.Errorf("climate controller requires a database, readings and a pump switch")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	controller, err := cascadecontroller.New(cfg.Control)
	if err != nil {
		return nil, err
	}
	est, err := estimator.New(cfg.Control)
	if err != nil {
		return nil, err
	}

	return &ClimateController{
		cfg:        cfg,
		deps:       deps,
		controller: controller,
		estimator:  est,
		trigger:    make(chan string, 1),
	}, nil
}

// Restore loads the persisted controller and estimator state, if any.
func (c *ClimateController) Restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := db.LoadControllerState(c.deps.DB)
	if err != nil {
		return err
	}
	if snap == nil {
		log.Info().Msg("No persisted controller state, starting fresh")
		return nil
	}

	c.controller.Restore(*snap)
	c.estimator.Restore(*snap)
	c.lastTarget = snap.LastTargetTemperature

	log.Info().
		Float64("integral", snap.IntegralAccumulator).
		Float64("setpoint", snap.CurrentSetpoint).
		Bool("pump_on", snap.PumpOn).
		Float64("radiator_estimate", snap.RadiatorEstimate).
		Time("saved_at", snap.UpdatedAt).
		Msg("Restored controller state")
	return nil
}

// Trigger requests an evaluation from Run. Requests arriving while one is
// pending are coalesced.
func (c *ClimateController) Trigger(reason string) {
	select {
	case c.trigger <- reason:
	default:
	}
}

// Run evaluates on every poll tick and on triggers until ctx is done.
func (c *ClimateController) Run(ctx context.Context) {
	log.Info().Dur("poll_interval", c.cfg.PollInterval()).Msg("Starting climate controller")

	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()

	c.Evaluate(ctx, ReasonStartup)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Climate controller stopped")
			return
		case <-ticker.C:
			c.Evaluate(ctx, ReasonPoll)
		case reason := <-c.trigger:
			c.Evaluate(ctx, reason)
		}
	}
}

// Evaluate runs one full cycle and publishes its outcome.
func (c *ClimateController) Evaluate(ctx context.Context, reason string) model.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.deps.Now()
	in := c.gatherInputs(ctx, now)

	var outcome model.Outcome
	climate, err := db.GetClimate(c.deps.DB)
	if err != nil {
		log.Error().Err(err).Msg("Could not load climate settings")
		outcome = c.skip(now, "climate settings unavailable")
	} else {
		in.TargetTemperature = &climate.TargetTemperature
		in.LoopEnabled = climate.Mode == model.ModeHeat
		outcome = c.evaluate(ctx, in)
	}

	log.Debug().
		Str("reason", reason).
		Str("status", string(outcome.Status)).
		Str("command", outcome.Command.String()).
		Msg("Evaluation complete")

	c.publish(outcome, climate, in)
	return outcome
}

func (c *ClimateController) gatherInputs(ctx context.Context, now time.Time) model.Inputs {
	in := model.Inputs{
		RoomTemperature:     c.deps.Readings.Get(temperature.SourceRoom),
		OutdoorTemperature:  c.deps.Readings.Get(temperature.SourceOutdoor),
		ForecastTemperature: c.deps.Readings.Get(temperature.SourceForecast),
		RadiatorTemperature: c.deps.Readings.Get(temperature.SourceRadiator),
		Now:                 now,
	}

	on, known, err := c.deps.Pump.State(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read physical pump state")
	} else if known {
		in.PumpOn = &on
	}
	return in
}

func (c *ClimateController) evaluate(ctx context.Context, in model.Inputs) model.Outcome {
	now := in.Now
	elapsed := c.elapsed(now)

	if in.PumpOn != nil {
		c.controller.SyncPumpState(*in.PumpOn, now)
	}

	if !in.LoopEnabled {
		return c.disable(ctx, in)
	}
	c.disabled = false

	if in.RoomTemperature == nil {
		log.Warn().Msg("Room temperature unavailable, skipping cycle")
		return c.skip(now, "room temperature unavailable")
	}

	target := *in.TargetTemperature
	if c.lastTarget != nil && *c.lastTarget != target {
		log.Info().
			Float64("previous", *c.lastTarget).
			Float64("target", target).
			Msg("Target temperature changed, rebasing radiator estimate")
		c.estimator.Rebase(in.RadiatorTemperature)
	}
	c.lastTarget = &target

	setpoint := c.controller.ComputeSetpoint(cascadecontroller.SetpointInput{
		RoomTemperature:    *in.RoomTemperature,
		TargetTemperature:  target,
		OutdoorTemperature: in.OutdoorTemperature,
		ForecastDelta:      c.forecastDelta(in.ForecastTemperature),
		Elapsed:            elapsed,
		LoopEnabled:        true,
	})

	est := c.estimator.Update(in.RadiatorTemperature, c.controller.PumpOn(), now)
	if !est.Initialized {
		log.Warn().Msg("Radiator estimate not initialized, waiting for a radiator reading")
		outcome := c.skip(now, "radiator estimate not initialized")
		outcome.Setpoint = setpoint
		outcome.Estimate = est.Value
		return outcome
	}
	c.checkStale(est)

	prev := c.controller.PumpState()
	cmd := c.controller.DecidePump(est.Value, now)
	outcome := model.Outcome{
		Status:   model.OutcomeApplied,
		Setpoint: setpoint,
		Estimate: est.Value,
		Stale:    est.Stale,
		Command:  cmd,
	}
	if err := c.apply(ctx, cmd, prev); err != nil {
		outcome.Reason = err.Error()
		outcome.Command = model.NoChange
	}

	c.persist(now)
	return c.finish(outcome, now)
}

// disable handles the heating-off state: integral cleared, pump forced off
// without waiting out the minimum cycle. The estimator is rebased on entry and
// then keeps tracking the idle radiator.
func (c *ClimateController) disable(ctx context.Context, in model.Inputs) model.Outcome {
	now := in.Now
	if !c.disabled {
		c.estimator.Rebase(in.RadiatorTemperature)
		c.disabled = true
	}
	prev := c.controller.PumpState()
	cmd := c.controller.Disable(now)
	c.staleNotified = false

	outcome := model.Outcome{
		Status:   model.OutcomeDisabled,
		Setpoint: c.controller.Setpoint(),
		Command:  cmd,
	}
	if cmd == model.TurnOff {
		log.Info().Msg("Heating disabled, turning radiator pump off")
	}
	if err := c.apply(ctx, cmd, prev); err != nil {
		outcome.Reason = err.Error()
		outcome.Command = model.NoChange
	}
	outcome.Estimate = c.estimator.Update(in.RadiatorTemperature, c.controller.PumpOn(), now).Value

	c.persist(now)
	return c.finish(outcome, now)
}

func (c *ClimateController) skip(now time.Time, reason string) model.Outcome {
	return c.finish(model.Outcome{Status: model.OutcomeSkipped, Reason: reason, Command: model.NoChange}, now)
}

func (c *ClimateController) finish(o model.Outcome, now time.Time) model.Outcome {
	o.PumpOn = c.controller.PumpOn()
	o.Diagnostics = c.controller.Diagnostics(now)
	o.Timestamp = now
	return o
}

// elapsed returns the time since the previous evaluation, capped at
// max_elapsed_seconds. Zero on the first cycle.
func (c *ClimateController) elapsed(now time.Time) time.Duration {
	prev := c.lastEval
	c.lastEval = &now
	if prev == nil {
		return 0
	}

	elapsed := now.Sub(*prev)
	limit := time.Duration(c.cfg.MaxElapsedSeconds * float64(time.Second))
	if limit > 0 && elapsed > limit {
		log.Debug().Dur("elapsed", elapsed).Dur("limit", limit).Msg("Capping elapsed time")
		elapsed = limit
	}
	return elapsed
}

// forecastDelta maps a forecast temperature onto a setpoint offset using half
// the outdoor gain.
func (c *ClimateController) forecastDelta(forecast *float64) *float64 {
	if forecast == nil {
		return nil
	}
	delta := c.cfg.Control.OutdoorGain / 2 * math.Max(0, c.cfg.Control.OutdoorBaseline-*forecast)
	return &delta
}

func (c *ClimateController) checkStale(est estimator.Estimate) {
	if !est.Stale {
		if c.staleNotified {
			log.Info().Msg("Radiator readings resumed")
		}
		c.staleNotified = false
		return
	}

	log.Warn().
		Int("stale_cycles", est.StaleCycles).
		Float64("held_estimate", est.Value).
		Msg("No radiator reading, holding last estimate")

	if c.cfg.StaleAlertCycles > 0 && est.StaleCycles >= c.cfg.StaleAlertCycles && !c.staleNotified {
		c.staleNotified = true
		c.notify("Radiator Sensor Stale",
			fmt.Sprintf("No radiator reading for %d cycles, holding %.1f°C", est.StaleCycles, est.Value))
	}
}

// apply sends cmd to the pump. When the actuator fails the controller is
// reverted to prev, leaving the minimum cycle timer untouched.
func (c *ClimateController) apply(ctx context.Context, cmd model.PumpCommand, prev cascadecontroller.PumpState) error {
	if cmd == model.NoChange {
		return nil
	}

	on := cmd == model.TurnOn
	if err := c.deps.Pump.Set(ctx, on); err != nil {
		log.Error().Err(err).Str("command", cmd.String()).Msg("Failed to switch radiator pump")
		c.controller.Revert(prev)
		c.notify("Radiator Pump Failure", fmt.Sprintf("Could not %s pump: %v", cmd, err))
		return fmt.Errorf("pump %s failed: %w", cmd, err)
	}

	log.Info().
		Str("command", cmd.String()).
		Float64("setpoint", c.controller.Setpoint()).
		Float64("estimate", c.estimator.Value()).
		Msg("Radiator pump switched")
	return nil
}

func (c *ClimateController) persist(now time.Time) {
	snap := model.ControllerSnapshot{UpdatedAt: now}
	c.controller.Snapshot(&snap)
	c.estimator.Snapshot(&snap)
	if err := db.SaveControllerState(c.deps.DB, snap); err != nil {
		log.Error().Err(err).Msg("Failed to persist controller state")
	}
}

func (c *ClimateController) publish(o model.Outcome, climate model.Climate, in model.Inputs) {
	for _, sink := range c.deps.Sinks {
		sink.Record(o)
	}

	if c.deps.Publisher != nil && c.cfg.MQTT.Topics.Diagnostics != "" {
		payload, err := mqtt.FormatDiagnostics(o)
		if err != nil {
			log.Error().Err(err).Msg("Failed to format diagnostics")
		} else if err := c.deps.Publisher.Publish(c.cfg.MQTT.Topics.Diagnostics, payload, true); err != nil {
			log.Warn().Err(err).Msg("Failed to publish diagnostics")
		}
	}

	if c.deps.Status != nil {
		snap := state.Snapshot{
			Climate:             climate,
			RoomTemperature:     in.RoomTemperature,
			OutdoorTemperature:  in.OutdoorTemperature,
			RadiatorTemperature: in.RadiatorTemperature,
			LastOutcome:         &o,
		}
		c.deps.Status.Set(snap)
		if c.cfg.StatusFile != "" {
			if err := state.SaveStatusFile(c.cfg.StatusFile, c.deps.Status.Get()); err != nil {
				log.Warn().Err(err).Str("path", c.cfg.StatusFile).Msg("Failed to write status file")
			}
		}
	}

	if c.deps.Watchdog != nil {
		c.deps.Watchdog.Ping(o.Timestamp)
	}
}

func (c *ClimateController) notify(title, message string) {
	if c.deps.Notifier == nil {
		return
	}
	if err := c.deps.Notifier.Send(title, message); err != nil {
		log.Error().Err(err).Str("title", title).Msg("Failed to send notification")
	}
}

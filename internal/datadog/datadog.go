package datadog

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/internal/env"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

var dogstatsd *statsd.Client

func InitMetrics() {
	if !env.Cfg.EnableDatadog {
		log.Info().Msg("Datadog metrics disabled")
		return
	}

	var err error
	dogstatsd, err = statsd.New(env.Cfg.DDAgentAddr,
		statsd.WithNamespace(env.Cfg.DDNamespace),
		statsd.WithTags(env.Cfg.DDTags),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	log.Info().
		Str("addr", env.Cfg.DDAgentAddr).
		Str("namespace", env.Cfg.DDNamespace).
		Strs("tags", env.Cfg.DDTags).
		Msg("Datadog metrics initialized")
}

func Gauge(name string, value float64, tags ...string) {
	if dogstatsd != nil {
		err := dogstatsd.Gauge(name, value, tags, 1)
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}

func Incr(name string, tags ...string) {
	if dogstatsd != nil {
		err := dogstatsd.Incr(name, tags, 1)
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
		}
	}
}

// Sink forwards evaluation outcomes to DogStatsD.
type Sink struct{}

func (Sink) Record(o model.Outcome) {
	Incr("cycle", "status:"+string(o.Status))
	if o.Status == model.OutcomeSkipped {
		return
	}

	Gauge("radiator.setpoint", o.Setpoint)
	Gauge("radiator.estimate", o.Estimate)
	Gauge("pump.on", boolGauge(o.PumpOn))
	Gauge("integral", o.Diagnostics.IntegralAccumulator)
	Gauge("setpoint.clamped", boolGauge(o.Diagnostics.Clamped))
	Gauge("estimate.stale", boolGauge(o.Stale))
	if o.Command != model.NoChange {
		Incr("pump.switch", "command:"+o.Command.String())
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

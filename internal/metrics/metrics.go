package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

const namespace = "cascade"

// Metrics exposes evaluation outcomes on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	pumpSwitches    *prometheus.CounterVec
	setpoint        prometheus.Gauge
	estimate        prometheus.Gauge
	pumpOn          prometheus.Gauge
	integral        prometheus.Gauge
	clamped         prometheus.Gauge
	staleEstimate   prometheus.Gauge
	sinceLastSwitch prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluation cycles by outcome status",
		}, []string{"status"}),
		pumpSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_switches_total",
			Help:      "Pump transitions commanded by the controller",
		}, []string{"command"}),
		setpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "radiator_setpoint_celsius",
			Help:      "Radiator setpoint computed by the outer loop",
		}),
		estimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "radiator_estimate_celsius",
			Help:      "Estimated radiator temperature used by the inner loop",
		}),
		pumpOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pump_on_binary",
			Help:      "Registers when the circulation pump is running",
		}),
		integral: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integral_accumulator",
			Help:      "Integral accumulator of the outer loop in degree seconds",
		}),
		clamped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "setpoint_clamped_binary",
			Help:      "Registers when the setpoint hit its min or max limit",
		}),
		staleEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "estimate_stale_binary",
			Help:      "Registers when the radiator estimate is held without a fresh reading",
		}),
		sinceLastSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "seconds_since_last_switch",
			Help:      "Seconds since the last pump transition",
		}),
	}

	m.registry.MustRegister(
		m.cycles, m.pumpSwitches, m.setpoint, m.estimate, m.pumpOn,
		m.integral, m.clamped, m.staleEstimate, m.sinceLastSwitch,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Record(o model.Outcome) {
	m.cycles.WithLabelValues(string(o.Status)).Inc()
	if o.Status == model.OutcomeSkipped {
		return
	}

	m.setpoint.Set(o.Setpoint)
	m.estimate.Set(o.Estimate)
	m.pumpOn.Set(binary(o.PumpOn))
	m.integral.Set(o.Diagnostics.IntegralAccumulator)
	m.clamped.Set(binary(o.Diagnostics.Clamped))
	m.staleEstimate.Set(binary(o.Stale))
	if o.Diagnostics.SecondsSinceLastSwitch != nil {
		m.sinceLastSwitch.Set(*o.Diagnostics.SecondsSinceLastSwitch)
	}
	if o.Command != model.NoChange {
		m.pumpSwitches.WithLabelValues(o.Command.String()).Inc()
	}
}

func binary(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

func validConfig() Config {
	cfg := Default()
	cfg.MQTT.Broker = "tcp://localhost:1883"
	return cfg
}

func fields(err error) []string {
	var out []string
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			out = append(out, fields(e)...)
		}
		return out
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		out = append(out, cfgErr.Field)
	}
	return out
}

func TestDefaultControlIsValid(t *testing.T) {
	assert.NoError(t, Default().Control.Validate())
	assert.NoError(t, func() error { c := validConfig(); return c.Validate() }())
}

func TestControlValidate_Ranges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Control)
		field  string
	}{
		{"base too high", func(c *Control) { c.BaseSetpoint = 61; c.MaxSetpoint = 70 }, "base_setpoint"},
		{"negative kp", func(c *Control) { c.ProportionalGain = -1 }, "proportional_gain"},
		{"ki too high", func(c *Control) { c.IntegralGain = 5.5 }, "integral_gain"},
		{"min too low", func(c *Control) { c.MinSetpoint = 5 }, "min_setpoint"},
		{"zero hysteresis", func(c *Control) { c.HysteresisBand = 0 }, "hysteresis_band"},
		{"min cycle too short", func(c *Control) { c.MinCycleSeconds = 10 }, "min_cycle_duration"},
		{"min cycle too long", func(c *Control) { c.MinCycleSeconds = 901 }, "min_cycle_duration"},
		{"outdoor gain", func(c *Control) { c.OutdoorGain = 6 }, "outdoor_gain"},
		{"baseline too cold", func(c *Control) { c.OutdoorBaseline = -21 }, "outdoor_baseline"},
		{"heating rate", func(c *Control) { c.HeatingRate = 1.5 }, "heating_rate"},
		{"cooling rate", func(c *Control) { c.CoolingRate = -0.1 }, "cooling_rate"},
		{"fusion weight", func(c *Control) { c.FusionWeight = 1.1 }, "fusion_weight"},
		{"dead time", func(c *Control) { c.PumpDeadSeconds = 61 }, "pump_dead_time"},
		{"observer mode", func(c *Control) { c.ObserverMode = "kalman" }, "observer_mode"},
		{"base below min", func(c *Control) { c.BaseSetpoint = 20 }, "base_setpoint"},
		{"min above max", func(c *Control) { c.MinSetpoint = 45; c.MaxSetpoint = 40; c.BaseSetpoint = 42 }, "min_setpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default().Control
			tt.mutate(&c)

			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, fields(err), tt.field)

			var cfgErr *ConfigurationError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestControlValidate_ReportsEveryViolation(t *testing.T) {
	c := Default().Control
	c.ProportionalGain = 30
	c.FusionWeight = -1
	c.HysteresisBand = 10

	err := c.Validate()
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"proportional_gain", "fusion_weight", "hysteresis_band"}, fields(err))
}

func TestControlDurations(t *testing.T) {
	c := Default().Control
	assert.Equal(t, 2*time.Minute, c.MinCycleDuration())
	assert.Equal(t, 5*time.Second, c.PumpDeadTime())
}

func TestValidate_PumpDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Pump.Driver = PumpDriverGPIO
	assert.Contains(t, fields(cfg.Validate()), "pump.relay.number")

	cfg.Pump.Relay = model.GPIOPin{Number: 17, ActiveHigh: true}
	assert.NoError(t, cfg.Validate())

	cfg.Pump.Driver = "zigbee"
	assert.Contains(t, fields(cfg.Validate()), "pump.driver")
}

func TestValidate_MissingBroker(t *testing.T) {
	cfg := Default()
	assert.Contains(t, fields(cfg.Validate()), "mqtt.broker")
}

func TestParseJSONKeepsDefaults(t *testing.T) {
	data := []byte(`{
		"poll_interval_seconds": 15,
		"control": {"proportional_gain": 6.5, "observer_mode": "fusion"},
		"mqtt": {"broker": "tcp://broker:1883"}
	}`)

	cfg, err := Parse(data, ".json")
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.PollIntervalSeconds)
	assert.Equal(t, 6.5, cfg.Control.ProportionalGain)
	assert.Equal(t, model.ObserverFusion, cfg.Control.ObserverMode)
	assert.Equal(t, 35.0, cfg.Control.BaseSetpoint)
	assert.Equal(t, "cascade/sensor/room", cfg.MQTT.Topics.Room)
	assert.NoError(t, cfg.Validate())
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
poll_interval_seconds: 20
control:
  integral_gain: 0.01
  observer_mode: runtime
  min_cycle_duration: 300
pump:
  driver: gpio
  relay:
    number: 22
    active_high: false
mqtt:
  broker: tcp://broker:1883
dd_tags:
  - site:home
`)

	cfg, err := Parse(data, ".yaml")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.PollIntervalSeconds)
	assert.Equal(t, 0.01, cfg.Control.IntegralGain)
	assert.Equal(t, model.ObserverRuntime, cfg.Control.ObserverMode)
	assert.Equal(t, 5*time.Minute, cfg.Control.MinCycleDuration())
	assert.Equal(t, PumpDriverGPIO, cfg.Pump.Driver)
	assert.Equal(t, 22, cfg.Pump.Relay.Number)
	assert.Equal(t, []string{"site:home"}, cfg.DDTags)
	assert.NoError(t, cfg.Validate())
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("contorl:\n  integral_gain: 1\n"), ".yml")
	assert.Error(t, err)
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"contorl": {"integral_gain": 1}}`), ".json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contorl")

	_, err = Parse([]byte(`{"control": {"integral_gian": 1}}`), "")
	assert.Error(t, err)
}

func TestValidate_PumpConfirmTimeout(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 15*time.Second, cfg.Pump.ConfirmTimeout())

	cfg.Pump.ConfirmSeconds = -1
	assert.Contains(t, fields(cfg.Validate()), "pump.confirm_seconds")
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"api_port": 9090}`), 0644))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, path, cfg.ConfigFile)

	_, err = FromFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

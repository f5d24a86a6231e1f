package datadog

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/env"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

func setup(t *testing.T, cfg config.Config) {
	origCfg, origClient := env.Cfg, dogstatsd
	env.Cfg = &cfg
	t.Cleanup(func() {
		if dogstatsd != nil && dogstatsd != origClient {
			dogstatsd.Close()
		}
		env.Cfg, dogstatsd = origCfg, origClient
	})
}

func TestDisabledIsNoop(t *testing.T) {
	setup(t, config.Default())
	dogstatsd = nil

	InitMetrics()
	assert.Nil(t, dogstatsd)
	assert.NotPanics(t, func() {
		Sink{}.Record(model.Outcome{Status: model.OutcomeApplied, Command: model.TurnOn})
	})
}

func TestSinkEmitsToAgent(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	cfg := config.Default()
	cfg.EnableDatadog = true
	cfg.DDAgentAddr = conn.LocalAddr().String()
	setup(t, cfg)

	InitMetrics()
	require.NotNil(t, dogstatsd)

	Sink{}.Record(model.Outcome{
		Status:   model.OutcomeApplied,
		Setpoint: 47.5,
		Command:  model.TurnOff,
	})
	require.NoError(t, dogstatsd.Flush())

	var received strings.Builder
	buf := make([]byte, 8192)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for !strings.Contains(received.String(), "pump.switch") {
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err)
		received.Write(buf[:n])
	}

	out := received.String()
	assert.Contains(t, out, "cascade.cycle:1|c|#status:applied")
	assert.Contains(t, out, "cascade.radiator.setpoint:47.5|g")
	assert.Contains(t, out, "cascade.pump.switch:1|c|#command:turn_off")
}

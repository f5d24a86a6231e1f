// Package mqtt carries sensor readings in and pump commands and diagnostics
// out, behind an interface so the controller can be tested without a broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

const (
	PayloadOn      = "ON"
	PayloadOff     = "OFF"
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Handler receives every message on a subscribed topic.
type Handler func(topic string, payload []byte)

// Client publishes and subscribes on a broker.
type Client interface {
	// Publish sends payload to topic. Errors are reported, never fatal.
	Publish(topic string, payload []byte, retained bool) error

	// Subscribe registers handler for topics. Subscriptions survive reconnects.
	Subscribe(topics []string, handler Handler) error

	IsConnected() bool

	Close() error
}

// DiagnosticsPayload is the JSON document published after every evaluation.
type DiagnosticsPayload struct {
	Timestamp              string   `json:"timestamp"`
	Status                 string   `json:"status"`
	Reason                 string   `json:"reason,omitempty"`
	RadiatorSetpoint       float64  `json:"radiator_setpoint"`
	EstimatedRadiatorTemp  float64  `json:"estimated_radiator_temperature"`
	StaleEstimate          bool     `json:"stale_estimate"`
	PumpCommand            string   `json:"pump_command"`
	PumpOn                 bool     `json:"pump_on"`
	IntegralAccumulator    float64  `json:"integral_accumulator"`
	SecondsSinceLastSwitch *float64 `json:"seconds_since_last_switch"`
	ObserverMode           string   `json:"observer_mode"`
	Clamped                bool     `json:"clamped"`
}

func FormatDiagnostics(o model.Outcome) ([]byte, error) {
	payload := DiagnosticsPayload{
		Timestamp:              o.Timestamp.UTC().Format(time.RFC3339),
		Status:                 string(o.Status),
		Reason:                 o.Reason,
		RadiatorSetpoint:       round(o.Setpoint),
		EstimatedRadiatorTemp:  round(o.Estimate),
		StaleEstimate:          o.Stale,
		PumpCommand:            o.Command.String(),
		PumpOn:                 o.PumpOn,
		IntegralAccumulator:    round(o.Diagnostics.IntegralAccumulator),
		SecondsSinceLastSwitch: o.Diagnostics.SecondsSinceLastSwitch,
		ObserverMode:           string(o.Diagnostics.ObserverMode),
		Clamped:                o.Diagnostics.Clamped,
	}
	return json.Marshal(payload)
}

func FormatSwitch(on bool) []byte {
	if on {
		return []byte(PayloadOn)
	}
	return []byte(PayloadOff)
}

// ParseSwitch accepts ON/OFF, true/false and 1/0 in any case.
func ParseSwitch(payload []byte) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized switch payload %q", payload)
	}
}

type readingPayload struct {
	Temperature *float64 `json:"temperature"`
	Value       *float64 `json:"value"`
}

// ParseReading accepts a bare number or a JSON object carrying a
// "temperature" or "value" field.
func ParseReading(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return 0, errors.New("empty reading payload")
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}

	var p readingPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return 0, fmt.Errorf("unrecognized reading payload %q: %w", s, err)
	}
	switch {
	case p.Temperature != nil:
		return *p.Temperature, nil
	case p.Value != nil:
		return *p.Value, nil
	default:
		return 0, fmt.Errorf("reading payload %q has no temperature", s)
	}
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}

package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

// GetClimate retrieves the HVAC mode and target temperature.
func GetClimate(db *sql.DB) (model.Climate, error) {
	var c model.Climate
	var mode string
	err := db.QueryRow(`SELECT hvac_mode, target_temperature FROM climate WHERE id = 1`).Scan(&mode, &c.TargetTemperature)
	if err != nil {
		return c, fmt.Errorf("failed to get climate settings: %w", err)
	}
	c.Mode = model.HVACMode(mode)
	return c, nil
}

// LoadControllerState returns the persisted controller snapshot, or nil when
// none has been saved yet.
func LoadControllerState(db *sql.DB) (*model.ControllerSnapshot, error) {
	var s model.ControllerSnapshot
	var lastTarget sql.NullFloat64
	var lastSwitch, pumpOnSince, updatedAt sql.NullString

	err := db.QueryRow(`SELECT integral_accumulator, current_setpoint, last_target_temperature, pump_on, last_switch,
		radiator_estimate, estimator_initialized, pump_on_since, updated_at
		FROM controller_state WHERE id = 1`).
		Scan(&s.IntegralAccumulator, &s.CurrentSetpoint, &lastTarget, &s.PumpOn, &lastSwitch,
			&s.RadiatorEstimate, &s.EstimatorInitialized, &pumpOnSince, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load controller state: %w", err)
	}

	if lastTarget.Valid {
		s.LastTargetTemperature = model.Float(lastTarget.Float64)
	}
	if s.LastSwitch, err = parseTime(lastSwitch); err != nil {
		return nil, fmt.Errorf("failed to parse last_switch: %w", err)
	}
	if s.PumpOnSince, err = parseTime(pumpOnSince); err != nil {
		return nil, fmt.Errorf("failed to parse pump_on_since: %w", err)
	}
	updated, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if updated != nil {
		s.UpdatedAt = *updated
	}
	return &s, nil
}

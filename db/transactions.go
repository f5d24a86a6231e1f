package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

func UpdateHVACMode(db *sql.DB, mode model.HVACMode) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	if err := UpdateHVACModeWithTx(tx, mode); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func UpdateHVACModeWithTx(tx *sql.Tx, mode model.HVACMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid hvac mode %q", mode)
	}
	_, err := tx.Exec(`UPDATE climate SET hvac_mode = ?, updated_at = ? WHERE id = 1`,
		string(mode), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("update hvac mode: %w", err)
	}
	return nil
}

func UpdateTargetTemperature(db *sql.DB, target float64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	if err := UpdateTargetTemperatureWithTx(tx, target); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func UpdateTargetTemperatureWithTx(tx *sql.Tx, target float64) error {
	_, err := tx.Exec(`UPDATE climate SET target_temperature = ?, updated_at = ? WHERE id = 1`,
		target, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("update target temperature: %w", err)
	}
	return nil
}

// SaveControllerState upserts the single controller snapshot row.
func SaveControllerState(db *sql.DB, s model.ControllerSnapshot) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = tx.Exec(`INSERT INTO controller_state (id, integral_accumulator, current_setpoint, last_target_temperature,
			pump_on, last_switch, radiator_estimate, estimator_initialized, pump_on_since, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			integral_accumulator = excluded.integral_accumulator,
			current_setpoint = excluded.current_setpoint,
			last_target_temperature = excluded.last_target_temperature,
			pump_on = excluded.pump_on,
			last_switch = excluded.last_switch,
			radiator_estimate = excluded.radiator_estimate,
			estimator_initialized = excluded.estimator_initialized,
			pump_on_since = excluded.pump_on_since,
			updated_at = excluded.updated_at`,
		s.IntegralAccumulator, s.CurrentSetpoint, s.LastTargetTemperature, s.PumpOn, formatTime(s.LastSwitch),
		s.RadiatorEstimate, s.EstimatorInitialized, formatTime(s.PumpOnSince), *formatTime(&updatedAt))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("save controller state: %w", err)
	}
	return tx.Commit()
}

// ResetControllerState drops the persisted snapshot so the next start begins
// from a zeroed controller.
func ResetControllerState(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM controller_state WHERE id = 1`); err != nil {
		tx.Rollback()
		return fmt.Errorf("reset controller state: %w", err)
	}
	return tx.Commit()
}

package db

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

func SetHVACModeCLI(dbPath, mode string) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	tx, err := StartTransaction(dbConn)
	if err != nil {
		return err
	}
	if err := UpdateHVACModeWithTx(tx, model.HVACMode(mode)); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func SetTargetTemperatureCLI(dbPath string, target float64) error {
	if err := ValidateTargetTemperature(target); err != nil {
		return err
	}
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	tx, err := StartTransaction(dbConn)
	if err != nil {
		return err
	}
	if err := UpdateTargetTemperatureWithTx(tx, target); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func ResetControllerStateCLI(dbPath string) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	return ResetControllerState(dbConn)
}

// ShowStateCLI returns a printable summary of the climate settings and the
// persisted controller snapshot.
func ShowStateCLI(dbPath string) (string, error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return "", err
	}
	defer dbConn.Close()
	return describeState(dbConn)
}

func describeState(dbConn *sql.DB) (string, error) {
	climate, err := GetClimate(dbConn)
	if err != nil {
		return "", err
	}
	out := fmt.Sprintf("hvac_mode=%s target_temperature=%.1f\n", climate.Mode, climate.TargetTemperature)

	snap, err := LoadControllerState(dbConn)
	if err != nil {
		return "", err
	}
	if snap == nil {
		return out + "controller_state=none\n", nil
	}

	out += fmt.Sprintf("setpoint=%.2f integral=%.2f pump_on=%t estimate=%.2f initialized=%t updated_at=%s\n",
		snap.CurrentSetpoint, snap.IntegralAccumulator, snap.PumpOn, snap.RadiatorEstimate,
		snap.EstimatorInitialized, snap.UpdatedAt.Format("2006-01-02 15:04:05"))
	if snap.LastSwitch != nil {
		out += fmt.Sprintf("last_switch=%s\n", snap.LastSwitch.Format("2006-01-02 15:04:05"))
	}
	return out, nil
}

// ValidateTargetTemperature enforces the user-facing target range and step.
func ValidateTargetTemperature(target float64) error {
	if target < config.MinTargetTemperature || target > config.MaxTargetTemperature {
		return fmt.Errorf("target temperature %.1f outside [%.0f, %.0f]",
			target, config.MinTargetTemperature, config.MaxTargetTemperature)
	}
	steps := target / config.TargetTemperatureStep
	if math.Abs(steps-math.Round(steps)) > 1e-9 {
		return fmt.Errorf("target temperature %.2f is not a multiple of %.1f", target, config.TargetTemperatureStep)
	}
	return nil
}

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/db"
	"github.com/thatsimonsguy/cascade-controller/internal/api"
	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/controllers/climatecontroller"
	"github.com/thatsimonsguy/cascade-controller/internal/datadog"
	"github.com/thatsimonsguy/cascade-controller/internal/env"
	"github.com/thatsimonsguy/cascade-controller/internal/gpio"
	"github.com/thatsimonsguy/cascade-controller/internal/logging"
	"github.com/thatsimonsguy/cascade-controller/internal/metrics"
	"github.com/thatsimonsguy/cascade-controller/internal/mqtt"
	"github.com/thatsimonsguy/cascade-controller/internal/notifications"
	"github.com/thatsimonsguy/cascade-controller/internal/pump"
	"github.com/thatsimonsguy/cascade-controller/internal/state"
	"github.com/thatsimonsguy/cascade-controller/internal/temperature"
	"github.com/thatsimonsguy/cascade-controller/internal/watchdog"
	"github.com/thatsimonsguy/cascade-controller/system/shutdown"
)

func main() {
	cfg := config.Load()
	env.Cfg = &cfg
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("db", cfg.DBPath).
		Str("observer_mode", string(cfg.Control.ObserverMode)).
		Str("pump_driver", cfg.Pump.Driver).
		Msg("Starting cascade controller")

	gpio.SetSafeMode(cfg.SafeMode)
	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED: GPIO writes are disabled system-wide")
	}

	if cfg.Pump.Driver == config.PumpDriverGPIO && !cfg.SafeMode {
		if err := gpio.ValidateInitialPinState("radiator_pump", cfg.Pump.Relay); err != nil {
			log.Fatal().Err(err).Msg("Refusing to start with the pump relay in an unsafe state")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		shutdown.ShutdownWithError(err, "Failed to create data directory")
	}
	dbConn, err := db.Open(cfg.DBPath)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open state database")
	}
	shutdown.RegisterHook(func() { dbConn.Close() })

	if err := db.SeedDatabase(dbConn, cfg.DefaultTargetTemperature); err != nil {
		shutdown.ShutdownWithError(err, "Failed to seed state database")
	}

	env.Status = state.NewStatus(cfg.Control.MaxSetpoint)
	if cfg.StatusFile != "" {
		if prev, err := state.LoadStatusFile(cfg.StatusFile); err == nil && prev.LastOutcome != nil {
			log.Info().
				Time("at", prev.LastOutcome.Timestamp).
				Str("status", string(prev.LastOutcome.Status)).
				Bool("pump_on", prev.LastOutcome.PumpOn).
				Msg("Previous run ended with")
		}
	}

	datadog.InitMetrics()
	notifications.Init()
	promMetrics := metrics.New()

	mqttClient, err := mqtt.NewRealClient(cfg.MQTT)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to connect to MQTT broker")
	}
	shutdown.RegisterHook(func() { mqttClient.Close() })

	temps := temperature.NewService(cfg.PollInterval())
	if err := temps.Subscribe(mqttClient, cfg.MQTT.Topics); err != nil {
		shutdown.ShutdownWithError(err, "Failed to subscribe to sensor topics")
	}
	if cfg.Sensors.RadiatorProbeBus != "" {
		temps.StartProbe(ctx, cfg.Sensors.RadiatorProbeBus, cfg.PollInterval())
	}

	var pumpSwitch pump.Switch
	switch cfg.Pump.Driver {
	case config.PumpDriverGPIO:
		pumpSwitch = pump.NewGPIORelay(cfg.Pump.Relay)
	default:
		pumpSwitch = pump.NewMQTTSwitch(mqttClient, cfg.MQTT.Topics.PumpCommand, temps, cfg.Pump.ConfirmTimeout())
	}
	// registered after the mqtt client so it runs before the disconnect
	shutdown.RegisterHook(func() {
		if err := pumpSwitch.Set(context.Background(), false); err != nil {
			log.Error().Err(err).Msg("Failed to turn pump off during shutdown")
			return
		}
		log.Info().Msg("Radiator pump turned off")
	})

	wd := watchdog.New()
	shutdown.RegisterHook(wd.Stopping)
	if timeout := wd.Interval(); timeout > 0 && timeout <= cfg.PollInterval() {
		log.Warn().
			Dur("watchdog_timeout", timeout).
			Dur("poll_interval", cfg.PollInterval()).
			Msg("systemd watchdog timeout does not exceed the poll interval, the service will be restarted between cycles")
	}

	controller, err := climatecontroller.New(&cfg, climatecontroller.Deps{
		DB:        dbConn,
		Readings:  temps,
		Pump:      pumpSwitch,
		Publisher: mqttClient,
		Sinks:     []climatecontroller.Sink{datadog.Sink{}, promMetrics},
		Notifier:  notifications.Sender{},
		Watchdog:  wd,
		Status:    env.Status,
	})
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to create climate controller")
	}
	if err := controller.Restore(); err != nil {
		log.Warn().Err(err).Msg("Failed to restore controller state, starting fresh")
	}

	temps.OnChange(func(src temperature.Source) {
		if src == temperature.SourceRoom || src == temperature.SourcePump {
			controller.Trigger(string(src))
		}
	})

	server := api.NewServer(dbConn, env.Status, &cfg, controller.Trigger, promMetrics.Handler())
	server.SetLiveness(wd, 3*cfg.PollInterval())
	go func() {
		if err := server.Start(cfg.APIPort); err != nil {
			shutdown.ShutdownWithError(err, "REST API server failed")
		}
	}()

	wd.Ready()
	controller.Run(ctx)

	log.Info().Msg("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("REST API server did not stop cleanly")
	}
	cancel()

	shutdown.Shutdown()
}

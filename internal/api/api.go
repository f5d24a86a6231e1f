package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/db"
	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
	"github.com/thatsimonsguy/cascade-controller/internal/state"
)

type Server struct {
	db      *sql.DB
	status  *state.Status
	config  *config.Config
	trigger func(reason string)
	metrics http.Handler

	liveness   Liveness
	maxPingAge time.Duration

	httpServer *http.Server
}

type ClimateResponse struct {
	Mode                   string             `json:"mode"`
	TargetTemperature      float64            `json:"target_temperature"`
	MinTargetTemperature   float64            `json:"min_target_temperature"`
	MaxTargetTemperature   float64            `json:"max_target_temperature"`
	TargetTemperatureStep  float64            `json:"target_temperature_step"`
	RoomTemperature        *float64           `json:"room_temperature"`
	OutdoorTemperature     *float64           `json:"outdoor_temperature"`
	RadiatorTemperature    *float64           `json:"radiator_temperature"`
	MaxRadiatorTemperature float64            `json:"max_radiator_temperature"`
	RadiatorSetpoint       *float64           `json:"radiator_setpoint"`
	EstimatedRadiatorTemp  *float64           `json:"estimated_radiator_temperature"`
	PumpOn                 bool               `json:"pump_on"`
	StaleEstimate          bool               `json:"stale_estimate"`
	LastStatus             string             `json:"last_status,omitempty"`
	LastReason             string             `json:"last_reason,omitempty"`
	Diagnostics            *model.Diagnostics `json:"diagnostics"`
	UpdatedAt              *time.Time         `json:"updated_at"`
}

// Liveness reports when the control loop last completed an evaluation.
type Liveness interface {
	LastPing() time.Time
}

type ModeRequest struct {
	Mode string `json:"mode"`
}

type TargetRequest struct {
	Temperature *float64 `json:"temperature"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the REST API. trigger is called after every accepted
// change so the controller reacts without waiting for the next poll; it may
// be nil. metrics is served on /metrics when non-nil.
func NewServer(database *sql.DB, status *state.Status, cfg *config.Config, trigger func(string), metrics http.Handler) *Server {
	return &Server{
		db:      database,
		status:  status,
		config:  cfg,
		trigger: trigger,
		metrics: metrics,
	}
}

// SetLiveness makes /healthz fail when the control loop has not completed an
// evaluation within maxAge.
func (s *Server) SetLiveness(l Liveness, maxAge time.Duration) {
	s.liveness = l
	s.maxPingAge = maxAge
}

// Handler returns the routed API wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/climate", s.handleClimate)
	mux.HandleFunc("/api/climate/mode", s.handleMode)
	mux.HandleFunc("/api/climate/target", s.handleTarget)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.liveness != nil {
		last := s.liveness.LastPing()
		if last.IsZero() {
			s.writeError(w, http.StatusServiceUnavailable, "No evaluation completed yet")
			return
		}
		if age := time.Since(last); age > s.maxPingAge {
			s.writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Last evaluation %s ago", age.Round(time.Second)))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleClimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.getClimate(w, r)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.setMode(w, r)
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.setTarget(w, r)
}

func (s *Server) getClimate(w http.ResponseWriter, r *http.Request) {
	climate, err := db.GetClimate(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get climate settings")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := ClimateResponse{
		Mode:                  string(climate.Mode),
		TargetTemperature:     climate.TargetTemperature,
		MinTargetTemperature:  config.MinTargetTemperature,
		MaxTargetTemperature:  config.MaxTargetTemperature,
		TargetTemperatureStep: config.TargetTemperatureStep,
	}

	if s.status != nil {
		snap := s.status.Get()
		response.RoomTemperature = snap.RoomTemperature
		response.OutdoorTemperature = snap.OutdoorTemperature
		response.RadiatorTemperature = snap.RadiatorTemperature
		response.MaxRadiatorTemperature = snap.MaxRadiatorTemp
		if o := snap.LastOutcome; o != nil {
			response.RadiatorSetpoint = model.Float(o.Setpoint)
			response.EstimatedRadiatorTemp = model.Float(o.Estimate)
			response.PumpOn = o.PumpOn
			response.StaleEstimate = o.Stale
			response.LastStatus = string(o.Status)
			response.LastReason = o.Reason
			diagnostics := o.Diagnostics
			response.Diagnostics = &diagnostics
			updated := o.Timestamp
			response.UpdatedAt = &updated
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	mode := model.HVACMode(req.Mode)
	if !mode.Valid() {
		s.writeError(w, http.StatusBadRequest, "Invalid HVAC mode. Valid modes: off, heat")
		return
	}

	if err := db.UpdateHVACMode(s.db, mode); err != nil {
		log.Error().Err(err).Str("mode", req.Mode).Msg("Failed to update HVAC mode")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("mode", req.Mode).Msg("HVAC mode updated via API")
	s.notifyChange("mode")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Temperature == nil {
		s.writeError(w, http.StatusBadRequest, "temperature is required")
		return
	}

	if err := db.ValidateTargetTemperature(*req.Temperature); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := db.UpdateTargetTemperature(s.db, *req.Temperature); err != nil {
		log.Error().Err(err).Float64("temperature", *req.Temperature).Msg("Failed to update target temperature")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Float64("temperature", *req.Temperature).Msg("Target temperature updated via API")
	s.notifyChange("target")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) notifyChange(reason string) {
	if s.trigger != nil {
		s.trigger(reason)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

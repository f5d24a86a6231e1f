package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/cascade-controller/db"
	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/metrics"
	"github.com/thatsimonsguy/cascade-controller/internal/model"
	"github.com/thatsimonsguy/cascade-controller/internal/state"
)

func setupTestDB(t *testing.T) *sql.DB {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.SeedDatabase(database, 21.0))
	return database
}

type testServer struct {
	*Server
	db       *sql.DB
	status   *state.Status
	triggers []string
}

func setupTestServer(t *testing.T) *testServer {
	cfg := config.Default()
	ts := &testServer{
		db:     setupTestDB(t),
		status: state.NewStatus(cfg.Control.MaxSetpoint),
	}
	m := metrics.New()
	m.Record(model.Outcome{Status: model.OutcomeApplied, Setpoint: 42})
	ts.Server = NewServer(ts.db, ts.status, &cfg, func(reason string) {
		ts.triggers = append(ts.triggers, reason)
	}, m.Handler())
	return ts
}

func (ts *testServer) do(method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func TestGetClimateBeforeFirstEvaluation(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(http.MethodGet, "/api/climate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response ClimateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "off", response.Mode)
	assert.Equal(t, 21.0, response.TargetTemperature)
	assert.Equal(t, 10.0, response.MinTargetTemperature)
	assert.Equal(t, 30.0, response.MaxTargetTemperature)
	assert.Equal(t, 0.5, response.TargetTemperatureStep)
	assert.Equal(t, 50.0, response.MaxRadiatorTemperature)
	assert.Nil(t, response.RoomTemperature)
	assert.Nil(t, response.RadiatorSetpoint)
	assert.Nil(t, response.Diagnostics)
}

func TestGetClimateWithOutcome(t *testing.T) {
	ts := setupTestServer(t)
	ts.status.Set(state.Snapshot{
		RoomTemperature: model.Float(19.5),
		LastOutcome: &model.Outcome{
			Status:   model.OutcomeApplied,
			Setpoint: 47,
			Estimate: 44.5,
			Command:  model.TurnOn,
			PumpOn:   true,
			Diagnostics: model.Diagnostics{
				IntegralAccumulator: 12,
				ObserverMode:        model.ObserverSensor,
			},
			Timestamp: time.Date(2025, 1, 10, 6, 0, 0, 0, time.UTC),
		},
	})

	w := ts.do(http.MethodGet, "/api/climate", "")
	require.Equal(t, http.StatusOK, w.Code)

	var response ClimateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 19.5, *response.RoomTemperature)
	assert.Equal(t, 47.0, *response.RadiatorSetpoint)
	assert.Equal(t, 44.5, *response.EstimatedRadiatorTemp)
	assert.True(t, response.PumpOn)
	assert.Equal(t, "applied", response.LastStatus)
	require.NotNil(t, response.Diagnostics)
	assert.Equal(t, 12.0, response.Diagnostics.IntegralAccumulator)
}

func TestSetMode(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedMode   model.HVACMode
	}{
		{"heat", `{"mode": "heat"}`, http.StatusOK, model.ModeHeat},
		{"off", `{"mode": "off"}`, http.StatusOK, model.ModeOff},
		{"invalid mode", `{"mode": "cool"}`, http.StatusBadRequest, model.ModeOff},
		{"invalid json", `mode=heat`, http.StatusBadRequest, model.ModeOff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t)

			w := ts.do(http.MethodPut, "/api/climate/mode", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)

			climate, err := db.GetClimate(ts.db)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedMode, climate.Mode)

			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, []string{"mode"}, ts.triggers)
			} else {
				assert.Empty(t, ts.triggers)
			}
		})
	}
}

func TestSetTarget(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedTarget float64
	}{
		{"valid", `{"temperature": 22.5}`, http.StatusOK, 22.5},
		{"lower bound", `{"temperature": 10}`, http.StatusOK, 10},
		{"too high", `{"temperature": 31}`, http.StatusBadRequest, 21},
		{"off step", `{"temperature": 21.3}`, http.StatusBadRequest, 21},
		{"missing", `{}`, http.StatusBadRequest, 21},
		{"invalid json", `{"temperature": "warm"}`, http.StatusBadRequest, 21},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t)

			w := ts.do(http.MethodPut, "/api/climate/target", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)

			climate, err := db.GetClimate(ts.db)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedTarget, climate.TargetTemperature)

			if tt.expectedStatus != http.StatusOK {
				var response ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
				assert.NotEmpty(t, response.Error)
				assert.Empty(t, ts.triggers)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/climate"},
		{http.MethodGet, "/api/climate/mode"},
		{http.MethodDelete, "/api/climate/target"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := ts.do(tt.method, tt.path, "")
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

			var response ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, "Method not allowed", response.Error)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(http.MethodOptions, "/api/climate/target", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestMetricsAndHealth(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cascade_radiator_setpoint_celsius 42")

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/zones", "").Code)
}

type fakeLiveness struct {
	last time.Time
}

func (f *fakeLiveness) LastPing() time.Time { return f.last }

func TestHealthzTracksControlLoop(t *testing.T) {
	ts := setupTestServer(t)
	live := &fakeLiveness{}
	ts.SetLiveness(live, 90*time.Second)

	w := ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "No evaluation completed yet")

	live.last = time.Now().Add(-10 * time.Second)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", "").Code)

	live.last = time.Now().Add(-5 * time.Minute)
	w = ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "Last evaluation")
}

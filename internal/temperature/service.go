package temperature

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/env"
	"github.com/thatsimonsguy/cascade-controller/internal/gpio"
	"github.com/thatsimonsguy/cascade-controller/internal/mqtt"
	"github.com/thatsimonsguy/cascade-controller/internal/notifications"
)

type Source string

const (
	SourceRoom     Source = "room"
	SourceRadiator Source = "radiator"
	SourceOutdoor  Source = "outdoor"
	SourceForecast Source = "forecast"
	SourcePump     Source = "pump_state"
)

// Forecasts are published far less often than the poll interval.
const forecastTTL = 6 * time.Hour

// Physical limits for any probe on the system, in °C.
const (
	minPlausible = -50.0
	maxPlausible = 120.0
)

type Reading struct {
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

type readingHistory struct {
	lastGood      *Reading
	candidates    []float64 // consecutive anomalous readings
	anomalyCount  int
	recoveryCount int
	disabled      bool
}

// Notifier interface for sending notifications
type Notifier interface {
	Send(title, message string) error
}

type realNotifier struct{}

func (r *realNotifier) Send(title, message string) error {
	return notifications.Sender{}.Send(title, message)
}

// Service keeps the latest accepted value per source. Values expire after
// twice the poll interval so a silent sensor reads as unavailable.
type Service struct {
	readings *cache.Cache
	history  map[Source]*readingHistory
	mutex    sync.Mutex

	maxTempDelta float64
	maxAnomalies int

	notifier Notifier
	onChange func(Source)
	now      func() time.Time
}

func NewService(pollInterval time.Duration) *Service {
	return newService(pollInterval, env.Cfg.Sensors, &realNotifier{})
}

// TestDeps holds test dependencies
type TestDeps struct {
	Notifier Notifier
	Now      func() time.Time
}

// NewServiceForTest creates a service with a 5° anomaly threshold, a run of
// three anomalies and injectable dependencies.
func NewServiceForTest(pollInterval time.Duration, deps *TestDeps) *Service {
	s := newService(pollInterval, config.Sensors{AnomalyMaxDelta: 5, MaxAnomalies: 3}, deps.Notifier)
	if deps.Now != nil {
		s.now = deps.Now
	}
	return s
}

func newService(pollInterval time.Duration, cfg config.Sensors, notifier Notifier) *Service {
	ttl := 2 * pollInterval
	return &Service{
		readings:     cache.New(ttl, 2*ttl),
		history:      make(map[Source]*readingHistory),
		maxTempDelta: cfg.AnomalyMaxDelta,
		maxAnomalies: cfg.MaxAnomalies,
		notifier:     notifier,
		now:          time.Now,
	}
}

// OnChange registers fn to run after every accepted reading. fn runs on the
// caller's goroutine and must not block.
func (s *Service) OnChange(fn func(Source)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onChange = fn
}

// Record runs temp through anomaly detection and stores it when accepted.
func (s *Service) Record(source Source, temp float64) bool {
	s.mutex.Lock()
	accepted := s.processReading(source, Reading{Temperature: temp, Timestamp: s.now()})
	onChange := s.onChange
	s.mutex.Unlock()

	if accepted {
		log.Debug().Str("source", string(source)).Float64("temp", temp).Msg("Temperature reading accepted")
		if onChange != nil {
			onChange(source)
		}
	} else {
		log.Warn().Str("source", string(source)).Float64("temp", temp).Msg("Temperature reading rejected as anomalous")
	}
	return accepted
}

func (s *Service) processReading(source Source, r Reading) bool {
	if math.IsNaN(r.Temperature) || r.Temperature < minPlausible || r.Temperature > maxPlausible {
		return false
	}

	if source == SourceForecast {
		s.readings.Set(string(source), r, forecastTTL)
		return true
	}

	h := s.history[source]
	if h == nil {
		h = &readingHistory{}
		s.history[source] = h
	}

	if h.lastGood == nil || s.maxTempDelta <= 0 || math.Abs(r.Temperature-h.lastGood.Temperature) <= s.maxTempDelta {
		s.accept(source, h, r)
		if h.disabled {
			h.recoveryCount++
			if h.recoveryCount >= s.maxAnomalies {
				s.recover(source, h, r.Temperature)
			}
		}
		return true
	}

	h.anomalyCount++
	h.recoveryCount = 0
	h.candidates = append(h.candidates, r.Temperature)
	if len(h.candidates) > s.maxAnomalies {
		h.candidates = h.candidates[len(h.candidates)-s.maxAnomalies:]
	}

	if s.stableNewBaseline(h) {
		log.Info().
			Str("source", string(source)).
			Float64("previous", h.lastGood.Temperature).
			Float64("temp", r.Temperature).
			Msg("Stable new baseline detected, accepting temperature")
		wasDisabled := h.disabled
		s.accept(source, h, r)
		if wasDisabled {
			s.recover(source, h, r.Temperature)
		}
		return true
	}

	if h.anomalyCount >= s.maxAnomalies && !h.disabled {
		h.disabled = true
		s.send("Cascade Sensor Failure",
			fmt.Sprintf("[%s] %.1f°C rejected (%d anomalies, last good: %.1f°C)",
				source, r.Temperature, h.anomalyCount, h.lastGood.Temperature))
	}
	return false
}

// stableNewBaseline reports whether the last maxAnomalies rejected readings
// agree with each other, which means the level moved rather than the probe
// failing.
func (s *Service) stableNewBaseline(h *readingHistory) bool {
	if s.maxAnomalies <= 0 || len(h.candidates) < s.maxAnomalies {
		return false
	}
	lo, hi := h.candidates[0], h.candidates[0]
	for _, t := range h.candidates[1:] {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}
	return hi-lo <= s.maxTempDelta
}

func (s *Service) accept(source Source, h *readingHistory, r Reading) {
	h.lastGood = &r
	h.anomalyCount = 0
	h.candidates = nil
	s.readings.Set(string(source), r, cache.DefaultExpiration)
}

func (s *Service) recover(source Source, h *readingHistory, temp float64) {
	h.disabled = false
	h.recoveryCount = 0
	log.Info().Str("source", string(source)).Msg("Sensor recovered")
	s.send("Cascade Sensor Recovery", fmt.Sprintf("[%s] %.1f°C accepted again", source, temp))
}

func (s *Service) send(title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(title, message); err != nil {
		log.Error().Err(err).Str("title", title).Msg("Failed to send sensor notification")
	}
}

// GetTemperature returns the latest accepted reading for source, or false
// when none arrived within the expiry window.
func (s *Service) GetTemperature(source Source) (float64, bool) {
	cached, found := s.readings.Get(string(source))
	if !found {
		return 0, false
	}
	return cached.(Reading).Temperature, true
}

// Get returns the latest reading as a pointer, nil when unavailable.
func (s *Service) Get(source Source) *float64 {
	if t, ok := s.GetTemperature(source); ok {
		return &t
	}
	return nil
}

func (s *Service) SetPumpState(on bool) {
	s.readings.Set(string(SourcePump), on, cache.NoExpiration)

	s.mutex.Lock()
	onChange := s.onChange
	s.mutex.Unlock()
	if onChange != nil {
		onChange(SourcePump)
	}
}

// PumpState returns the last state reported by the pump itself.
func (s *Service) PumpState() (bool, bool) {
	cached, found := s.readings.Get(string(SourcePump))
	if !found {
		return false, false
	}
	return cached.(bool), true
}

func (s *Service) GetAllReadings() map[Source]Reading {
	result := make(map[Source]Reading)
	for k, item := range s.readings.Items() {
		if r, ok := item.Object.(Reading); ok {
			result[Source(k)] = r
		}
	}
	return result
}

// Subscribe routes sensor and pump state topics from client into the
// service. Empty topics are skipped.
func (s *Service) Subscribe(client mqtt.Client, topics config.Topics) error {
	sources := map[string]Source{}
	for topic, source := range map[string]Source{
		topics.Room:      SourceRoom,
		topics.Radiator:  SourceRadiator,
		topics.Outdoor:   SourceOutdoor,
		topics.Forecast:  SourceForecast,
		topics.PumpState: SourcePump,
	} {
		if topic != "" {
			sources[topic] = source
		}
	}

	list := make([]string, 0, len(sources))
	for topic := range sources {
		list = append(list, topic)
	}

	return client.Subscribe(list, func(topic string, payload []byte) {
		s.handleMessage(sources[topic], topic, payload)
	})
}

func (s *Service) handleMessage(source Source, topic string, payload []byte) {
	switch source {
	case "":
		return
	case SourcePump:
		on, err := mqtt.ParseSwitch(payload)
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Ignoring pump state message")
			return
		}
		s.SetPumpState(on)
	default:
		temp, err := mqtt.ParseReading(payload)
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Ignoring sensor message")
			return
		}
		s.Record(source, temp)
	}
}

// StartProbe polls a 1-wire radiator probe until ctx is done.
func (s *Service) StartProbe(ctx context.Context, bus string, interval time.Duration) {
	go func() {
		log.Info().Str("bus", bus).Dur("interval", interval).Msg("Starting radiator probe polling")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			s.readProbe(bus)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Service) readProbe(bus string) {
	temp, err := gpio.ReadSensorTempWithRetries(bus, 3)
	if err != nil {
		log.Warn().Err(err).Str("bus", bus).Msg("Radiator probe read failed")
		return
	}
	s.Record(SourceRadiator, temp)
}

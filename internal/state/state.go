package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/thatsimonsguy/cascade-controller/internal/model"
)

// Snapshot is the externally visible view of the controller after the most
// recent evaluation.
type Snapshot struct {
	Climate             model.Climate  `json:"climate"`
	RoomTemperature     *float64       `json:"room_temperature"`
	OutdoorTemperature  *float64       `json:"outdoor_temperature"`
	RadiatorTemperature *float64       `json:"radiator_temperature"`
	MaxRadiatorTemp     float64        `json:"max_radiator_temperature"`
	LastOutcome         *model.Outcome `json:"last_outcome"`
}

// Status holds the latest Snapshot. Safe for concurrent use; the controller
// writes it and the API reads it.
type Status struct {
	mu       sync.RWMutex
	snapshot Snapshot
}

func NewStatus(maxRadiatorTemp float64) *Status {
	return &Status{snapshot: Snapshot{MaxRadiatorTemp: maxRadiatorTemp}}
}

func (s *Status) Set(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.MaxRadiatorTemp = s.snapshot.MaxRadiatorTemp
	s.snapshot = snap
}

func (s *Status) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// SaveStatusFile writes snap as indented JSON to path, replacing the file
// atomically.
func SaveStatusFile(path string, snap Snapshot) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		f.Close()
		return err
	}
	f.Sync()
	f.Close()
	return os.Rename(tmp, path)
}

func LoadStatusFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var snap Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

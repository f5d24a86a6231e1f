package env

import (
	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/state"
)

var (
	Cfg    *config.Config
	Status *state.Status
)

package watchdog

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/rs/zerolog/log"
)

const (
	stateReady    = "READY=1"
	stateWatchdog = "WATCHDOG=1"
	stateStopping = "STOPPING=1"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Watchdog reports readiness and liveness to systemd. Outside systemd every
// call is a no-op.
type Watchdog struct {
	interval time.Duration

	mu       sync.Mutex
	lastPing time.Time
}

func New() *Watchdog {
	w := &Watchdog{}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read systemd watchdog settings")
	}
	w.interval = interval
	if interval > 0 {
		log.Info().Dur("interval", interval).Msg("systemd watchdog enabled")
	}
	return w
}

// Interval is the systemd watchdog timeout, zero when disabled.
func (w *Watchdog) Interval() time.Duration {
	return w.interval
}

func (w *Watchdog) Ready() {
	w.send(stateReady)
}

func (w *Watchdog) Stopping() {
	w.send(stateStopping)
}

// Ping signals liveness. It is called once per completed evaluation so a hung
// control loop gets the service restarted.
func (w *Watchdog) Ping(now time.Time) {
	w.send(stateWatchdog)

	w.mu.Lock()
	w.lastPing = now
	w.mu.Unlock()
}

// LastPing is the time of the last completed evaluation, zero before the
// first one.
func (w *Watchdog) LastPing() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPing
}

func (w *Watchdog) send(state string) {
	sent, err := notify(false, state)
	if err != nil {
		log.Warn().Err(err).Str("state", state).Msg("Failed to notify systemd")
		return
	}
	if !sent && state != stateWatchdog {
		log.Debug().Str("state", state).Msg("Not running under systemd, notification skipped")
	}
}

package timesync

import (
	"sync"
	"time"

	"github.com/vectorbus/ibus/internal/config/logger"
)

// WatchDog escalates a SimulationTask that overruns its allotted time: a
// soft timeout logs a warning, a hard timeout invokes OnHardTimeout (the
// caller transitions the participant to Error).
//
// Grounded on the _watchDog member of _examples/original_source/
// IntegrationBus/source/mw/sync/ParticipantController.hpp, generalized to
// the two-stage soft/hard escalation the teacher's
// internal/app/lifecycle.Terminate applies to process shutdown (SIGTERM
// then SIGKILL after a timeout).
type WatchDog struct {
	mu sync.Mutex

	soft, hard time.Duration
	timer      *time.Timer
	armed      bool

	onSoftTimeout func(elapsed time.Duration)
	onHardTimeout func(elapsed time.Duration)

	log logger.Logger
}

// NewWatchDog creates a WatchDog with the given soft and hard timeouts.
// A zero hard timeout disables hard escalation.
func NewWatchDog(soft, hard time.Duration, log logger.Logger) *WatchDog {
	return &WatchDog{soft: soft, hard: hard, log: log.WithComponent("WATCHDOG")}
}

// OnSoftTimeout sets the callback invoked when the soft timeout elapses
// before Disarm.
func (w *WatchDog) OnSoftTimeout(fn func(elapsed time.Duration)) { w.onSoftTimeout = fn }

// OnHardTimeout sets the callback invoked when the hard timeout elapses.
func (w *WatchDog) OnHardTimeout(fn func(elapsed time.Duration)) { w.onHardTimeout = fn }

// Arm starts watching a SimulationTask invocation. Call Disarm when it
// returns (or CompleteSimulationTask fires in async mode).
func (w *WatchDog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	w.armed = true

	if w.soft <= 0 {
		return
	}

	w.timer = time.AfterFunc(w.soft, func() {
		w.fireSoft(time.Since(start))
		if w.hard > w.soft {
			time.AfterFunc(w.hard-w.soft, func() {
				if w.isArmed() {
					w.fireHard(time.Since(start))
				}
			})
		}
	})
}

// Disarm stops the watchdog after a SimulationTask invocation returns in
// time.
func (w *WatchDog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.armed = false

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *WatchDog) isArmed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.armed
}

func (w *WatchDog) fireSoft(elapsed time.Duration) {
	w.log.Warn().Dur("elapsed", elapsed).Msg("simulation task exceeded soft response timeout")

	if w.onSoftTimeout != nil {
		w.onSoftTimeout(elapsed)
	}
}

func (w *WatchDog) fireHard(elapsed time.Duration) {
	w.log.Error().Dur("elapsed", elapsed).Msg("simulation task exceeded hard response timeout")

	if w.onHardTimeout != nil {
		w.onHardTimeout(elapsed)
	}
}

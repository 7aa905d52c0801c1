// Package timesync implements the Time Synchronization Core (spec §4.2):
// the distributed time-quantum protocol that advances each participant's
// simulated time only when no peer is strictly earlier.
//
// Grounded on _examples/original_source/IntegrationBus/source/mw/sync/
// ParticipantController.hpp (myNextTask/otherNextTasks/QuantumGrant —
// renamed here to the spec's NextSimTask/grant-condition vocabulary) and on
// the teacher's internal/app/worker worker-pool's run-loop-plus-done-channel
// shape for the background scheduling goroutine.
package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/model"
)

// SimulationTask is invoked once per granted time step. now is the start
// of the step, duration is its length. Async tasks must call
// Scheduler.CompleteSimulationTask when finished instead of returning
// before doing so (spec §4.2 "Async mode").
type SimulationTask func(now, duration time.Duration)

// Scheduler drives one participant's NextSimTask publication and grant
// evaluation.
//
// Run must not be called concurrently with itself; PeerNextTask,
// CompleteSimulationTask and Cancel may be called concurrently with the
// run loop.
type Scheduler struct {
	mu sync.Mutex

	participantName string
	period          time.Duration
	async           bool

	myNextTask     model.NextSimTask
	otherNextTasks map[string]model.NextSimTask
	peers          map[string]bool

	task       SimulationTask
	publish    func(model.NextSimTask)
	awaitGrant chan struct{} // signalled whenever otherNextTasks changes, the Scheduler advances, or Cancel fires
	completed  chan struct{} // signalled by CompleteSimulationTask in async mode
	running    bool

	log logger.Logger
}

// New creates a Scheduler publishing NextSimTask messages via publish and
// invoking task on every granted step.
func New(participantName string, period time.Duration, task SimulationTask, publish func(model.NextSimTask), log logger.Logger) *Scheduler {
	return &Scheduler{
		participantName: participantName,
		period:          period,
		otherNextTasks:  make(map[string]model.NextSimTask),
		peers:           make(map[string]bool),
		task:            task,
		publish:         publish,
		awaitGrant:      make(chan struct{}, 1),
		completed:       make(chan struct{}, 1),
		log:             log.WithComponent("TIMESYNC"),
	}
}

// SetAsync opts this participant into non-blocking SimulationTask mode
// (spec §4.2): the grant is held until CompleteSimulationTask is called.
func (s *Scheduler) SetAsync(async bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.async = async
}

// SetPeers declares the full set of synchronized peers participating in
// grant evaluation (excluding this participant itself).
func (s *Scheduler) SetPeers(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers = make(map[string]bool, len(names))
	for _, n := range names {
		if n == s.participantName {
			continue
		}
		s.peers[n] = true
	}
}

// PeerNextTask records a NextSimTask observed from peer (spec §4.2:
// "otherNextTasks[peer]"), and wakes the run loop to re-evaluate the grant
// condition.
func (s *Scheduler) PeerNextTask(peer string, next model.NextSimTask) {
	s.mu.Lock()
	s.otherNextTasks[peer] = next
	s.mu.Unlock()

	s.wake()
}

// CompleteSimulationTask releases a held grant in async mode (spec §4.2).
// One call made while no task is waiting is kept and releases the next
// async task as soon as that task returns; further such calls are dropped.
func (s *Scheduler) CompleteSimulationTask() {
	select {
	case s.completed <- struct{}{}:
	default:
	}
}

// Run publishes the initial NextSimTask and blocks, executing
// SimulationTask on every grant, until ctx is cancelled (spec §4.2 step 1).
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.myNextTask = model.NextSimTask{TimePoint: 0, Duration: s.period}
	s.running = true
	s.mu.Unlock()

	s.publish(s.snapshot())

	for {
		if ctx.Err() != nil {
			return
		}

		if !s.grantHeld() {
			select {
			case <-ctx.Done():
				return
			case <-s.awaitGrant:
				continue
			}
		}

		current := s.snapshot()
		s.task(current.TimePoint, current.Duration)

		if s.isAsync() {
			select {
			case <-ctx.Done():
				return
			case <-s.completed:
			}
		}

		s.advance(current.Duration)
	}
}

// Cancel stops the granting of further steps, used on SystemCommand::Stop
// or ::AbortSimulation (spec §4.2 "Cancellation"). Run keeps blocking until
// its ctx is cancelled; a task already in progress still advances and
// publishes its next NextSimTask.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.wake()
}

func (s *Scheduler) isAsync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.async
}

func (s *Scheduler) snapshot() model.NextSimTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.myNextTask
}

func (s *Scheduler) advance(duration time.Duration) {
	s.mu.Lock()
	s.myNextTask.TimePoint += duration
	next := s.myNextTask
	s.mu.Unlock()

	s.publish(next)
	s.wake()
}

// grantHeld evaluates the grant condition (spec §4.2 step 2): myNextTask
// may execute when, for every known peer, myNextTask.TimePoint <=
// otherNextTasks[peer].TimePoint.
func (s *Scheduler) grantHeld() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}

	for peer := range s.peers {
		other, known := s.otherNextTasks[peer]
		if !known {
			return false // a declared peer has not yet published any NextSimTask
		}
		if s.myNextTask.TimePoint > other.TimePoint {
			return false
		}
	}

	return true
}

func (s *Scheduler) wake() {
	select {
	case s.awaitGrant <- struct{}{}:
	default:
	}
}

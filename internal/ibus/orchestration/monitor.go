package orchestration

import (
	"math"
	"sort"
	"sync"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/model"
)

// StateChanged is invoked whenever the aggregated SystemState changes.
type StateChanged func(model.ParticipantState)

// Monitor computes the federation-wide aggregated SystemState over the set
// of required participants (spec §4.1).
//
// Grounded on the teacher's internal/app/state.manager.GetServiceCounts,
// which folds a map of per-service states into aggregate counts; Monitor
// folds the same map shape into a single aggregated ParticipantState
// instead of counts.
type Monitor struct {
	mu sync.Mutex

	required map[string]bool
	statuses map[string]model.ParticipantStatus

	lastAggregate model.ParticipantState
	onChange      []StateChanged

	log logger.Logger
}

// NewMonitor creates an empty Monitor; SetRequiredParticipants must be
// called once a WorkflowConfiguration arrives.
func NewMonitor(log logger.Logger) *Monitor {
	return &Monitor{
		required:      make(map[string]bool),
		statuses:      make(map[string]model.ParticipantStatus),
		lastAggregate: model.StateInvalid,
		log:           log.WithComponent("SYSTEMMONITOR"),
	}
}

// SetRequiredParticipants narrows SystemState aggregation to exactly this
// set (spec §4.1: "Required participants are configured via a
// WorkflowConfiguration message").
func (m *Monitor) SetRequiredParticipants(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.required = make(map[string]bool, len(names))
	for _, n := range names {
		m.required[n] = true
	}
}

// UpdateStatus records a ParticipantStatus and re-evaluates SystemState,
// notifying OnSystemStateChanged subscribers if it changed.
func (m *Monitor) UpdateStatus(status model.ParticipantStatus) {
	m.mu.Lock()

	m.statuses[status.ParticipantName] = status
	next := m.aggregateLocked()
	changed := next != m.lastAggregate
	m.lastAggregate = next

	handlers := m.onChange
	m.mu.Unlock()

	if !changed {
		return
	}

	m.log.Info().Str("state", next.String()).Msg("system state changed")

	for _, h := range handlers {
		h(next)
	}
}

// SystemState returns the current aggregated state.
func (m *Monitor) SystemState() model.ParticipantState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastAggregate
}

// OnSystemStateChanged subscribes fn to future SystemState transitions.
func (m *Monitor) OnSystemStateChanged(fn StateChanged) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onChange = append(m.onChange, fn)
}

// RequiredReached reports whether every required participant has reached
// at least minState (spec §4.1: "all peers reached same state" gating the
// ReadyToRun transition).
func (m *Monitor) RequiredReached(minState model.ParticipantState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.required) == 0 {
		return false
	}

	for name := range m.required {
		st, ok := m.statuses[name]
		if !ok || st.State.Rank() < minState.Rank() {
			return false
		}
	}

	return true
}

func (m *Monitor) aggregateLocked() model.ParticipantState {
	names := make([]string, 0, len(m.required))
	for n := range m.required {
		names = append(names, n)
	}
	sort.Strings(names) // deterministic iteration for tests and logging

	var hasAbort, hasError, hasPaused, any bool

	minRank := math.MaxInt32
	minState := model.StateInvalid

	for _, n := range names {
		st, ok := m.statuses[n]
		if !ok {
			return model.StateInvalid // a required participant has not yet published any status
		}

		any = true

		switch st.State {
		case model.StateAborting:
			hasAbort = true
			continue
		case model.StateError:
			hasError = true
			continue
		case model.StatePaused:
			hasPaused = true
		}

		if r := st.State.Rank(); r < minRank {
			minRank = r
			minState = st.State
		}
	}

	switch {
	case !any:
		return model.StateInvalid
	case hasAbort:
		return model.StateAborting
	case hasError:
		return model.StateError
	case hasPaused:
		return model.StatePaused
	default:
		return minState
	}
}

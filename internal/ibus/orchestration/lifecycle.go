// Package orchestration implements the Orchestration Core (spec §4.1): the
// per-participant lifecycle state machine, the aggregated SystemState
// monitor, and the system controller that fans out SystemCommands.
//
// Grounded on the teacher's internal/app/ui/services state machine
// (newServiceFSM, built on github.com/looplab/fsm) for the lifecycle shape,
// and internal/app/state.manager.GetServiceCounts for the
// fold-over-states aggregation pattern used by Monitor.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/model"
)

// Lifecycle events (spec §4.1 transition table).
const (
	evServicesCreated  = "services_created"
	evCommInitializing = "comm_initializing"
	evCommInitialized  = "comm_initialized"
	evPeersReady       = "peers_ready"
	evRun              = "run"
	evPause            = "pause"
	evContinue         = "continue"
	evStop             = "stop"
	evStopped          = "stopped"
	evShutdown         = "shutdown"
	evShutdownDone     = "shutdown_done"
	evReportError      = "report_error"
	evAbort            = "abort"
)

func stateName(s model.ParticipantState) string { return s.String() }

// nonTerminal lists every state an Error or Abort can be entered from
// (spec §4.1: "any non-terminal" / "any"). looplab/fsm has no wildcard
// source, so every reachable non-terminal state is listed explicitly.
var nonTerminal = []string{
	stateName(model.StateServicesCreated),
	stateName(model.StateCommunicationInitializing),
	stateName(model.StateCommunicationInitialized),
	stateName(model.StateReadyToRun),
	stateName(model.StateRunning),
	stateName(model.StatePaused),
	stateName(model.StateStopping),
	stateName(model.StateStopped),
	stateName(model.StateShuttingDown),
	stateName(model.StateError),
}

// Handler is a lifecycle hook invoked on entering CommunicationInitializing,
// Stopping, or ShuttingDown. Its error, if any, drives a transition to
// Error with the error's message as EnterReason (spec §4.1 failure
// semantics).
type Handler func(ctx context.Context) error

// Lifecycle drives one participant through the lifecycle graph and
// publishes every ParticipantStatus transition via Publish.
type Lifecycle struct {
	mu sync.Mutex

	participantName string
	machine         *fsm.FSM
	enterReason     string

	commReadyHandler Handler
	stopHandler      Handler
	shutdownHandler  Handler

	publish func(model.ParticipantStatus)
	log     logger.Logger
}

// New builds a Lifecycle starting in ParticipantState Invalid.
func New(participantName string, publish func(model.ParticipantStatus), log logger.Logger) *Lifecycle {
	l := &Lifecycle{
		participantName: participantName,
		publish:         publish,
		log:             log.WithComponent("LIFECYCLE"),
	}

	l.machine = fsm.NewFSM(
		stateName(model.StateInvalid),
		fsm.Events{
			{Name: evServicesCreated, Src: []string{stateName(model.StateInvalid)}, Dst: stateName(model.StateServicesCreated)},
			{Name: evCommInitializing, Src: []string{stateName(model.StateServicesCreated)}, Dst: stateName(model.StateCommunicationInitializing)},
			{Name: evCommInitialized, Src: []string{stateName(model.StateCommunicationInitializing)}, Dst: stateName(model.StateCommunicationInitialized)},
			{Name: evPeersReady, Src: []string{stateName(model.StateCommunicationInitialized)}, Dst: stateName(model.StateReadyToRun)},
			{Name: evRun, Src: []string{stateName(model.StateReadyToRun)}, Dst: stateName(model.StateRunning)},
			{Name: evPause, Src: []string{stateName(model.StateRunning)}, Dst: stateName(model.StatePaused)},
			{Name: evContinue, Src: []string{stateName(model.StatePaused)}, Dst: stateName(model.StateRunning)},
			{Name: evStop, Src: []string{stateName(model.StateRunning), stateName(model.StatePaused)}, Dst: stateName(model.StateStopping)},
			{Name: evStopped, Src: []string{stateName(model.StateStopping)}, Dst: stateName(model.StateStopped)},
			{Name: evShutdown, Src: []string{stateName(model.StateStopped), stateName(model.StateError)}, Dst: stateName(model.StateShuttingDown)},
			{Name: evShutdownDone, Src: []string{stateName(model.StateShuttingDown), stateName(model.StateAborting)}, Dst: stateName(model.StateShutdown)},
			{Name: evReportError, Src: nonTerminal, Dst: stateName(model.StateError)},
			{Name: evAbort, Src: append(append([]string{}, nonTerminal...), stateName(model.StateInvalid)), Dst: stateName(model.StateAborting)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				l.onEnterState(e)
			},
		},
	)

	return l
}

// OnCommunicationReady sets the handler invoked after entering
// CommunicationInitializing; its return value drives the transition to
// CommunicationInitialized or Error.
func (l *Lifecycle) OnCommunicationReady(h Handler) { l.commReadyHandler = h }

// OnStop sets the handler invoked after entering Stopping.
func (l *Lifecycle) OnStop(h Handler) { l.stopHandler = h }

// OnShutdown sets the handler invoked after entering ShuttingDown.
func (l *Lifecycle) OnShutdown(h Handler) { l.shutdownHandler = h }

// State returns the current ParticipantState.
func (l *Lifecycle) State() model.ParticipantState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return parseState(l.machine.Current())
}

// ServicesCreated fires Invalid -> ServicesCreated -> CommunicationInitializing,
// runs the communication-ready handler, then advances to
// CommunicationInitialized or Error (spec §4.1).
func (l *Lifecycle) ServicesCreated(ctx context.Context) error {
	if err := l.fire(ctx, evServicesCreated, "services created"); err != nil {
		return err
	}

	if err := l.fire(ctx, evCommInitializing, "communication ready handler starting"); err != nil {
		return err
	}

	return l.runHandlerThen(ctx, l.commReadyHandler, evCommInitialized, "communication ready handler returned")
}

// PeersReady fires CommunicationInitialized -> ReadyToRun, once every
// required peer has reached CommunicationInitialized (spec §4.1, driven by
// the system monitor).
func (l *Lifecycle) PeersReady(ctx context.Context) error {
	return l.fire(ctx, evPeersReady, "all required peers reached CommunicationInitialized")
}

// Run fires ReadyToRun -> Running on SystemCommand::Run.
func (l *Lifecycle) Run(ctx context.Context) error {
	return l.fire(ctx, evRun, "SystemCommand::Run received")
}

// Pause fires Running -> Paused.
func (l *Lifecycle) Pause(ctx context.Context) error {
	return l.fire(ctx, evPause, "Pause() called")
}

// Continue fires Paused -> Running.
func (l *Lifecycle) Continue(ctx context.Context) error {
	return l.fire(ctx, evContinue, "Continue() called")
}

// Stop fires Running/Paused -> Stopping on SystemCommand::Stop, runs the
// stop handler, then advances to Stopped or Error.
func (l *Lifecycle) Stop(ctx context.Context) error {
	if err := l.fire(ctx, evStop, "SystemCommand::Stop received"); err != nil {
		return err
	}

	return l.runHandlerThen(ctx, l.stopHandler, evStopped, "StopHandler returned")
}

// Shutdown fires Stopped/Error -> ShuttingDown on SystemCommand::Shutdown,
// runs the shutdown handler, then advances to the terminal Shutdown state.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	if err := l.fire(ctx, evShutdown, "SystemCommand::Shutdown received"); err != nil {
		return err
	}

	return l.runHandlerThen(ctx, l.shutdownHandler, evShutdownDone, "ShutdownHandler returned")
}

// ReportError transitions to Error with reason as EnterReason (spec §4.1:
// "a handler throwing an exception causes transition to Error with the
// exception message as enterReason").
func (l *Lifecycle) ReportError(ctx context.Context, reason string) error {
	return l.fire(ctx, evReportError, reason)
}

// Abort fires the any-state -> Aborting transition on
// SystemCommand::AbortSimulation, then proceeds straight to Shutdown
// (spec §4.1: "Aborting → Shutdown").
func (l *Lifecycle) Abort(ctx context.Context) error {
	if err := l.fire(ctx, evAbort, "SystemCommand::AbortSimulation received"); err != nil {
		return err
	}

	return l.fire(ctx, evShutdownDone, "aborted")
}

// runHandlerThen invokes h, if set, outside the FSM's event lock (handlers
// may themselves drive other lifecycles or block), then fires okEvent on
// success or evReportError with the handler's message on failure.
func (l *Lifecycle) runHandlerThen(ctx context.Context, h Handler, okEvent, okReason string) error {
	if h != nil {
		if err := h(ctx); err != nil {
			l.log.Error().Err(err).Msg("lifecycle handler failed")
			return l.fire(ctx, evReportError, err.Error())
		}
	}

	return l.fire(ctx, okEvent, okReason)
}

func (l *Lifecycle) fire(ctx context.Context, event, reason string) error {
	l.mu.Lock()
	l.enterReason = reason
	err := l.machine.Event(ctx, event)
	l.mu.Unlock()

	if err != nil {
		if _, ok := err.(fsm.NoTransitionError); ok {
			return nil
		}
		return fmt.Errorf("lifecycle %s: event %s: %w", l.participantName, event, err)
	}

	return nil
}

func (l *Lifecycle) onEnterState(e *fsm.Event) {
	now := time.Now()

	status := model.ParticipantStatus{
		ParticipantName: l.participantName,
		State:           parseState(e.Dst),
		EnterReason:     l.enterReason,
		EnterTime:       now,
		RefreshTime:     now,
	}

	l.log.Info().Str("state", e.Dst).Msgf("participant %s entered %s", l.participantName, e.Dst)

	if l.publish != nil {
		l.publish(status)
	}
}

func parseState(s string) model.ParticipantState {
	for _, st := range []model.ParticipantState{
		model.StateInvalid, model.StateServicesCreated, model.StateCommunicationInitializing,
		model.StateCommunicationInitialized, model.StateReadyToRun, model.StateRunning,
		model.StatePaused, model.StateStopping, model.StateStopped, model.StateError,
		model.StateShuttingDown, model.StateShutdown, model.StateAborting,
	} {
		if st.String() == s {
			return st
		}
	}
	return model.StateInvalid
}

// Package model holds the wire-level data model shared by every core
// subsystem (spec §3): ServiceDescriptor, ParticipantStatus, SystemState,
// NextSimTask, and HandlerId. Protocol-specific Frame types live in their
// own packages (can, lin, flexray) since their invariants are
// protocol-specific.
package model

import "time"

// ServiceType enumerates what a ServiceDescriptor identifies.
type ServiceType int

const (
	ServiceController ServiceType = iota
	ServiceLink
	ServiceSimulatedLink
	ServiceInternalController
)

func (t ServiceType) String() string {
	switch t {
	case ServiceController:
		return "Controller"
	case ServiceLink:
		return "Link"
	case ServiceSimulatedLink:
		return "SimulatedLink"
	case ServiceInternalController:
		return "InternalController"
	default:
		return "Unknown"
	}
}

// ServiceDescriptor identifies any endpoint in the federation (spec §3).
//
// Invariant: (ParticipantName, ServiceID) is globally unique;
// (ParticipantName, ServiceName, NetworkName) is globally unique within a
// ServiceType.
type ServiceDescriptor struct {
	ParticipantName string
	ServiceName     string
	NetworkName     string
	ServiceType     ServiceType
	ServiceID       int64
	Supplemental    map[string]string
}

// Key identifies a descriptor within one ServiceType for the uniqueness
// invariant above.
type Key struct {
	ParticipantName string
	ServiceName     string
	NetworkName     string
	ServiceType     ServiceType
}

func (d ServiceDescriptor) Key() Key {
	return Key{d.ParticipantName, d.ServiceName, d.NetworkName, d.ServiceType}
}

// ParticipantState is the per-participant lifecycle state (spec §4.1).
type ParticipantState int

const (
	StateInvalid ParticipantState = iota
	StateServicesCreated
	StateCommunicationInitializing
	StateCommunicationInitialized
	StateReadyToRun
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateError
	StateShuttingDown
	StateShutdown
	StateAborting
)

// order is the lifecycle total order used by SystemState aggregation
// (spec §4.1: "min(state(p) for p in R) under the lifecycle's total
// order"). Error and Aborting are handled as overrides, not by this order.
var order = map[ParticipantState]int{
	StateInvalid:                   0,
	StateServicesCreated:           1,
	StateCommunicationInitializing: 2,
	StateCommunicationInitialized:  3,
	StateReadyToRun:                4,
	StateRunning:                   5,
	StatePaused:                    5, // handled by override, rank kept for completeness
	StateStopping:                  6,
	StateStopped:                   7,
	StateShuttingDown:              8,
	StateShutdown:                  9,
	StateError:                     -1,
	StateAborting:                  -2,
}

// Rank returns this state's position in the lifecycle total order, used by
// SystemState aggregation (orchestration.Monitor).
func (s ParticipantState) Rank() int { return order[s] }

func (s ParticipantState) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateServicesCreated:
		return "ServicesCreated"
	case StateCommunicationInitializing:
		return "CommunicationInitializing"
	case StateCommunicationInitialized:
		return "CommunicationInitialized"
	case StateReadyToRun:
		return "ReadyToRun"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutdown:
		return "Shutdown"
	case StateAborting:
		return "Aborting"
	default:
		return "Unknown"
	}
}

// ParticipantStatus is the broadcast tuple of spec §3.
type ParticipantStatus struct {
	ParticipantName string
	State           ParticipantState
	EnterReason     string
	EnterTime       time.Time
	RefreshTime     time.Time
}

// SystemCommandKind enumerates the System Controller's commands (spec §4.1).
type SystemCommandKind int

const (
	CommandRun SystemCommandKind = iota
	CommandStop
	CommandShutdown
	CommandAbortSimulation
)

// SystemCommand is published by the system controller.
type SystemCommand struct {
	Kind SystemCommandKind
}

// NextSimTask is the one-per-pending-step time-sync message (spec §3, §4.2).
//
// Invariant: TimePoint is monotonically non-decreasing per participant;
// Duration > 0.
type NextSimTask struct {
	TimePoint time.Duration
	Duration  time.Duration
}

// HandlerID is an opaque, monotonically assigned per-controller callback
// identifier (spec §3). Removal is idempotent-safe.
type HandlerID uint64

// ServiceDiscoveryEventKind distinguishes creation from removal.
type ServiceDiscoveryEventKind int

const (
	ServiceCreated ServiceDiscoveryEventKind = iota
	ServiceRemoved
)

// ServiceDiscoveryEvent is broadcast whenever a service is created or torn
// down anywhere in the federation (spec §4.3).
type ServiceDiscoveryEvent struct {
	Kind       ServiceDiscoveryEventKind
	Descriptor ServiceDescriptor
}

// ParticipantAnnouncement is published once per connection, carrying every
// currently registered ServiceDescriptor of the announcing participant.
type ParticipantAnnouncement struct {
	ParticipantName string
	Services        []ServiceDescriptor
}

// WorkflowConfiguration names the required participants for SystemState
// aggregation (spec §4.1), published by the system controller.
type WorkflowConfiguration struct {
	RequiredParticipants []string
}

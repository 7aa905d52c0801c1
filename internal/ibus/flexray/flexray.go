// Package flexray implements the FlexRay Controller trivial-mode state
// machine (spec §4.4.3): cluster/node parameter validation, the POC state
// machine, TxBuffer configuration, and header-derived trivial-mode
// transmit/ACK.
//
// Grounded on the can and lin packages for controller shape (copy-on-write
// handler registries, messaging.Router wiring, per-instance ownerKey), and
// on the original FlexRay parameter ranges and header derivation captured
// from the vendor's Validation.cpp / FrController.cpp.
package flexray

import (
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/errors"
	"github.com/vectorbus/ibus/internal/ibus/messaging"
	"github.com/vectorbus/ibus/internal/ibus/model"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

// Channel selects the FlexRay channel(s) a TxBuffer or symbol applies to.
type Channel int

const (
	ChannelNone Channel = iota
	ChannelA
	ChannelB
	ChannelAB
)

// PocState is the FlexRay protocol operation control state machine
// (spec §4.4.3).
type PocState int

const (
	PocDefaultConfig PocState = iota
	PocConfig
	PocReady
	PocStartup
	PocWakeup
	PocNormalActive
	PocHalt
)

func (s PocState) String() string {
	switch s {
	case PocDefaultConfig:
		return "DefaultConfig"
	case PocConfig:
		return "Config"
	case PocReady:
		return "Ready"
	case PocStartup:
		return "Startup"
	case PocWakeup:
		return "Wakeup"
	case PocNormalActive:
		return "NormalActive"
	case PocHalt:
		return "Halt"
	default:
		return "Unknown"
	}
}

// ClusterParameters validated by Configure against the FlexRay 3.0.1
// ranges (spec §4.4.3).
type ClusterParameters struct {
	ColdstartAttempts               uint8
	CycleCountMax                   uint8
	ListenNoise                     uint8
	MacroPerCycle                   uint16
	MaxWithoutClockCorrectionFatal  uint8
	MaxWithoutClockCorrectionPassive uint8
	NumberOfMiniSlots               uint16
	NumberOfStaticSlots             uint16
	PayloadLengthStatic             uint16
	SyncFrameIDCountMax             uint8
	DActionPointOffset              uint16
	DDynamicSlotIdlePhase           uint16
	DMiniSlot                       uint16
	DMiniSlotActionPointOffset      uint16
	DStaticSlot                     uint16
	DSymbolWindow                   uint16
	DSymbolWindowActionPointOffset  uint16
	DTSSTransmitter                 uint16
	DWakeupTxActive                 uint16
	DWakeupTxIdle                   uint16
}

// Validate enforces the FlexRay 3.0.1 cluster parameter ranges (spec
// §4.4.3: "e.g., gColdstartAttempts ∈ [2,31], gdStaticSlot ∈ [3,664]"),
// captured verbatim from the vendor's Validation.cpp.
func (p ClusterParameters) Validate() error {
	type rng struct {
		name     string
		val, lo, hi int
	}
	checks := []rng{
		{"gColdstartAttempts", int(p.ColdstartAttempts), 2, 31},
		{"gdActionPointOffset", int(p.DActionPointOffset), 1, 63},
		{"gdDynamicSlotIdlePhase", int(p.DDynamicSlotIdlePhase), 0, 2},
		{"gdMiniSlot", int(p.DMiniSlot), 2, 63},
		{"gdMiniSlotActionPointOffset", int(p.DMiniSlotActionPointOffset), 1, 31},
		{"gdStaticSlot", int(p.DStaticSlot), 3, 664},
		{"gdSymbolWindow", int(p.DSymbolWindow), 0, 162},
		{"gdSymbolWindowActionPointOffset", int(p.DSymbolWindowActionPointOffset), 1, 63},
		{"gdTSSTransmitter", int(p.DTSSTransmitter), 1, 15},
		{"gdWakeupTxActive", int(p.DWakeupTxActive), 15, 60},
		{"gdWakeupTxIdle", int(p.DWakeupTxIdle), 45, 180},
		{"gListenNoise", int(p.ListenNoise), 2, 16},
		{"gMacroPerCycle", int(p.MacroPerCycle), 8, 16000},
		{"gMaxWithoutClockCorrectionFatal", int(p.MaxWithoutClockCorrectionFatal), 1, 15},
		{"gMaxWithoutClockCorrectionPassive", int(p.MaxWithoutClockCorrectionPassive), 1, 15},
		{"gNumberOfMiniSlots", int(p.NumberOfMiniSlots), 0, 7988},
		{"gNumberOfStaticSlots", int(p.NumberOfStaticSlots), 2, 1023},
		{"gPayloadLengthStatic", int(p.PayloadLengthStatic), 0, 127},
		{"gSyncFrameIDCountMax", int(p.SyncFrameIDCountMax), 2, 15},
	}
	for _, c := range checks {
		if c.val < c.lo || c.val > c.hi {
			return fmt.Errorf("%w: %s=%d not in [%d,%d]", errors.ErrInvalidFlexrayParameter, c.name, c.val, c.lo, c.hi)
		}
	}
	if p.CycleCountMax < 7 || p.CycleCountMax > 63 || p.CycleCountMax%2 == 0 {
		return fmt.Errorf("%w: gCycleCountMax=%d must be an odd value in [7,63]", errors.ErrInvalidFlexrayParameter, p.CycleCountMax)
	}
	return nil
}

// NodeParameters validated by Configure against the FlexRay 3.0.1 node
// parameter ranges (spec §4.4.3).
type NodeParameters struct {
	AllowHaltDueToClock    bool
	AllowPassiveToActive   uint8
	ClusterDriftDamping    uint8
	DAcceptedStartupRange  uint16
	DListenTimeout         uint32
	KeySlotID              uint16
	KeySlotOnlyEnabled     bool
	KeySlotUsedForStartup  bool
	KeySlotUsedForSync     bool
	LatestTx               uint16
	MacroInitialOffsetA    uint8
	MacroInitialOffsetB    uint8
	MicroInitialOffsetA    uint16
	MicroInitialOffsetB    uint16
	MicroPerCycle          uint32
	OffsetCorrectionOut    uint16
	OffsetCorrectionStart  uint16
	RateCorrectionOut      uint16
	WakeupChannel          Channel
	WakeupPattern          uint8
	SamplesPerMicrotick    uint8
}

// Validate enforces the FlexRay 3.0.1 node parameter ranges.
func (p NodeParameters) Validate() error {
	type rng struct {
		name        string
		val, lo, hi int
	}
	checks := []rng{
		{"pAllowPassiveToActive", int(p.AllowPassiveToActive), 0, 31},
		{"pClusterDriftDamping", int(p.ClusterDriftDamping), 0, 10},
		{"pdAcceptedStartupRange", int(p.DAcceptedStartupRange), 29, 2743},
		{"pdListenTimeout", int(p.DListenTimeout), 1926, 2567692},
		{"pKeySlotId", int(p.KeySlotID), 0, 1023},
		{"pLatestTx", int(p.LatestTx), 0, 7988},
		{"pMacroInitialOffsetA", int(p.MacroInitialOffsetA), 2, 68},
		{"pMacroInitialOffsetB", int(p.MacroInitialOffsetB), 2, 68},
		{"pMicroInitialOffsetA", int(p.MicroInitialOffsetA), 0, 239},
		{"pMicroInitialOffsetB", int(p.MicroInitialOffsetB), 0, 239},
		{"pMicroPerCycle", int(p.MicroPerCycle), 960, 1280000},
		{"pOffsetCorrectionOut", int(p.OffsetCorrectionOut), 15, 16082},
		{"pOffsetCorrectionStart", int(p.OffsetCorrectionStart), 7, 15999},
		{"pRateCorrectionOut", int(p.RateCorrectionOut), 3, 3846},
		{"pWakeupPattern", int(p.WakeupPattern), 0, 63},
	}
	for _, c := range checks {
		if c.val < c.lo || c.val > c.hi {
			return fmt.Errorf("%w: %s=%d not in [%d,%d]", errors.ErrInvalidFlexrayParameter, c.name, c.val, c.lo, c.hi)
		}
	}
	if p.SamplesPerMicrotick != 1 && p.SamplesPerMicrotick != 2 {
		return fmt.Errorf("%w: pSamplesPerMicrotick=%d must be 1 or 2", errors.ErrInvalidFlexrayParameter, p.SamplesPerMicrotick)
	}
	return nil
}

// TxBufferConfig configures one transmit buffer slot (spec §4.4.3).
type TxBufferConfig struct {
	Channels                   Channel
	SlotID                     uint16
	OffsetInCycle              uint8
	Repetition                 uint8
	HasPayloadPreambleIndicator bool
	HeaderCrc                  uint16
	TransmissionMode           int
}

// TxBufferUpdate stamps and transmits on the TxBuffer it names (spec
// §4.4.3 UpdateTxBuffer).
type TxBufferUpdate struct {
	TxBufferIndex   int
	Payload         []byte
	PayloadDataValid bool
}

// Header is the frame header derived from a TxBufferConfig/TxBufferUpdate
// pair, following FrController::UpdateTxBuffer's header stamping:
// PPIndicator from the buffer config, NFIndicator from payloadDataValid,
// frameId from slotId, payloadLength in 16-bit words rounded up, headerCrc
// copied from the buffer config.
type Header struct {
	PPIndicator    bool
	NFIndicator    bool
	FrameID        uint16
	PayloadLength  uint8
	HeaderCrc      uint16
}

func deriveHeader(cfg TxBufferConfig, update TxBufferUpdate) Header {
	return Header{
		PPIndicator:   cfg.HasPayloadPreambleIndicator,
		NFIndicator:   update.PayloadDataValid,
		FrameID:       cfg.SlotID,
		PayloadLength: uint8((len(update.Payload) + 1) / 2),
		HeaderCrc:     cfg.HeaderCrc,
	}
}

// Frame is one FlexRay frame as observed on the bus (spec §6
// FlexrayFrameEvent).
type Frame struct {
	Header  Header
	Payload []byte
}

// FrameEvent is published whenever a frame is transmitted or received
// (spec §6).
type FrameEvent struct {
	Frame     Frame
	Channel   Channel
	Timestamp time.Duration
	TxBufferIndex int
}

// FrameTransmitEvent is the trivial-mode ACK mirrored back to the sender
// (spec §4.4.3: "Reception mirrors the frame and emits an Ack with the
// same timestamp/channel back to the sender").
type FrameTransmitEvent struct {
	TxBufferIndex int
	Channel       Channel
	Timestamp     time.Duration
}

// SymbolEvent is emitted for CAS/MTS (on Run) and WUS (on Wakeup) symbols
// (spec §4.4.3).
type SymbolEvent struct {
	Channel   Channel
	Symbol    string
	Timestamp time.Duration
}

// PocStatusEvent reports a POC state transition.
type PocStatusEvent struct {
	State     PocState
	Timestamp time.Duration
}

func init() {
	gob.Register(FrameEvent{})
	gob.Register(FrameTransmitEvent{})
	gob.Register(SymbolEvent{})
	gob.Register(PocStatusEvent{})
}

// FrameHandler receives inbound FrameEvents.
type FrameHandler func(FrameEvent)

// TransmitHandler receives trivial-mode ACKs.
type TransmitHandler func(FrameTransmitEvent)

// PocStatusHandler receives POC state transitions.
type PocStatusHandler func(PocStatusEvent)

type frameSub struct {
	id model.HandlerID
	fn FrameHandler
}

type txSub struct {
	id model.HandlerID
	fn TransmitHandler
}

type pocSub struct {
	id model.HandlerID
	fn PocStatusHandler
}

// TimeProvider supplies the current simulation timestamp for outbound
// stamping.
type TimeProvider func() time.Duration

// Controller is one participant's FlexRay controller (spec §4.4.3).
type Controller struct {
	mu sync.Mutex

	participantName string
	name            string
	networkName     string
	ownerKey        string

	poc PocState

	cluster    ClusterParameters
	node       NodeParameters
	txBuffers  []TxBufferConfig
	configured bool

	frameHandlers []frameSub
	txHandlers    []txSub
	pocHandlers   []pocSub
	nextHandlerID model.HandlerID

	router *messaging.Router
	now    TimeProvider

	log logger.Logger
}

// New creates a FlexRay controller named name on networkName, owned by
// participantName, dispatching through router.
func New(participantName, name, networkName string, router *messaging.Router, now TimeProvider, log logger.Logger) *Controller {
	if now == nil {
		now = func() time.Duration { return 0 }
	}

	c := &Controller{
		participantName: participantName,
		name:            name,
		networkName:     networkName,
		ownerKey:        participantName + "::" + name,
		poc:             PocDefaultConfig,
		router:          router,
		now:             now,
		log:             log.WithComponent("FLEXRAY"),
	}

	router.Subscribe(wire.TypeFlexrayFrameEvent, networkName, c.ownerKey, participantName, c.onFrameEvent)
	router.Subscribe(wire.TypeFlexrayFrameTransmitEvent, networkName, c.ownerKey, participantName, c.onTransmitEvent)

	return c
}

// State returns the current POC state.
func (c *Controller) State() PocState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.poc
}

// Configure validates cluster and node parameters and the initial set of
// TxBuffers, advancing DefaultConfig -> Ready on success (spec §4.4.3:
// "In trivial mode, Configure() advances to Ready"). On failure the
// controller remains in DefaultConfig (spec §4.4.3, §7.1).
func (c *Controller) Configure(cluster ClusterParameters, node NodeParameters, txBuffers []TxBufferConfig) error {
	if err := cluster.Validate(); err != nil {
		return err
	}
	if err := node.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cluster = cluster
	c.node = node
	c.txBuffers = append([]TxBufferConfig(nil), txBuffers...)
	c.configured = true
	c.poc = PocReady

	c.publishPocLocked()

	return nil
}

// ReconfigureTxBuffer replaces the configuration of an already-configured
// TxBuffer (spec §4.4.3: "requires idx < size else out-of-range error").
func (c *Controller) ReconfigureTxBuffer(idx int, cfg TxBufferConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx < 0 || idx >= len(c.txBuffers) {
		return fmt.Errorf("%w: txBufferIdx=%d, have %d buffers", errors.ErrTxBufferIndexOutOfRange, idx, len(c.txBuffers))
	}

	c.txBuffers[idx] = cfg
	return nil
}

// Run emits a CAS/MTS symbol on both channels and jumps straight to
// NormalActive (spec §4.4.3 trivial mode; real startup/coldstart
// arbitration is out of scope).
func (c *Controller) Run() error {
	c.mu.Lock()
	if c.poc != PocReady {
		c.mu.Unlock()
		return fmt.Errorf("%w: FlexRay controller %s must be Ready to Run, is %s", errors.ErrInvalidStateTransition, c.name, c.poc)
	}
	ts := c.now()
	c.mu.Unlock()

	c.publishSymbol(ChannelAB, "CAS_MTS", ts)

	c.mu.Lock()
	c.poc = PocNormalActive
	c.publishPocLocked()
	c.mu.Unlock()

	return nil
}

// Wakeup emits a WUS on the configured wakeup channel and cycles
// Wakeup -> Ready (spec §4.4.3).
func (c *Controller) Wakeup() error {
	c.mu.Lock()
	if c.poc != PocReady {
		c.mu.Unlock()
		return fmt.Errorf("%w: FlexRay controller %s must be Ready to Wakeup, is %s", errors.ErrInvalidStateTransition, c.name, c.poc)
	}
	channel := c.node.WakeupChannel
	ts := c.now()
	c.poc = PocWakeup
	c.publishPocLocked()
	c.mu.Unlock()

	c.publishSymbol(channel, "WUS", ts)

	c.mu.Lock()
	c.poc = PocReady
	c.publishPocLocked()
	c.mu.Unlock()

	return nil
}

// Halt transitions the controller to Halt from any state (spec §4.4.3
// POC diagram terminal state).
func (c *Controller) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.poc = PocHalt
	c.publishPocLocked()
}

// UpdateTxBuffer stamps a frame with the header derived from the named
// buffer's configuration and transmits it once on each of the buffer's
// configured channels (spec §4.4.3 UpdateTxBuffer).
func (c *Controller) UpdateTxBuffer(update TxBufferUpdate) error {
	c.mu.Lock()
	if update.TxBufferIndex < 0 || update.TxBufferIndex >= len(c.txBuffers) {
		c.mu.Unlock()
		return fmt.Errorf("%w: txBufferIndex=%d, have %d buffers", errors.ErrTxBufferIndexOutOfRange, update.TxBufferIndex, len(c.txBuffers))
	}
	if c.poc != PocNormalActive {
		c.mu.Unlock()
		return fmt.Errorf("%w: FlexRay controller %s is not NormalActive", errors.ErrInvalidStateTransition, c.name)
	}

	cfg := c.txBuffers[update.TxBufferIndex]
	header := deriveHeader(cfg, update)
	frame := Frame{Header: header, Payload: update.Payload}
	ts := c.now()
	c.mu.Unlock()

	for _, ch := range splitChannels(cfg.Channels) {
		evt := FrameEvent{Frame: frame, Channel: ch, Timestamp: ts, TxBufferIndex: update.TxBufferIndex}
		c.router.Route(wire.Envelope{
			Type:             wire.TypeFlexrayFrameEvent,
			SenderDescriptor: model.ServiceDescriptor{ParticipantName: c.participantName, ServiceName: c.name, NetworkName: c.networkName, ServiceType: model.ServiceController},
			Payload:          evt,
		}, c.networkName, c.ownerKey)
	}

	return nil
}

func splitChannels(ch Channel) []Channel {
	switch ch {
	case ChannelA:
		return []Channel{ChannelA}
	case ChannelB:
		return []Channel{ChannelB}
	case ChannelAB:
		return []Channel{ChannelA, ChannelB}
	default:
		return nil
	}
}

// RegisterFrameHandler subscribes fn to inbound FrameEvents.
func (c *Controller) RegisterFrameHandler(fn FrameHandler) model.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++

	next := make([]frameSub, len(c.frameHandlers), len(c.frameHandlers)+1)
	copy(next, c.frameHandlers)
	c.frameHandlers = append(next, frameSub{id: id, fn: fn})

	return id
}

// RemoveFrameHandler unregisters a frame handler. Unknown ids are a
// non-fatal no-op.
func (c *Controller) RemoveFrameHandler(id model.HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.frameHandlers {
		if s.id == id {
			next := make([]frameSub, 0, len(c.frameHandlers)-1)
			next = append(next, c.frameHandlers[:i]...)
			next = append(next, c.frameHandlers[i+1:]...)
			c.frameHandlers = next
			return
		}
	}

	c.log.Warn().Msgf("removing unknown FlexRay frame handler id %d", id)
}

// RegisterTransmitHandler subscribes fn to trivial-mode ACKs.
func (c *Controller) RegisterTransmitHandler(fn TransmitHandler) model.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++

	next := make([]txSub, len(c.txHandlers), len(c.txHandlers)+1)
	copy(next, c.txHandlers)
	c.txHandlers = append(next, txSub{id: id, fn: fn})

	return id
}

// RemoveTransmitHandler unregisters a transmit handler. Unknown ids are a
// non-fatal no-op.
func (c *Controller) RemoveTransmitHandler(id model.HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.txHandlers {
		if s.id == id {
			next := make([]txSub, 0, len(c.txHandlers)-1)
			next = append(next, c.txHandlers[:i]...)
			next = append(next, c.txHandlers[i+1:]...)
			c.txHandlers = next
			return
		}
	}

	c.log.Warn().Msgf("removing unknown FlexRay transmit handler id %d", id)
}

// RegisterPocStatusHandler subscribes fn to POC state transitions.
func (c *Controller) RegisterPocStatusHandler(fn PocStatusHandler) model.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++

	next := make([]pocSub, len(c.pocHandlers), len(c.pocHandlers)+1)
	copy(next, c.pocHandlers)
	c.pocHandlers = append(next, pocSub{id: id, fn: fn})

	return id
}

func (c *Controller) publishPocLocked() {
	evt := PocStatusEvent{State: c.poc, Timestamp: c.now()}
	handlers := c.pocHandlers
	for _, h := range handlers {
		h.fn(evt)
	}
}

func (c *Controller) publishSymbol(channel Channel, symbol string, ts time.Duration) {
	evt := SymbolEvent{Channel: channel, Symbol: symbol, Timestamp: ts}
	c.router.Route(wire.Envelope{
		Type:             wire.TypeFlexraySymbolEvent,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: c.participantName, ServiceName: c.name, NetworkName: c.networkName, ServiceType: model.ServiceController},
		Payload:          evt,
	}, c.networkName, c.ownerKey)
}

// onFrameEvent delivers an inbound frame to every registered FrameHandler
// then mirrors it back to the sender as an Ack (spec §4.4.3 trivial ACK).
func (c *Controller) onFrameEvent(env wire.Envelope) {
	evt, ok := env.Payload.(FrameEvent)
	if !ok {
		return
	}

	c.mu.Lock()
	handlers := c.frameHandlers
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(evt)
	}

	ack := FrameTransmitEvent{TxBufferIndex: evt.TxBufferIndex, Channel: evt.Channel, Timestamp: evt.Timestamp}

	c.router.Route(wire.Envelope{
		Type:             wire.TypeFlexrayFrameTransmitEvent,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: c.participantName, ServiceName: c.name, NetworkName: c.networkName, ServiceType: model.ServiceController},
		Target:           env.SenderDescriptor.ParticipantName,
		Payload:          ack,
	}, c.networkName, c.ownerKey)
}

func (c *Controller) onTransmitEvent(env wire.Envelope) {
	evt, ok := env.Payload.(FrameTransmitEvent)
	if !ok {
		return
	}

	c.mu.Lock()
	handlers := c.txHandlers
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(evt)
	}
}

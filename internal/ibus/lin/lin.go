// Package lin implements the LIN Controller trivial-mode state machine
// (spec §4.4.2): master/slave response tables, header-driven collision
// resolution, and go-to-sleep/wakeup by content recognition.
//
// Grounded on the same messaging.Router delivery model as package can, with
// the collision-resolution state distributed via LinFrameResponseUpdate/
// LinControllerStatusUpdate broadcasts instead of a synchronous
// request/response handshake — trivial mode has no external simulator to
// round-trip through (spec §1 Out-of-scope), so each controller keeps a
// cached view of every peer's response table and status, built the same
// way discovery.Registry caches remote ServiceDescriptors.
package lin

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

// State is the controller's lifecycle state (spec §4.4.2).
type State int

const (
	Inactive State = iota
	Operational
	Sleep
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Operational:
		return "Operational"
	case Sleep:
		return "Sleep"
	default:
		return "Unknown"
	}
}

// ResponseMode is a node's configured behavior for one LIN id.
type ResponseMode int

const (
	Unused ResponseMode = iota
	Rx
	TxUnconditional
)

// ChecksumModel distinguishes LIN 1.x classic checksums from LIN 2.x
// enhanced checksums.
type ChecksumModel int

const (
	ChecksumClassic ChecksumModel = iota
	ChecksumEnhanced
)

// Frame is a LIN frame (spec §3: id 0-63, dataLength <= 8).
type Frame struct {
	ID            uint8
	DataLength    uint8
	Data          [8]byte
	ChecksumModel ChecksumModel
}

// Validate enforces the LinFrame invariant.
func (f Frame) Validate() error {
	if f.ID > 63 {
		return fmt.Errorf("%w: LIN id %d exceeds 6-bit range", errors.ErrMalformedFrame, f.ID)
	}
	if f.DataLength > 8 {
		return fmt.Errorf("%w: LIN data length %d exceeds 8 bytes", errors.ErrMalformedFrame, f.DataLength)
	}
	return nil
}

// goToSleepID and goToSleepFrame are the well-known LIN diagnostic frame
// recognized by exact value comparison (spec §9 "Go-to-sleep frame
// recognition: define by value comparison against the well-known
// constant, not by a flag field").
const goToSleepID uint8 = 0x3C

var goToSleepFrame = Frame{ID: goToSleepID, DataLength: 8, Data: [8]byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}

// Status reports the outcome of a header/transmission (spec §4.4.2).
type Status int

const (
	StatusRxOK Status = iota
	StatusRxError
	StatusRxNoResponse
	StatusTxOK
	StatusTxError
)

func toTxVariant(s Status) Status {
	switch s {
	case StatusRxOK:
		return StatusTxOK
	case StatusRxError:
		return StatusTxError
	default:
		return s
	}
}

// Transmission is the result of a SendFrameHeader, broadcast to the
// network (spec §6 LinTransmission).
type Transmission struct {
	ID        uint8
	Frame     Frame
	Status    Status
	Timestamp time.Duration
}

// WakeupDirection distinguishes the node that originated a wakeup pulse
// from the nodes that observed it (spec §4.4.2).
type WakeupDirection int

const (
	DirectionRx WakeupDirection = iota
	DirectionTx
)

// WakeupPulse is broadcast by Wakeup (spec §6 LinWakeupPulse).
type WakeupPulse struct {
	Direction WakeupDirection
	Timestamp time.Duration
}

// frameResponseUpdate announces a node's current response table entry for
// one LIN id (spec §6 LinFrameResponseUpdate).
type frameResponseUpdate struct {
	ID    uint8
	Frame Frame
	Mode  ResponseMode
}

// statusUpdate announces a node's State (spec §6 LinControllerStatusUpdate).
type statusUpdate struct {
	State State
}

func init() {
	gob.Register(Transmission{})
	gob.Register(WakeupPulse{})
	gob.Register(frameResponseUpdate{})
	gob.Register(statusUpdate{})
}

type responseEntry struct {
	frame Frame
	mode  ResponseMode
}

// TransmissionHandler receives Transmission results for ids this node has
// configured a response for (spec §4.4.2 Receive).
type TransmissionHandler func(Transmission)

// GoToSleepHandler is invoked when this node enters Sleep.
type GoToSleepHandler func()

// WakeupHandler is invoked when this node returns to Operational via
// Wakeup, with the direction it observed the pulse from.
type WakeupHandler func(WakeupDirection)

type rxSub struct {
	id model.HandlerID
	fn TransmissionHandler
}

type sleepSub struct {
	id model.HandlerID
	fn GoToSleepHandler
}

type wakeSub struct {
	id model.HandlerID
	fn WakeupHandler
}

// TimeProvider supplies the current simulation timestamp for outbound
// stamping (spec §4.2).
type TimeProvider func() time.Duration

// Controller is one node's LIN controller (spec §4.4.2). isMaster selects
// whether SendFrame/SendFrameHeader/GoToSleep/Wakeup are permitted.
type Controller struct {
	mu sync.Mutex

	participantName string
	name            string
	networkName     string
	ownerKey        string
	isMaster        bool

	state State
	own   map[uint8]responseEntry

	peerResponses map[string]map[uint8]responseEntry
	peerStates    map[string]State

	rxHandlers    []rxSub
	sleepHandlers []sleepSub
	wakeHandlers  []wakeSub
	nextHandlerID model.HandlerID

	router *messaging.Router
	now    TimeProvider

	log logger.Logger
}

// New creates a LIN controller. isMaster selects the master role (spec
// §4.4.2: SendFrame/SendFrameHeader/GoToSleep/Wakeup are master-only).
func New(participantName, name, networkName string, isMaster bool, router *messaging.Router, now TimeProvider, log logger.Logger) *Controller {
	if now == nil {
		now = func() time.Duration { return 0 }
	}

	c := &Controller{
		participantName: participantName,
		name:            name,
		networkName:     networkName,
		ownerKey:        participantName + "::" + name,
		isMaster:        isMaster,
		state:           Inactive,
		own:             make(map[uint8]responseEntry),
		peerResponses:   make(map[string]map[uint8]responseEntry),
		peerStates:      make(map[string]State),
		router:          router,
		now:             now,
		log:             log.WithComponent("LIN"),
	}

	c.peerResponses[c.ownerKey] = c.own
	c.peerStates[c.ownerKey] = Inactive

	router.Subscribe(wire.TypeLinFrameResponseUpdate, networkName, c.ownerKey, participantName, c.onFrameResponseUpdate)
	router.Subscribe(wire.TypeLinControllerStatusUpdate, networkName, c.ownerKey, participantName, c.onStatusUpdate)
	router.Subscribe(wire.TypeLinTransmission, networkName, c.ownerKey, participantName, c.onTransmissionWire)
	router.Subscribe(wire.TypeLinWakeupPulse, networkName, c.ownerKey, participantName, c.onWakeupPulseWire)

	return c
}

// Init transitions Inactive -> Operational (spec §4.4.2: "Init must
// precede any frame API").
func (c *Controller) Init() {
	c.setState(Operational)
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// SetResponse updates this node's response table for id (spec §4.4.2: "Per
// node table: response[linId] -> (frame, responseMode)") and announces it
// to the network.
func (c *Controller) SetResponse(id uint8, frame Frame, mode ResponseMode) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.own[id] = responseEntry{frame: frame, mode: mode}
	c.mu.Unlock()

	c.broadcast(wire.TypeLinFrameResponseUpdate, frameResponseUpdate{ID: id, Frame: frame, Mode: mode}, "")

	return nil
}

// SendFrame is master-only (spec §4.4.2): updates the local response
// table for frame.ID per responseType, then sends the header.
func (c *Controller) SendFrame(frame Frame, responseType ResponseMode) error {
	if !c.isMaster {
		return fmt.Errorf("%w: SendFrame", errors.ErrNotMaster)
	}
	if c.State() != Operational {
		return fmt.Errorf("%w: SendFrame", errors.ErrNotOperational)
	}

	if err := c.SetResponse(frame.ID, frame, responseType); err != nil {
		return err
	}

	return c.SendFrameHeader(frame.ID)
}

// SendFrameHeader is master-only (spec §4.4.2): resolves the set of
// TxUnconditional Operational responders for id and broadcasts the
// resulting Transmission.
func (c *Controller) SendFrameHeader(id uint8) error {
	if !c.isMaster {
		return fmt.Errorf("%w: SendFrameHeader", errors.ErrNotMaster)
	}
	if c.State() != Operational {
		return fmt.Errorf("%w: SendFrameHeader", errors.ErrNotOperational)
	}

	c.mu.Lock()
	type responder struct {
		frame Frame
	}
	var responders []responder
	for peer, table := range c.peerResponses {
		entry, ok := table[id]
		if !ok || entry.mode != TxUnconditional {
			continue
		}
		if c.peerStates[peer] != Operational {
			continue
		}
		responders = append(responders, responder{frame: entry.frame})
	}
	c.mu.Unlock()

	var tx Transmission
	switch len(responders) {
	case 0:
		tx = Transmission{ID: id, Status: StatusRxNoResponse, Timestamp: c.now()}
	case 1:
		tx = Transmission{ID: id, Frame: responders[0].frame, Status: StatusRxOK, Timestamp: c.now()}
	default:
		tx = Transmission{ID: id, Status: StatusRxError, Timestamp: c.now()}
	}

	c.dispatchTransmission(tx)
	c.broadcast(wire.TypeLinTransmission, tx, "")

	return nil
}

// GoToSleep is master-only (spec §4.4.2): broadcasts the well-known
// go-to-sleep frame; every node that recognizes it by content match
// transitions to Sleep and invokes its GoToSleepHandler.
func (c *Controller) GoToSleep() error {
	if !c.isMaster {
		return fmt.Errorf("%w: GoToSleep", errors.ErrNotMaster)
	}
	if c.State() != Operational {
		return fmt.Errorf("%w: GoToSleep", errors.ErrNotOperational)
	}

	tx := Transmission{ID: goToSleepID, Frame: goToSleepFrame, Status: StatusRxOK, Timestamp: c.now()}

	c.dispatchTransmission(tx)
	c.broadcast(wire.TypeLinTransmission, tx, "")

	return nil
}

// Wakeup is master-only (spec §4.4.2): this node re-enters Operational
// with WakeupHandler(DirectionTx); peers observe DirectionRx.
func (c *Controller) Wakeup() error {
	if !c.isMaster {
		return fmt.Errorf("%w: Wakeup", errors.ErrNotMaster)
	}

	c.setState(Operational)
	c.invokeWakeupHandlers(DirectionTx)

	c.broadcast(wire.TypeLinWakeupPulse, WakeupPulse{Direction: DirectionRx, Timestamp: c.now()}, "")

	return nil
}

// RegisterTransmissionHandler subscribes fn to Transmission results for
// ids this node has configured a response for.
func (c *Controller) RegisterTransmissionHandler(fn TransmissionHandler) model.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++
	c.rxHandlers = append(append([]rxSub{}, c.rxHandlers...), rxSub{id: id, fn: fn})

	return id
}

// RemoveTransmissionHandler unregisters a transmission handler. Unknown
// ids are a non-fatal no-op.
func (c *Controller) RemoveTransmissionHandler(id model.HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.rxHandlers {
		if s.id == id {
			c.rxHandlers = append(append([]rxSub{}, c.rxHandlers[:i]...), c.rxHandlers[i+1:]...)
			return
		}
	}
	c.log.Warn().Msgf("removing unknown LIN transmission handler id %d", id)
}

// RegisterGoToSleepHandler subscribes fn to this node's Sleep transitions.
func (c *Controller) RegisterGoToSleepHandler(fn GoToSleepHandler) model.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++
	c.sleepHandlers = append(append([]sleepSub{}, c.sleepHandlers...), sleepSub{id: id, fn: fn})

	return id
}

// RegisterWakeupHandler subscribes fn to this node's return-to-Operational
// transitions.
func (c *Controller) RegisterWakeupHandler(fn WakeupHandler) model.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++
	c.wakeHandlers = append(append([]wakeSub{}, c.wakeHandlers...), wakeSub{id: id, fn: fn})

	return id
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.peerStates[c.ownerKey] = s
	c.mu.Unlock()

	c.broadcast(wire.TypeLinControllerStatusUpdate, statusUpdate{State: s}, "")
}

func (c *Controller) broadcast(msgType wire.MessageType, payload interface{}, target string) {
	c.router.Route(wire.Envelope{
		Type:             msgType,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: c.participantName, ServiceName: c.name, NetworkName: c.networkName, ServiceType: model.ServiceController},
		Target:           target,
		Payload:          payload,
	}, c.networkName, c.ownerKey)
}

func senderKey(env wire.Envelope) string {
	return env.SenderDescriptor.ParticipantName + "::" + env.SenderDescriptor.ServiceName
}

func (c *Controller) onFrameResponseUpdate(env wire.Envelope) {
	upd, ok := env.Payload.(frameResponseUpdate)
	if !ok {
		return
	}

	key := senderKey(env)

	c.mu.Lock()
	table, ok := c.peerResponses[key]
	if !ok {
		table = make(map[uint8]responseEntry)
		c.peerResponses[key] = table
	}
	table[upd.ID] = responseEntry{frame: upd.Frame, mode: upd.Mode}
	c.mu.Unlock()
}

func (c *Controller) onStatusUpdate(env wire.Envelope) {
	upd, ok := env.Payload.(statusUpdate)
	if !ok {
		return
	}

	c.mu.Lock()
	c.peerStates[senderKey(env)] = upd.State
	c.mu.Unlock()
}

func (c *Controller) onTransmissionWire(env wire.Envelope) {
	tx, ok := env.Payload.(Transmission)
	if !ok {
		return
	}
	c.dispatchTransmission(tx)
}

// dispatchTransmission applies spec §4.4.2 Receive logic for this node,
// including go-to-sleep recognition by content match (spec §9).
func (c *Controller) dispatchTransmission(tx Transmission) {
	if tx.Frame == goToSleepFrame {
		c.setState(Sleep)
		c.invokeGoToSleepHandlers()
		return
	}

	c.mu.Lock()
	entry, configured := c.own[tx.ID]
	handlers := c.rxHandlers
	c.mu.Unlock()

	if !configured || entry.mode == Unused {
		return
	}

	out := tx
	switch entry.mode {
	case Rx:
		if tx.Status == StatusRxOK && (tx.Frame.DataLength != entry.frame.DataLength || tx.Frame.ChecksumModel != entry.frame.ChecksumModel) {
			out.Status = StatusRxError
		}
	case TxUnconditional:
		out.Status = toTxVariant(tx.Status)
	}

	for _, h := range handlers {
		h.fn(out)
	}
}

func (c *Controller) onWakeupPulseWire(env wire.Envelope) {
	pulse, ok := env.Payload.(WakeupPulse)
	if !ok {
		return
	}

	c.setState(Operational)
	c.invokeWakeupHandlers(pulse.Direction)
}

func (c *Controller) invokeGoToSleepHandlers() {
	c.mu.Lock()
	handlers := c.sleepHandlers
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn()
	}
}

func (c *Controller) invokeWakeupHandlers(dir WakeupDirection) {
	c.mu.Lock()
	handlers := c.wakeHandlers
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(dir)
	}
}

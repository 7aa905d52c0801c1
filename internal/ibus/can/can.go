// Package can implements the CAN Controller trivial-mode state machine
// (spec §4.4.1): configuration, transmit-id stamped send, and reflected
// receive/ACK over the Service Discovery & Messaging Router.
//
// Grounded on the teacher's internal/app/discovery handler-registry shape
// for the copy-on-write frame-handler list (spec §9 "Handler storage"),
// and on messaging.Router for delivery/echo-suppression/targeted-ACK
// semantics.
package can

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

// Mode is the controller's operating mode (spec §4.4.1).
type Mode int

const (
	ModeUninit Mode = iota
	ModeStopped
	ModeStarted
	ModeSleep
)

func (m Mode) String() string {
	switch m {
	case ModeUninit:
		return "Uninit"
	case ModeStopped:
		return "Stopped"
	case ModeStarted:
		return "Started"
	case ModeSleep:
		return "Sleep"
	default:
		return "Unknown"
	}
}

// TransmitStatus reports the outcome of a Send (spec §4.4.1 ACK).
type TransmitStatus int

const (
	Transmitted TransmitStatus = iota
	TransmitQueueFull
	DuplicatedTransmitID
)

// Frame is a CAN data frame (spec §3 Frame invariants: canId <= 0x1FFFFFFF,
// payload length <= 64 for CAN-FD).
type Frame struct {
	ID   uint32
	DLC  uint8
	Data []byte
}

// Validate enforces the CanFrame invariant.
func (f Frame) Validate() error {
	if f.ID > 0x1FFFFFFF {
		return fmt.Errorf("%w: CAN id %#x exceeds 29-bit range", errors.ErrMalformedFrame, f.ID)
	}
	if len(f.Data) > 64 {
		return fmt.Errorf("%w: CAN payload length %d exceeds 64 bytes", errors.ErrMalformedFrame, len(f.Data))
	}
	return nil
}

// FrameEvent is published on every Send (spec §6 CanFrameEvent).
type FrameEvent struct {
	Frame      Frame
	Timestamp  time.Duration
	TransmitID uint32
}

// FrameTransmitEvent is the ACK published back to the sender
// (spec §6 CanFrameTransmitEvent).
type FrameTransmitEvent struct {
	TransmitID uint32
	Status     TransmitStatus
	Timestamp  time.Duration
}

func init() {
	gob.Register(FrameEvent{})
	gob.Register(FrameTransmitEvent{})
}

// FrameHandler receives inbound FrameEvents from other controllers on the
// same network.
type FrameHandler func(FrameEvent)

// TransmitHandler receives the ACK for a frame this controller sent.
type TransmitHandler func(FrameTransmitEvent)

type frameSub struct {
	id model.HandlerID
	fn FrameHandler
}

type txSub struct {
	id model.HandlerID
	fn TransmitHandler
}

// TimeProvider supplies the current simulation timestamp for outbound
// stamping (spec §4.2: "controllers must stamp outbound messages with
// timeProvider->Now() at send time").
type TimeProvider func() time.Duration

// Controller is one participant's CAN controller (spec §4.4.1).
type Controller struct {
	mu sync.Mutex

	participantName string
	name            string
	networkName     string
	ownerKey        string

	mode     Mode
	baudRate int
	nextTxID uint32

	frameHandlers []frameSub
	txHandlers    []txSub
	nextHandlerID model.HandlerID

	router *messaging.Router
	now    TimeProvider

	log logger.Logger
}

// New creates a CAN controller named name on networkName, owned by
// participantName, dispatching through router. now supplies outbound
// timestamps; a nil now stamps every message with 0 (callers normally
// pass a Participant's time provider).
func New(participantName, name, networkName string, router *messaging.Router, now TimeProvider, log logger.Logger) *Controller {
	if now == nil {
		now = func() time.Duration { return 0 }
	}

	c := &Controller{
		participantName: participantName,
		name:            name,
		networkName:     networkName,
		ownerKey:        participantName + "::" + name,
		mode:            ModeUninit,
		router:          router,
		now:             now,
		log:             log.WithComponent("CAN"),
	}

	router.Subscribe(wire.TypeCanFrameEvent, networkName, c.ownerKey, participantName, c.onFrameEvent)
	router.Subscribe(wire.TypeCanFrameTransmitEvent, networkName, c.ownerKey, participantName, c.onTransmitEvent)

	return c
}

// Configure sets the baud rate (spec §4.4.1).
func (c *Controller) Configure(baudRate int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.baudRate = baudRate
}

// SetMode transitions the controller's operating mode.
func (c *Controller) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Info().Msgf("%s: mode %s -> %s", c.name, c.mode, mode)
	c.mode = mode
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

// RegisterFrameHandler subscribes fn to inbound FrameEvents from other
// controllers on this network. Safe to call during active reception
// (spec §4.4.1 thread-safety contract).
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

	c.log.Warn().Msgf("removing unknown CAN frame handler id %d", id)
}

// RegisterTransmitHandler subscribes fn to ACKs for frames this controller
// sends.
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

	c.log.Warn().Msgf("removing unknown CAN transmit handler id %d", id)
}

// SendFrame transmits frame and returns its transmit id (spec §4.4.1
// Send). Requires the controller to be Started.
func (c *Controller) SendFrame(frame Frame) (uint32, error) {
	if err := frame.Validate(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.mode != ModeStarted {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: CAN controller %s", errors.ErrControllerNotStarted, c.name)
	}

	c.nextTxID++
	txID := c.nextTxID
	c.mu.Unlock()

	evt := FrameEvent{Frame: frame, Timestamp: c.now(), TransmitID: txID}

	c.router.Route(wire.Envelope{
		Type:             wire.TypeCanFrameEvent,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: c.participantName, ServiceName: c.name, NetworkName: c.networkName, ServiceType: model.ServiceController},
		Payload:          evt,
	}, c.networkName, c.ownerKey)

	return txID, nil
}

// onFrameEvent delivers an inbound frame to every registered FrameHandler
// (snapshot-per-dispatch, spec §4.4.1 thread-safety contract), then
// acknowledges it back to the sender (spec §4.4.1 ACK).
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

	ack := FrameTransmitEvent{TransmitID: evt.TransmitID, Status: Transmitted, Timestamp: c.now()}

	c.router.Route(wire.Envelope{
		Type:             wire.TypeCanFrameTransmitEvent,
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

// Package wire defines the semantic schemas of the principal messages
// exchanged over a Connection (spec §6). Byte-layout is intentionally not
// specified: the module encodes an Envelope with encoding/gob, since the
// payload types are a closed, compile-time-known sum of Go structs — gob's
// sweet spot, and the shape none of the retrieval pack's examples needed a
// protobuf toolchain for.
package wire

import (
	"encoding/gob"
	"time"

	"github.com/vectorbus/ibus/internal/ibus/model"
)

// Envelope is what actually crosses the wire: a tagged union keyed by
// Type, carrying the sender's descriptor as every principal message must
// (spec §6: "Every message carries a senderDescriptor").
type Envelope struct {
	Type             MessageType
	SenderDescriptor model.ServiceDescriptor
	Target           string // targeted participant name; empty means broadcast
	Payload          interface{}
}

// MessageType enumerates the principal wire messages of spec §6. Named
// MessageTypeId in the design notes (§9): a compile-time-assigned integer
// per variant, used to key the messaging.Router's registry.
type MessageType int

const (
	TypeParticipantAnnouncement MessageType = iota
	TypeServiceDiscoveryEvent
	TypeSystemCommand
	TypeParticipantCommand
	TypeParticipantStatus
	TypeWorkflowConfiguration
	TypeNextSimTask
	TypeCanFrameEvent
	TypeCanFrameTransmitEvent
	TypeCanControllerStatus
	TypeCanConfigureBaudrate
	TypeCanSetControllerMode
	TypeLinSendFrameRequest
	TypeLinSendFrameHeaderRequest
	TypeLinTransmission
	TypeLinWakeupPulse
	TypeLinControllerConfig
	TypeLinControllerStatusUpdate
	TypeLinFrameResponseUpdate
	TypeFlexrayFrameEvent
	TypeFlexrayFrameTransmitEvent
	TypeFlexraySymbolEvent
	TypeFlexrayHostCommand
	TypeFlexrayControllerConfig
	TypeFlexrayTxBufferConfigUpdate
	TypeFlexrayTxBufferUpdate
	TypeFlexrayPocStatusEvent
	TypeDataMessageEvent
	TypeRpcFunctionCall
	TypeRpcFunctionCallResponse
	TypeLogMsg
)

func (t MessageType) String() string {
	names := [...]string{
		"ParticipantAnnouncement", "ServiceDiscoveryEvent", "SystemCommand",
		"ParticipantCommand", "ParticipantStatus", "WorkflowConfiguration",
		"NextSimTask", "CanFrameEvent", "CanFrameTransmitEvent",
		"CanControllerStatus", "CanConfigureBaudrate", "CanSetControllerMode",
		"LinSendFrameRequest", "LinSendFrameHeaderRequest", "LinTransmission",
		"LinWakeupPulse", "LinControllerConfig", "LinControllerStatusUpdate",
		"LinFrameResponseUpdate", "FlexrayFrameEvent", "FlexrayFrameTransmitEvent",
		"FlexraySymbolEvent", "FlexrayHostCommand", "FlexrayControllerConfig",
		"FlexrayTxBufferConfigUpdate", "FlexrayTxBufferUpdate", "FlexrayPocStatusEvent",
		"DataMessageEvent", "RpcFunctionCall", "RpcFunctionCallResponse", "LogMsg",
	}
	if int(t) >= 0 && int(t) < len(names) {
		return names[t]
	}
	return "Unknown"
}

// DataMessageEvent carries a generic data-channel payload (publisher/
// subscriber messaging, spec §4.3).
type DataMessageEvent struct {
	Topic     string
	Data      []byte
	Timestamp time.Duration
}

// RpcFunctionCall / RpcFunctionCallResponse are the generic RPC channel
// messages named in spec §6; the core only routes them by type and target,
// it does not interpret the payload.
type RpcFunctionCall struct {
	CallUUID  [16]byte
	FunctionName string
	Arguments []byte
}

type RpcFunctionCallResponse struct {
	CallUUID [16]byte
	Result   []byte
}

// LogMsg is forwarded through the Registry by a Remote logging sink
// (spec §6 Logging.Sinks[].Type == "Remote").
type LogMsg struct {
	Level     string
	Message   string
	Timestamp time.Time
}

func init() {
	gob.Register(Envelope{})
	gob.Register(model.ServiceDescriptor{})
	gob.Register(model.ParticipantAnnouncement{})
	gob.Register(model.ServiceDiscoveryEvent{})
	gob.Register(model.SystemCommand{})
	gob.Register(model.ParticipantStatus{})
	gob.Register(model.WorkflowConfiguration{})
	gob.Register(model.NextSimTask{})
	gob.Register(DataMessageEvent{})
	gob.Register(RpcFunctionCall{})
	gob.Register(RpcFunctionCallResponse{})
	gob.Register(LogMsg{})
}

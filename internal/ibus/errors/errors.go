// Package errors collects the sentinel errors surfaced across the
// integration bus. Handlers and callers compare against these with
// errors.Is/errors.As rather than parsing message text.
package errors

import "errors"

var (
	// Configuration errors (spec §7.1) - surfaced synchronously to the caller.
	ErrDuplicateControllerName = errors.New("duplicate controller name in configuration")
	ErrMissingParticipantName  = errors.New("participant name is required")
	ErrInvalidFlexrayParameter = errors.New("flexray cluster/node parameter out of range")
	ErrFailedToReadConfig      = errors.New("failed to read participant configuration")
	ErrFailedToParseConfig     = errors.New("failed to parse participant configuration")

	// State errors (spec §7.2) - API misuse, surfaced synchronously, no state change.
	ErrControllerNotInitialized = errors.New("controller API called before Init")
	ErrNotMaster                = errors.New("operation requires LIN master mode")
	ErrNotOperational           = errors.New("controller is not in Operational state")
	ErrControllerNotStarted     = errors.New("controller is not in Started state")
	ErrInvalidStateTransition   = errors.New("lifecycle transition not permitted")
	ErrTxBufferIndexOutOfRange  = errors.New("tx buffer index out of range")
	ErrControllerMisconfigured  = errors.New("controller left in DefaultConfig after failed Configure")

	// Protocol errors (spec §7.3) - peer sent an out-of-sequence or malformed message.
	ErrOutOfSequenceMessage = errors.New("message received out of sequence")
	ErrUnknownMessageType   = errors.New("unknown wire message type")
	ErrMalformedFrame       = errors.New("malformed frame payload")

	// Handler exceptions (spec §7.4) - caught at the dispatcher boundary.
	ErrHandlerPanicked = errors.New("handler panicked")

	// Connection loss (spec §7.5).
	ErrRegistryUnreachable  = errors.New("registry connection lost")
	ErrRequiredPeerLost     = errors.New("required participant connection lost")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrParticipantNotFound  = errors.New("participant not found in federation")
	ErrDuplicateServiceID   = errors.New("duplicate service id for participant")
	ErrDuplicateServiceName = errors.New("duplicate service name within network and service type")
	ErrUnknownHandlerID     = errors.New("unknown handler id")
)

var (
	As  = errors.As
	Is  = errors.Is
	New = errors.New
)

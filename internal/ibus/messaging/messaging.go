// Package messaging implements the typed message Router (spec §4.3): every
// outbound message is routed to every receiver subscribed to that type and,
// where applicable, matching network name; targeted (unicast) delivery
// filters by participant name; a message echoed back to its own sender is
// suppressed.
//
// Grounded on the teacher's internal/app/bus.Bus — generalized from a
// single untyped fan-out channel to the design notes' (MessageTypeId,
// NetworkName) -> []Handler registry (spec §9), using a copy-on-write
// snapshot under lock instead of per-subscriber channels, since dispatch
// here must complete synchronously on the dispatcher goroutine (spec §5:
// "all handler invocations for a single message complete before the next
// message ... begins dispatch").
package messaging

import (
	"sync"

	"github.com/vectorbus/ibus/internal/ibus/model"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

// Receiver handles one routed envelope.
type Receiver func(wire.Envelope)

type key struct {
	msgType     wire.MessageType
	networkName string
}

type subscription struct {
	id            model.HandlerID
	ownerKey      string
	receiverName  string // participant name owning this receiver, for targeted delivery
	fn            Receiver
}

// Uplink forwards an envelope a local controller originated onto the wire
// so remote participants' Routers see it too (spec §6: every principal
// message is both dispatched locally and relayed through the Registry).
type Uplink func(env wire.Envelope, networkName string)

// Router is the per-participant typed-message dispatch table.
type Router struct {
	mu     sync.Mutex
	routes map[key][]subscription
	nextID model.HandlerID
	uplink Uplink
}

// New creates an empty Router.
func New() *Router {
	return &Router{routes: make(map[key][]subscription)}
}

// Subscribe registers fn for envelopes of msgType on networkName.
// ownerKey identifies the controller/endpoint fn belongs to (used for
// sender-echo suppression); receiverName is the owning participant's name
// (used for targeted-delivery filtering).
func (r *Router) Subscribe(msgType wire.MessageType, networkName, ownerKey, receiverName string, fn Receiver) model.HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	k := key{msgType, networkName}
	existing := r.routes[k]

	next := make([]subscription, len(existing), len(existing)+1)
	copy(next, existing)
	next = append(next, subscription{id: id, ownerKey: ownerKey, receiverName: receiverName, fn: fn})

	r.routes[k] = next

	return id
}

// Unsubscribe removes a previously registered handler. Unknown ids are a
// non-fatal no-op.
func (r *Router) Unsubscribe(id model.HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, subs := range r.routes {
		for i, s := range subs {
			if s.id == id {
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				next = append(next, subs[i+1:]...)
				r.routes[k] = next
				return
			}
		}
	}
}

// SetUplink installs the hook used to relay locally originated envelopes
// onto the wire. Participant wires this to its Connection; a nil uplink
// (the default, and what every in-process test uses) makes Route purely
// local.
func (r *Router) SetUplink(fn Uplink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.uplink = fn
}

// Route dispatches env to every matching local receiver, except the one
// whose ownerKey equals senderOwnerKey (sender-echo suppression, spec
// §4.3), honoring env.Target for unicast delivery, then relays env onto
// the wire via the installed Uplink so remote participants observe it too.
// Controllers call Route for messages they originate.
func (r *Router) Route(env wire.Envelope, networkName, senderOwnerKey string) {
	r.deliverLocal(env, networkName, senderOwnerKey)

	r.mu.Lock()
	uplink := r.uplink
	r.mu.Unlock()

	if uplink != nil {
		uplink(env, networkName)
	}
}

// DeliverLocal dispatches env to local receivers only, without relaying it
// back onto the wire. Participant uses this for envelopes it reads off its
// Connection, which already travelled the wire once.
func (r *Router) DeliverLocal(env wire.Envelope, networkName, senderOwnerKey string) {
	r.deliverLocal(env, networkName, senderOwnerKey)
}

func (r *Router) deliverLocal(env wire.Envelope, networkName, senderOwnerKey string) {
	r.mu.Lock()
	subs := r.routes[key{env.Type, networkName}]
	r.mu.Unlock()

	for _, s := range subs {
		if s.ownerKey == senderOwnerKey {
			continue
		}

		if env.Target != "" && env.Target != s.receiverName {
			continue
		}

		s.fn(env)
	}
}

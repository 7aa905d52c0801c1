// Package discovery implements the per-participant Service Discovery core
// (spec §4.3): local descriptor bookkeeping, remote descriptor learning via
// ServiceDiscoveryEvent, and handler subscriptions that replay every
// currently-known descriptor to late joiners exactly once.
//
// Grounded on the teacher's internal/app/discovery.discovery (profile/tier
// resolution: build an index, then sort and group) — generalized here from
// "services grouped by tier" to "descriptors sorted by participant, network
// and service name", keeping the same build-index-then-iterate shape, and
// from the design notes' copy-on-write handler registry (spec §9).
package discovery

import (
	"sort"
	"sync"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/model"
)

// Filter narrows which ServiceDiscoveryEvents a Handler receives: by
// ControllerType and/or a supplemental-data key/value match (spec §4.3:
// "Handlers may subscribe to all events or filter by (controllerType,
// supplementalData value)").
type Filter struct {
	ControllerType    *model.ServiceType
	SupplementalKey   string
	SupplementalValue string
}

func (f Filter) matches(d model.ServiceDescriptor) bool {
	if f.ControllerType != nil && *f.ControllerType != d.ServiceType {
		return false
	}

	if f.SupplementalKey != "" {
		v, ok := d.Supplemental[f.SupplementalKey]
		if !ok || v != f.SupplementalValue {
			return false
		}
	}

	return true
}

// Handler is invoked for every ServiceCreated/ServiceRemoved event that
// passes its Filter, including the immediate replay on registration.
type Handler func(model.ServiceDiscoveryEvent)

type subscription struct {
	id     model.HandlerID
	filter Filter
	fn     Handler
}

// Registry is the local, per-participant service-discovery table.
type Registry interface {
	// AddLocal registers a descriptor this participant owns and notifies
	// subscribers with a ServiceCreated event.
	AddLocal(desc model.ServiceDescriptor)

	// RemoveLocal tears down a locally-owned descriptor, notifying
	// subscribers with a ServiceRemoved event.
	RemoveLocal(desc model.ServiceDescriptor)

	// ObserveRemote feeds a ServiceDiscoveryEvent learned from the wire
	// (another participant's announcement or creation/removal) into the
	// local table, notifying subscribers.
	ObserveRemote(evt model.ServiceDiscoveryEvent)

	// RegisterHandler subscribes h to events matching filter. Every
	// currently-known descriptor is replayed to h immediately, exactly
	// once (spec §4.3 + §8 round-trip property).
	RegisterHandler(filter Filter, h Handler) model.HandlerID

	// RemoveHandler unregisters a handler. Removing an unknown id is a
	// non-fatal no-op (logged as a warning).
	RemoveHandler(id model.HandlerID)

	// Snapshot returns every currently-known descriptor, grouped and
	// sorted for deterministic iteration (used by ParticipantAnnouncement
	// construction and by tests).
	Snapshot() []model.ServiceDescriptor

	// LocalDescriptors returns only the descriptors this participant owns,
	// used by Participant to build its ParticipantAnnouncement and by the
	// Registry's disconnect-removal synthesis.
	LocalDescriptors() []model.ServiceDescriptor
}

type registry struct {
	mu sync.Mutex

	descriptors map[model.Key]model.ServiceDescriptor
	owned       map[model.Key]bool

	handlers []subscription // copy-on-write: replaced wholesale on mutation
	nextID   model.HandlerID

	log logger.Logger
}

// New creates an empty local Registry.
func New(log logger.Logger) Registry {
	return &registry{
		descriptors: make(map[model.Key]model.ServiceDescriptor),
		owned:       make(map[model.Key]bool),
		log:         log.WithComponent("DISCOVERY"),
	}
}

func (r *registry) AddLocal(desc model.ServiceDescriptor) {
	r.mu.Lock()
	r.descriptors[desc.Key()] = desc
	r.owned[desc.Key()] = true
	handlers := r.handlers
	r.mu.Unlock()

	notify(handlers, model.ServiceDiscoveryEvent{Kind: model.ServiceCreated, Descriptor: desc})
}

func (r *registry) RemoveLocal(desc model.ServiceDescriptor) {
	r.mu.Lock()
	delete(r.descriptors, desc.Key())
	delete(r.owned, desc.Key())
	handlers := r.handlers
	r.mu.Unlock()

	notify(handlers, model.ServiceDiscoveryEvent{Kind: model.ServiceRemoved, Descriptor: desc})
}

func (r *registry) ObserveRemote(evt model.ServiceDiscoveryEvent) {
	r.mu.Lock()
	switch evt.Kind {
	case model.ServiceCreated:
		r.descriptors[evt.Descriptor.Key()] = evt.Descriptor
	case model.ServiceRemoved:
		delete(r.descriptors, evt.Descriptor.Key())
	}
	handlers := r.handlers
	r.mu.Unlock()

	notify(handlers, evt)
}

func (r *registry) RegisterHandler(filter Filter, h Handler) model.HandlerID {
	r.mu.Lock()

	id := r.nextID
	r.nextID++

	// Snapshot under the same lock that guards mutation, so replay and
	// subsequent live events neither overlap nor miss a descriptor
	// (spec §8: "no duplicate delivery for a descriptor to a single
	// handler").
	existing := r.sortedLocked()

	next := make([]subscription, len(r.handlers), len(r.handlers)+1)
	copy(next, r.handlers)
	r.handlers = append(next, subscription{id: id, filter: filter, fn: h})

	r.mu.Unlock()

	for _, d := range existing {
		if filter.matches(d) {
			h(model.ServiceDiscoveryEvent{Kind: model.ServiceCreated, Descriptor: d})
		}
	}

	return id
}

func (r *registry) RemoveHandler(id model.HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, s := range r.handlers {
		if s.id == id {
			idx = i
			break
		}
	}

	if idx == -1 {
		r.log.Warn().Msgf("removing unknown discovery handler id %d", id)
		return
	}

	next := make([]subscription, 0, len(r.handlers)-1)
	next = append(next, r.handlers[:idx]...)
	next = append(next, r.handlers[idx+1:]...)
	r.handlers = next
}

func (r *registry) Snapshot() []model.ServiceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sortedLocked()
}

func (r *registry) LocalDescriptors() []model.ServiceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.ServiceDescriptor, 0, len(r.owned))
	for key := range r.owned {
		out = append(out, r.descriptors[key])
	}

	sortDescriptors(out)

	return out
}

func (r *registry) sortedLocked() []model.ServiceDescriptor {
	out := make([]model.ServiceDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}

	sortDescriptors(out)

	return out
}

func sortDescriptors(out []model.ServiceDescriptor) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParticipantName != out[j].ParticipantName {
			return out[i].ParticipantName < out[j].ParticipantName
		}
		if out[i].NetworkName != out[j].NetworkName {
			return out[i].NetworkName < out[j].NetworkName
		}
		return out[i].ServiceName < out[j].ServiceName
	})
}

func notify(handlers []subscription, evt model.ServiceDiscoveryEvent) {
	for _, s := range handlers {
		if s.filter.matches(evt.Descriptor) {
			s.fn(evt)
		}
	}
}

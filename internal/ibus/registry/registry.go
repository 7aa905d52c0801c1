// Package registry implements the central rendezvous broker (spec §6):
// "Each participant connects to a Registry at a configurable URI ... The
// Registry is a relay: it accepts participant connections, forwards
// ParticipantAnnouncement messages, and multicasts to all peers."
//
// Grounded on the teacher's internal/app/logs.server (net.Listen/Accept,
// per-connection goroutine, start/stop lifecycle) and internal/app/logs.hub
// (register/unregister/broadcast over channels, single goroutine owning the
// client map) — generalized from a log-tail multicast to a typed envelope
// relay keyed by participant name.
package registry

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/connection"
	"github.com/vectorbus/ibus/internal/ibus/model"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

// Broker is the Registry process.
type Broker interface {
	Start(ctx context.Context) error
	Stop() error
	Addr() string

	// OnRelay subscribes fn to every envelope the broker fans out, in
	// relay order. Used by a read-only dashboard feed; fn must not block.
	OnRelay(fn func(wire.Envelope))
}

type peer struct {
	name string
	conn connection.Connection
	send chan wire.Envelope
	// services is the last known set of descriptors announced by this
	// peer, used to synthesize ServiceRemoved on disconnect (spec §4.3:
	// "On peer disconnect: the local service-discovery synthesizes
	// ServiceRemoved events for every remote descriptor owned by that
	// peer" — performed centrally here and relayed like any other event,
	// which is observably identical to each participant doing it locally;
	// see DESIGN.md).
	services map[model.Key]model.ServiceDescriptor
	// announcement is the ParticipantAnnouncement this peer connected
	// with, replayed to every peer that connects after it.
	announcement wire.Envelope
}

type broker struct {
	listenAddr string
	listener   net.Listener
	log        logger.Logger

	mu    sync.Mutex
	peers map[string]*peer

	subMu       sync.Mutex
	subscribers []func(wire.Envelope)

	register   chan *peer
	unregister chan *peer
	relay      chan relayedEnvelope

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

type relayedEnvelope struct {
	from *peer
	env  wire.Envelope
}

// New creates a Broker listening on addr.
func New(addr string, log logger.Logger) Broker {
	return &broker{
		listenAddr: addr,
		log:        log.WithComponent("REGISTRY"),
		peers:      make(map[string]*peer),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		relay:      make(chan relayedEnvelope, 256),
		done:       make(chan struct{}),
	}
}

// OnRelay registers fn to be called, in relay order, with every envelope
// the broker fans out. fn runs on the broker's single run goroutine and
// must not block or call back into the Broker.
func (b *broker) OnRelay(fn func(wire.Envelope)) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *broker) notifySubscribers(env wire.Envelope) {
	b.subMu.Lock()
	subs := make([]func(wire.Envelope), len(b.subscribers))
	copy(subs, b.subscribers)
	b.subMu.Unlock()

	for _, fn := range subs {
		fn(env)
	}
}

func (b *broker) Addr() string {
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return b.listenAddr
}

func (b *broker) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.listenAddr, err)
	}

	b.listener = listener

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(runCtx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.accept(runCtx)
	}()

	b.log.Info().Msgf("registry listening on %s", listener.Addr().String())

	return nil
}

func (b *broker) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}

	if b.listener != nil {
		b.listener.Close()
	}

	b.wg.Wait()

	return nil
}

func (b *broker) accept(ctx context.Context) {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				b.log.Error().Err(err).Msg("accept failed")
				continue
			}
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handlePeer(ctx, connection.NewFromNetConn(conn))
		}()
	}
}

func (b *broker) handlePeer(ctx context.Context, conn connection.Connection) {
	defer conn.Close()

	first, err := conn.Receive()
	if err != nil {
		b.log.Warn().Err(err).Msg("peer disconnected before announcement")
		return
	}

	if first.Type != wire.TypeParticipantAnnouncement {
		b.log.Warn().Msgf("expected ParticipantAnnouncement, got %s", first.Type)
		return
	}

	announcement, _ := first.Payload.(model.ParticipantAnnouncement)

	p := &peer{
		name:     announcement.ParticipantName,
		conn:     conn,
		send:     make(chan wire.Envelope, 256),
		services: descriptorSet(announcement.Services),

		announcement: first,
	}

	select {
	case b.register <- p:
	case <-ctx.Done():
		return
	}

	defer func() {
		select {
		case b.unregister <- p:
		case <-ctx.Done():
		}
	}()

	// Relay this peer's own announcement to everyone else (including
	// replaying it to other peers that joined earlier).
	select {
	case b.relay <- relayedEnvelope{from: p, env: first}:
	case <-ctx.Done():
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for env := range p.send {
			if err := conn.Send(env); err != nil {
				return
			}
		}
	}()

	for {
		env, err := conn.Receive()
		if err != nil {
			return
		}

		b.trackServiceEvent(p, env)

		select {
		case b.relay <- relayedEnvelope{from: p, env: env}:
		case <-ctx.Done():
			return
		}
	}
}

func (b *broker) trackServiceEvent(p *peer, env wire.Envelope) {
	evt, ok := env.Payload.(model.ServiceDiscoveryEvent)
	if !ok {
		return
	}

	switch evt.Kind {
	case model.ServiceCreated:
		p.services[evt.Descriptor.Key()] = evt.Descriptor
	case model.ServiceRemoved:
		delete(p.services, evt.Descriptor.Key())
	}
}

func descriptorSet(descs []model.ServiceDescriptor) map[model.Key]model.ServiceDescriptor {
	set := make(map[model.Key]model.ServiceDescriptor, len(descs))
	for _, d := range descs {
		set[d.Key()] = d
	}
	return set
}

// run is the single goroutine owning the peer map, mirroring the teacher's
// hub.Run select loop over register/unregister/broadcast channels.
func (b *broker) run(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for _, p := range b.peers {
				close(p.send)
			}
			b.peers = nil
			b.mu.Unlock()
			return

		case p := <-b.register:
			b.mu.Lock()
			// Replay every earlier peer's announcement to the newcomer.
			for _, existing := range b.peers {
				select {
				case p.send <- existing.announcement:
				default:
				}
			}
			b.peers[p.name] = p
			b.mu.Unlock()
			b.log.Info().Msgf("participant '%s' connected", p.name)

		case p := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.peers[p.name]; ok {
				delete(b.peers, p.name)
				close(p.send)
			}
			services := p.services
			b.mu.Unlock()

			b.log.Info().Msgf("participant '%s' disconnected", p.name)
			b.synthesizeRemovals(p, services)

		case re := <-b.relay:
			b.fanOut(re)
		}
	}
}

func (b *broker) synthesizeRemovals(from *peer, services map[model.Key]model.ServiceDescriptor) {
	for _, desc := range services {
		env := wire.Envelope{
			Type:             wire.TypeServiceDiscoveryEvent,
			SenderDescriptor: desc,
			Payload:          model.ServiceDiscoveryEvent{Kind: model.ServiceRemoved, Descriptor: desc},
		}
		b.fanOut(relayedEnvelope{from: from, env: env})
	}
}

func (b *broker) fanOut(re relayedEnvelope) {
	b.notifySubscribers(re.env)

	b.mu.Lock()
	defer b.mu.Unlock()

	for name, p := range b.peers {
		if p == re.from {
			continue
		}

		if re.env.Target != "" && re.env.Target != name {
			continue
		}

		select {
		case p.send <- re.env:
		default:
			b.log.Warn().Msgf("dropping message to slow peer '%s'", name)
		}
	}
}

// Package dashboard exposes a read-only view of bus activity over a
// websocket (SPEC_FULL.md §3 domain stack: "cmd/registry serves a
// github.com/gorilla/websocket read-only dashboard feed"). It never
// accepts input from a client beyond the initial upgrade; it only pushes
// envelope summaries.
//
// Grounded on the teacher's internal/app/logs.hub (register/unregister/
// broadcast channels, a single goroutine owning the client map) —
// generalized from a log-tail broadcaster to a relay-envelope broadcaster,
// with gorilla/websocket standing in for the teacher's raw net.Conn
// client protocol.
package dashboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

// Event is the JSON projection of a relayed wire.Envelope sent to
// dashboard clients. Payload is omitted: the dashboard reports bus
// traffic shape (who, what type, which network), not frame contents.
type Event struct {
	Type            string `json:"type"`
	ParticipantName string `json:"participantName"`
	ServiceName     string `json:"serviceName"`
	NetworkName     string `json:"networkName"`
	Target          string `json:"target,omitempty"`
	ObservedAt      string `json:"observedAt"`
}

// Now is overridable in tests; defaults to time.Now since the package
// otherwise has no notion of simulation time.
var Now = time.Now

// Hub fans out Events to connected dashboard clients.
type Hub struct {
	upgrader websocket.Upgrader
	log      logger.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub creates a Hub. Origin checking is left to the caller's reverse
// proxy; CheckOrigin always allows since this is a read-only feed.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:     log.WithComponent("DASHBOARD"),
		clients: make(map[*client]struct{}),
	}
}

// Publish broadcasts env to every connected client. Safe to call from the
// registry.Broker's relay goroutine; never blocks on a slow client.
func (h *Hub) Publish(env wire.Envelope) {
	evt := Event{
		Type:            env.Type.String(),
		ParticipantName: env.SenderDescriptor.ParticipantName,
		ServiceName:     env.SenderDescriptor.ServiceName,
		NetworkName:     env.SenderDescriptor.NetworkName,
		Target:          env.Target,
		ObservedAt:      Now().Format(time.RFC3339Nano),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- evt:
		default:
			h.log.Warn().Msg("dropping dashboard event for slow client")
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams Events to it
// until the client disconnects or Run closes the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("dashboard upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Event, 64)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard anything the client sends; this unblocks the
	// read deadline machinery gorilla/websocket expects and detects
	// disconnects promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for evt := range c.send {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

// Run keeps the Hub alive until ctx is cancelled, at which point every
// connected client is closed.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
	}
}

// Package connection provides the typed send/receive abstraction the core
// sees (spec §1: "The core sees only a connection providing typed
// send/receive"). The concrete implementation here is the authoritative
// direct-TCP mesh (spec §9 Open Questions resolves the DDS-vs-TCP question
// in favor of TCP; the DDS-like variant is vestigial and not reproduced).
//
// Grounded on the teacher's internal/app/logs.client (net.Dial, buffered
// reader, newline-delimited JSON) and internal/app/logs.server
// (net.Listen/Accept, per-connection goroutine) — generalized from a
// one-way log tail to a bidirectional, typed envelope stream framed with
// encoding/gob instead of JSON lines.
package connection

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	ierrors "github.com/vectorbus/ibus/internal/ibus/errors"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

// Connection is the typed send/receive handle a Participant holds onto the
// federation. It is a single-use handle for one federation session (spec §9
// Open Questions: ColdSwap reconnection is not implemented; there is no
// Reconnect method here by design).
type Connection interface {
	// Send delivers env to the Registry for relay to the federation.
	Send(env wire.Envelope) error

	// Receive blocks until the next envelope arrives or the connection is
	// closed. It is called from a single dispatcher
	// goroutine per spec §5 ("a dispatcher thread ... delivers inbound
	// messages to controllers sequentially").
	Receive() (wire.Envelope, error)

	// Close closes the underlying transport. Safe to call more than once.
	Close() error

	// LocalID is a process-local unique identifier for this connection,
	// used to correlate Registry-side peer bookkeeping.
	LocalID() string
}

// tcpConnection is the direct-TCP implementation.
type tcpConnection struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder

	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	id string
}

// Dial connects to a Registry at addr and returns a ready-to-use Connection.
func Dial(addr string) (Connection, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ierrors.ErrRegistryUnreachable, err)
	}

	return newConnection(conn), nil
}

func newConnection(conn net.Conn) *tcpConnection {
	return &tcpConnection{
		conn: conn,
		enc:  gob.NewEncoder(conn),
		dec:  gob.NewDecoder(conn),
		id:   uuid.NewString(),
	}
}

func (c *tcpConnection) Send(env wire.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.enc.Encode(&env); err != nil {
		return fmt.Errorf("%w: %w", ierrors.ErrConnectionClosed, err)
	}

	return nil
}

func (c *tcpConnection) Receive() (wire.Envelope, error) {
	var env wire.Envelope
	if err := c.dec.Decode(&env); err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %w", ierrors.ErrConnectionClosed, err)
	}

	return env, nil
}

func (c *tcpConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

func (c *tcpConnection) LocalID() string { return c.id }

// NewFromNetConn wraps an already-accepted net.Conn (the Registry's accept
// loop hands these to per-peer relay goroutines) as a Connection.
func NewFromNetConn(conn net.Conn) Connection {
	return newConnection(conn)
}

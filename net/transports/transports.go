// Package transports provides the connection-oriented packet transports
// that carry the wire protocol: unix socket, TCP, gRPC bidirectional
// streams, and HTTP streaming POST. Client and server sides present
// symmetric contracts; every binding honours them identically.
package transports

import (
	"github.com/google/uuid"

	"github.com/SouthPatron/reasonchip/net/protocol"
)

// OnEventFunc receives inbound traffic on a client transport. packet is
// nil exactly once, as the terminal EOF event; no further events follow.
type OnEventFunc func(connectionID uuid.UUID, packet *protocol.Packet)

// ClientTransport is one outbound connection to a peer.
type ClientTransport interface {
	// Connect establishes the connection and starts the reader. Events
	// are delivered to onEvent until the terminal EOF.
	Connect(onEvent OnEventFunc) error

	// Send enqueues a packet. Returns false once disconnected.
	Send(packet *protocol.Packet) bool

	// Disconnect is idempotent. After it returns, the reader has stopped
	// and the terminal EOF event has been delivered.
	Disconnect()
}

// NewConnectionFunc is called for each accepted connection.
type NewConnectionFunc func(t ServerTransport, connectionID uuid.UUID)

// ReadFunc is called per inbound packet on a connection.
type ReadFunc func(connectionID uuid.UUID, packet *protocol.Packet)

// ClosedFunc is called exactly once when a connection ends.
type ClosedFunc func(connectionID uuid.UUID)

// ServerTransport accepts many connections and routes packets by
// connection id.
type ServerTransport interface {
	// Start binds and begins accepting. For each accepted connection the
	// transport synthesizes a connection id, calls onNew, delivers onRead
	// per packet, and finally onClosed exactly once.
	Start(onNew NewConnectionFunc, onRead ReadFunc, onClosed ClosedFunc) error

	// Send writes a packet to the identified connection. Returns false if
	// the connection is gone.
	Send(connectionID uuid.UUID, packet *protocol.Packet) bool

	// Close tears down one connection. Returns false if unknown.
	Close(connectionID uuid.UUID) bool

	// Stop shuts the listener and all connections down.
	Stop()
}

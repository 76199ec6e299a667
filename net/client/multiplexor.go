// Package client carries many concurrent logical requests over one
// transport connection to a broker. The Multiplexor routes inbound
// packets by cookie; a logical Client is a short-lived scope around one
// registered connection id.
package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
	"github.com/SouthPatron/reasonchip/net/transports"
)

// inbox is an unbounded packet queue. The transport reader must never
// block on a slow consumer, and a terminal RESULT must never be dropped.
type inbox struct {
	mu     sync.Mutex
	items  []*protocol.Packet
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (b *inbox) put(p *protocol.Packet) {
	b.mu.Lock()
	b.items = append(b.items, p)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// get pops the next packet, waiting up to timeout. A zero or negative
// timeout waits indefinitely. Returns nil on timeout.
func (b *inbox) get(timeout time.Duration) *protocol.Packet {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		expired = timer.C
		defer timer.Stop()
	}

	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			p := b.items[0]
			b.items = b.items[1:]
			b.mu.Unlock()
			return p
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-expired:
			return nil
		}
	}
}

// ConnectionInfo is the per-logical-connection state held by the
// Multiplexor: the cookies in flight and the inbox of routed packets.
type ConnectionInfo struct {
	ConnectionID uuid.UUID

	cookies []uuid.UUID
	inbox   *inbox
}

// Receive returns the next routed packet, or nil after timeout. A zero
// timeout waits indefinitely.
func (ci *ConnectionInfo) Receive(timeout time.Duration) *protocol.Packet {
	return ci.inbox.get(timeout)
}

// Multiplexor fans many logical connections through one transport and
// demultiplexes replies by cookie. Transport death is propagated to every
// pending logical client as a synthetic BROKER_WENT_AWAY result.
type Multiplexor struct {
	transport transports.ClientTransport
	log       *zap.SugaredLogger

	dead     chan struct{}
	deadOnce sync.Once

	mu          sync.Mutex
	connections map[uuid.UUID]*ConnectionInfo
	cookies     map[uuid.UUID]*ConnectionInfo
}

// NewMultiplexor wraps a client transport. The multiplexor owns the
// transport from here on.
func NewMultiplexor(transport transports.ClientTransport) *Multiplexor {
	return &Multiplexor{
		transport:   transport,
		log:         logger.Named("multiplexor"),
		dead:        make(chan struct{}),
		connections: map[uuid.UUID]*ConnectionInfo{},
		cookies:     map[uuid.UUID]*ConnectionInfo{},
	}
}

// Start connects the transport and begins routing.
func (m *Multiplexor) Start() error {
	if err := m.transport.Connect(m.incoming); err != nil {
		return errors.Wrap(err, "failed to connect to broker")
	}
	m.log.Debug("Multiplexor started")
	return nil
}

// Wait blocks until the multiplexor dies, or the timeout passes. A zero
// timeout waits indefinitely. Returns true if dead.
func (m *Multiplexor) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-m.dead
		return true
	}
	select {
	case <-m.dead:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop disconnects the transport and waits for the death process to
// complete. Idempotent.
func (m *Multiplexor) Stop() {
	m.transport.Disconnect()
	<-m.dead
	m.log.Debug("Multiplexor stopped")
}

// Register allocates the state for a new logical connection.
func (m *Multiplexor) Register(connectionID uuid.UUID) (*ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[connectionID]; exists {
		return nil, errors.Newf("connection already registered: %s", connectionID)
	}

	ci := &ConnectionInfo{
		ConnectionID: connectionID,
		inbox:        newInbox(),
	}
	m.connections[connectionID] = ci

	m.log.Debugw("Registered connection", "connection_id", connectionID)
	return ci, nil
}

// Release tears down a logical connection and forgets its outstanding
// cookies. Late packets for those cookies are dropped with a warning.
func (m *Multiplexor) Release(connectionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, exists := m.connections[connectionID]
	if !exists {
		return false
	}

	for _, cookie := range ci.cookies {
		delete(m.cookies, cookie)
	}
	delete(m.connections, connectionID)

	m.log.Debugw("Released connection", "connection_id", connectionID)
	return true
}

// Send transmits a packet for a logical connection. The packet must carry
// a cookie; a first sighting binds the cookie to the connection.
func (m *Multiplexor) Send(connectionID uuid.UUID, packet *protocol.Packet) bool {
	m.mu.Lock()

	ci := m.connections[connectionID]
	if ci == nil {
		m.mu.Unlock()
		m.log.Warnw("Connection not found", "connection_id", connectionID)
		return false
	}

	if packet.Cookie == uuid.Nil {
		m.mu.Unlock()
		m.log.Warnw("Refusing to send packet without cookie", "connection_id", connectionID)
		return false
	}

	if _, known := m.cookies[packet.Cookie]; !known {
		m.cookies[packet.Cookie] = ci
		ci.cookies = append(ci.cookies, packet.Cookie)
	}
	m.mu.Unlock()

	return m.transport.Send(packet)
}

// incoming is the transport event callback.
func (m *Multiplexor) incoming(_ uuid.UUID, packet *protocol.Packet) {
	// Transport is gone. Kill everything.
	if packet == nil {
		m.deathProcess()
		m.deadOnce.Do(func() { close(m.dead) })
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ci := m.cookies[packet.Cookie]
	if ci == nil {
		m.log.Warnw("Received packet with unknown cookie", "cookie", packet.Cookie)
		return
	}

	ci.inbox.put(packet)

	// A RESULT is the terminal packet for its cookie.
	if packet.PacketType == protocol.PacketResult {
		delete(m.cookies, packet.Cookie)
		for i, c := range ci.cookies {
			if c == packet.Cookie {
				ci.cookies = append(ci.cookies[:i], ci.cookies[i+1:]...)
				break
			}
		}
	}
}

// deathProcess synthesizes a terminal RESULT for every outstanding cookie
// so that every waiter observes exactly one terminal packet, then clears
// all routing state.
func (m *Multiplexor) deathProcess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ci := range m.connections {
		for _, cookie := range ci.cookies {
			result := protocol.NewResult(cookie, protocol.ResultBrokerWentAway)
			result.Error = "the connection to the broker went away"
			ci.inbox.put(result)
		}
		ci.cookies = nil
	}

	m.connections = map[uuid.UUID]*ConnectionInfo{}
	m.cookies = map[uuid.UUID]*ConnectionInfo{}

	m.log.Warn("Broker connection lost; all pending requests terminated")
}

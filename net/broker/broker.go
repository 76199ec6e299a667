// Package broker routes RUN/CANCEL/RESULT traffic between clients and
// workers. It listens on two sets of server transports (worker-facing
// and client-facing), admits runs against registered worker capacity,
// and owns the cookie routing tables.
package broker

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
	"github.com/SouthPatron/reasonchip/net/transports"
)

// Options configures a broker.
type Options struct {
	// WorkerTransports accept worker registrations.
	WorkerTransports []transports.ServerTransport
	// ClientTransports accept client requests.
	ClientTransports []transports.ServerTransport
	// MaxRunsPerMinute rate-limits RUN admission per client connection.
	// Zero disables the limit.
	MaxRunsPerMinute int
}

// workerState is one registered worker connection.
type workerState struct {
	connID    uuid.UUID
	transport transports.ServerTransport
	capacity  int
	inFlight  map[uuid.UUID]struct{}
}

func (w *workerState) available() int {
	return w.capacity - len(w.inFlight)
}

// clientState is one client connection.
type clientState struct {
	connID    uuid.UUID
	transport transports.ServerTransport
	limiter   *rate.Limiter
	cookies   map[uuid.UUID]struct{}
}

// Broker is the server-side multiplexor.
type Broker struct {
	opts Options
	log  *zap.SugaredLogger

	mu           sync.Mutex
	workers      map[uuid.UUID]*workerState
	clients      map[uuid.UUID]*clientState
	cookieOrigin map[uuid.UUID]uuid.UUID // cookie -> client conn
	cookieWorker map[uuid.UUID]uuid.UUID // cookie -> worker conn
	workerOrder  []uuid.UUID
	rrNext       int
}

// New creates a broker over the given transports.
func New(opts Options) (*Broker, error) {
	if len(opts.WorkerTransports) == 0 || len(opts.ClientTransports) == 0 {
		return nil, errors.New("broker needs at least one worker and one client transport")
	}

	return &Broker{
		opts:         opts,
		log:          logger.Named("broker"),
		workers:      map[uuid.UUID]*workerState{},
		clients:      map[uuid.UUID]*clientState{},
		cookieOrigin: map[uuid.UUID]uuid.UUID{},
		cookieWorker: map[uuid.UUID]uuid.UUID{},
	}, nil
}

// Start brings up every listener.
func (b *Broker) Start() error {
	for _, t := range b.opts.WorkerTransports {
		if err := t.Start(b.workerNew, b.workerRead, b.workerClosed); err != nil {
			b.Stop()
			return errors.Wrap(err, "failed to start worker transport")
		}
	}
	for _, t := range b.opts.ClientTransports {
		if err := t.Start(b.clientNew, b.clientRead, b.clientClosed); err != nil {
			b.Stop()
			return errors.Wrap(err, "failed to start client transport")
		}
	}

	b.log.Info("Broker started")
	return nil
}

// Stop tears down every listener. Connected peers observe EOF and run
// their own death processes.
func (b *Broker) Stop() {
	for _, t := range b.opts.WorkerTransports {
		t.Stop()
	}
	for _, t := range b.opts.ClientTransports {
		t.Stop()
	}
	b.log.Info("Broker stopped")
}

// =============================================================================
// Worker side
// =============================================================================

func (b *Broker) workerNew(t transports.ServerTransport, connID uuid.UUID) {
	b.log.Infow("Worker connected", "connection_id", connID)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Registration completes when the REGISTER packet arrives.
	b.workers[connID] = &workerState{
		connID:    connID,
		transport: t,
		inFlight:  map[uuid.UUID]struct{}{},
	}
	b.workerOrder = append(b.workerOrder, connID)
}

func (b *Broker) workerRead(connID uuid.UUID, packet *protocol.Packet) {
	switch packet.PacketType {
	case protocol.PacketRegister:
		b.handleRegister(connID, packet)
	case protocol.PacketResult:
		b.handleWorkerResult(connID, packet)
	default:
		b.log.Warnw("Dropping unexpected packet from worker",
			"connection_id", connID, "packet_type", packet.PacketType)
	}
}

func (b *Broker) handleRegister(connID uuid.UUID, packet *protocol.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.workers[connID]
	if w == nil {
		return
	}

	if packet.Capacity < 1 {
		b.log.Warnw("Worker registered invalid capacity; closing",
			"connection_id", connID, "capacity", packet.Capacity)
		w.transport.Close(connID)
		return
	}

	w.capacity = packet.Capacity
	b.log.Infow("Worker registered", "connection_id", connID, "capacity", w.capacity)
}

func (b *Broker) handleWorkerResult(connID uuid.UUID, packet *protocol.Packet) {
	b.mu.Lock()

	clientConn, known := b.cookieOrigin[packet.Cookie]
	if !known {
		b.mu.Unlock()
		// Client went away, or a duplicate terminal. Dropped, never
		// fatal to the connection.
		b.log.Warnw("RESULT for unknown cookie dropped", "cookie", packet.Cookie)
		return
	}

	client := b.clients[clientConn]
	delete(b.cookieOrigin, packet.Cookie)
	delete(b.cookieWorker, packet.Cookie)
	if w := b.workers[connID]; w != nil {
		delete(w.inFlight, packet.Cookie)
	}
	if client != nil {
		delete(client.cookies, packet.Cookie)
	}
	b.mu.Unlock()

	if client != nil {
		if !client.transport.Send(clientConn, packet) {
			b.log.Warnw("Failed to forward RESULT to client",
				"cookie", packet.Cookie, "connection_id", clientConn)
		}
	}
}

func (b *Broker) workerClosed(connID uuid.UUID) {
	b.log.Infow("Worker disconnected", "connection_id", connID)

	b.mu.Lock()

	w := b.workers[connID]
	delete(b.workers, connID)
	for i, id := range b.workerOrder {
		if id == connID {
			b.workerOrder = append(b.workerOrder[:i], b.workerOrder[i+1:]...)
			break
		}
	}

	// Terminate every in-flight cookie tied to the dead worker.
	type victim struct {
		cookie     uuid.UUID
		clientConn uuid.UUID
		transport  transports.ServerTransport
	}
	var victims []victim

	if w != nil {
		for cookie := range w.inFlight {
			clientConn, known := b.cookieOrigin[cookie]
			if !known {
				continue
			}
			client := b.clients[clientConn]
			delete(b.cookieOrigin, cookie)
			delete(b.cookieWorker, cookie)
			if client != nil {
				delete(client.cookies, cookie)
				victims = append(victims, victim{
					cookie:     cookie,
					clientConn: clientConn,
					transport:  client.transport,
				})
			}
		}
	}
	b.mu.Unlock()

	for _, v := range victims {
		result := protocol.NewResult(v.cookie, protocol.ResultWorkerWentAway)
		result.Error = "the worker executing this run went away"
		if !v.transport.Send(v.clientConn, result) {
			b.log.Warnw("Failed to deliver WORKER_WENT_AWAY",
				"cookie", v.cookie, "connection_id", v.clientConn)
		}
	}
}

// =============================================================================
// Client side
// =============================================================================

func (b *Broker) clientNew(t transports.ServerTransport, connID uuid.UUID) {
	b.log.Debugw("Client connected", "connection_id", connID)

	var limiter *rate.Limiter
	if b.opts.MaxRunsPerMinute > 0 {
		limiter = rate.NewLimiter(
			rate.Limit(float64(b.opts.MaxRunsPerMinute)/60.0),
			b.opts.MaxRunsPerMinute,
		)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.clients[connID] = &clientState{
		connID:    connID,
		transport: t,
		limiter:   limiter,
		cookies:   map[uuid.UUID]struct{}{},
	}
}

func (b *Broker) clientRead(connID uuid.UUID, packet *protocol.Packet) {
	switch packet.PacketType {
	case protocol.PacketRun:
		b.handleRun(connID, packet)
	case protocol.PacketCancel:
		b.handleCancel(connID, packet)
	default:
		// Recovered at the admission point; the connection survives.
		b.refuse(connID, packet.Cookie, protocol.ResultUnsupportedPacketType)
	}
}

func (b *Broker) handleRun(connID uuid.UUID, packet *protocol.Packet) {
	if packet.Cookie == uuid.Nil || packet.Workflow == "" {
		b.refuse(connID, packet.Cookie, protocol.ResultBadPacket)
		return
	}

	b.mu.Lock()

	client := b.clients[connID]
	if client == nil {
		b.mu.Unlock()
		return
	}

	if _, exists := b.cookieOrigin[packet.Cookie]; exists {
		b.mu.Unlock()
		b.refuse(connID, packet.Cookie, protocol.ResultCookieCollision)
		return
	}

	if client.limiter != nil && !client.limiter.Allow() {
		b.mu.Unlock()
		b.log.Warnw("Client exceeded run rate limit", "connection_id", connID)
		b.refuse(connID, packet.Cookie, protocol.ResultNoCapacity)
		return
	}

	w := b.pickWorkerLocked()
	if w == nil {
		b.mu.Unlock()
		b.refuse(connID, packet.Cookie, protocol.ResultNoCapacity)
		return
	}

	w.inFlight[packet.Cookie] = struct{}{}
	client.cookies[packet.Cookie] = struct{}{}
	b.cookieOrigin[packet.Cookie] = connID
	b.cookieWorker[packet.Cookie] = w.connID
	workerConn := w.connID
	workerTransport := w.transport
	b.mu.Unlock()

	if !workerTransport.Send(workerConn, packet) {
		// The worker died between pick and send; its close handler will
		// synthesize WORKER_WENT_AWAY for this cookie.
		b.log.Warnw("Failed to forward RUN to worker",
			"cookie", packet.Cookie, "worker", workerConn)
	}
}

// pickWorkerLocked chooses the next registered worker with free capacity,
// round-robin. Caller holds the lock.
func (b *Broker) pickWorkerLocked() *workerState {
	n := len(b.workerOrder)
	for i := 0; i < n; i++ {
		idx := (b.rrNext + i) % n
		w := b.workers[b.workerOrder[idx]]
		if w != nil && w.capacity > 0 && w.available() > 0 {
			b.rrNext = (idx + 1) % n
			return w
		}
	}
	return nil
}

func (b *Broker) handleCancel(connID uuid.UUID, packet *protocol.Packet) {
	b.mu.Lock()
	workerConn, known := b.cookieWorker[packet.Cookie]
	w := b.workers[workerConn]
	b.mu.Unlock()

	if !known || w == nil {
		// Late or raced cancel; the worker answers CANCELs it knows
		// about, everything else is dropped.
		b.log.Warnw("CANCEL for unknown cookie dropped", "cookie", packet.Cookie)
		return
	}

	if !w.transport.Send(workerConn, packet) {
		b.log.Warnw("Failed to forward CANCEL to worker",
			"cookie", packet.Cookie, "worker", workerConn)
	}
}

func (b *Broker) clientClosed(connID uuid.UUID) {
	b.log.Debugw("Client disconnected", "connection_id", connID)

	b.mu.Lock()

	client := b.clients[connID]
	delete(b.clients, connID)

	// Cancel everything the client had in flight; the workers emit the
	// terminal results, which will be dropped as unroutable.
	type cancelTarget struct {
		cookie     uuid.UUID
		workerConn uuid.UUID
		transport  transports.ServerTransport
	}
	var targets []cancelTarget

	if client != nil {
		for cookie := range client.cookies {
			workerConn, known := b.cookieWorker[cookie]
			if known {
				if w := b.workers[workerConn]; w != nil {
					targets = append(targets, cancelTarget{
						cookie:     cookie,
						workerConn: workerConn,
						transport:  w.transport,
					})
					delete(w.inFlight, cookie)
				}
			}
			delete(b.cookieOrigin, cookie)
			delete(b.cookieWorker, cookie)
		}
	}
	b.mu.Unlock()

	for _, target := range targets {
		if !target.transport.Send(target.workerConn, protocol.NewCancel(target.cookie)) {
			b.log.Warnw("Failed to forward CANCEL after client disconnect",
				"cookie", target.cookie, "worker", target.workerConn)
		}
	}
}

// refuse answers an admission failure with a synthesized RESULT on the
// client's own connection.
func (b *Broker) refuse(connID uuid.UUID, cookie uuid.UUID, rc protocol.ResultCode) {
	b.mu.Lock()
	client := b.clients[connID]
	b.mu.Unlock()

	if client == nil {
		return
	}

	b.log.Debugw("Refusing packet", "connection_id", connID, "cookie", cookie, "rc", rc)

	result := protocol.NewResult(cookie, rc)
	if !client.transport.Send(connID, result) {
		b.log.Warnw("Failed to deliver refusal", "connection_id", connID, "rc", rc)
	}
}

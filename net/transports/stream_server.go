package transports

import (
	"crypto/tls"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// serverConn is one accepted framed-stream connection.
type serverConn struct {
	id       uuid.UUID
	conn     net.Conn
	outgoing chan *protocol.Packet
	dead     chan struct{}
	deadOnce sync.Once
}

func (sc *serverConn) kill() {
	sc.deadOnce.Do(func() {
		close(sc.dead)
		sc.conn.Close()
	})
}

// streamServer is the framed-stream server shared by the tcp and socket
// bindings.
type streamServer struct {
	network string
	addr    string
	tlsCfg  *tls.Config

	codec *protocol.FrameCodec
	log   *zap.SugaredLogger

	onNew    NewConnectionFunc
	onRead   ReadFunc
	onClosed ClosedFunc

	mu          sync.Mutex
	listener    net.Listener
	connections map[uuid.UUID]*serverConn
	stopping    bool
	wg          sync.WaitGroup
}

// NewTCPServer creates a server transport listening on a TCP host:port.
func NewTCPServer(hostPort string, tlsCfg *tls.Config) ServerTransport {
	return newStreamServer("tcp", hostPort, tlsCfg)
}

// NewSocketServer creates a server transport listening on a unix socket
// path. A stale socket file is removed before binding.
func NewSocketServer(path string, tlsCfg *tls.Config) ServerTransport {
	return newStreamServer("unix", path, tlsCfg)
}

func newStreamServer(network, addr string, tlsCfg *tls.Config) *streamServer {
	return &streamServer{
		network:     network,
		addr:        addr,
		tlsCfg:      tlsCfg,
		codec:       protocol.NewFrameCodec(),
		log:         logger.Named("transport." + network),
		connections: map[uuid.UUID]*serverConn{},
	}
}

func (s *streamServer) Start(onNew NewConnectionFunc, onRead ReadFunc, onClosed ClosedFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("transport already started")
	}

	if s.network == "unix" {
		// A previous unclean shutdown leaves the socket file behind.
		os.Remove(s.addr)
	}

	listener, err := net.Listen(s.network, s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s://%s", s.network, s.addr)
	}
	if s.tlsCfg != nil {
		listener = tls.NewListener(listener, s.tlsCfg)
	}

	s.listener = listener
	s.onNew = onNew
	s.onRead = onRead
	s.onClosed = onClosed

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Infow("Transport listening", "addr", s.addr)
	return nil
}

// BoundAddr reports the listener's actual address, useful when the
// configured port was 0.
func (s *streamServer) BoundAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *streamServer) Send(connectionID uuid.UUID, packet *protocol.Packet) bool {
	s.mu.Lock()
	sc := s.connections[connectionID]
	s.mu.Unlock()

	if sc == nil {
		return false
	}

	select {
	case sc.outgoing <- packet:
		return true
	case <-sc.dead:
		return false
	}
}

func (s *streamServer) Close(connectionID uuid.UUID) bool {
	s.mu.Lock()
	sc := s.connections[connectionID]
	s.mu.Unlock()

	if sc == nil {
		return false
	}
	sc.kill()
	return true
}

func (s *streamServer) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopping = true
	listener := s.listener
	conns := make([]*serverConn, 0, len(s.connections))
	for _, sc := range s.connections {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, sc := range conns {
		sc.kill()
	}
	s.wg.Wait()

	if s.network == "unix" {
		os.Remove(s.addr)
	}

	s.log.Infow("Transport stopped", "addr", s.addr)
}

func (s *streamServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if !stopping {
				s.log.Warnw("Accept failed", "addr", s.addr, "error", err)
			}
			return
		}

		sc := &serverConn{
			id:       uuid.New(),
			conn:     conn,
			outgoing: make(chan *protocol.Packet, 64),
			dead:     make(chan struct{}),
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.connections[sc.id] = sc
		s.mu.Unlock()

		s.onNew(s, sc.id)

		s.wg.Add(2)
		go s.readLoop(sc)
		go s.writeLoop(sc)
	}
}

func (s *streamServer) readLoop(sc *serverConn) {
	defer s.wg.Done()

	for {
		packet, err := s.codec.Read(sc.conn)
		if err != nil {
			s.log.Debugw("Connection read ended", "connection_id", sc.id, "error", err)
			s.dropConnection(sc)
			return
		}
		s.onRead(sc.id, packet)
	}
}

func (s *streamServer) writeLoop(sc *serverConn) {
	defer s.wg.Done()

	for {
		select {
		case <-sc.dead:
			return
		case packet := <-sc.outgoing:
			if err := s.codec.Write(sc.conn, packet); err != nil {
				s.log.Debugw("Connection write failed", "connection_id", sc.id, "error", err)
				sc.kill()
				return
			}
		}
	}
}

// dropConnection unregisters the connection and fires onClosed exactly
// once. The writer is stopped through the dead channel.
func (s *streamServer) dropConnection(sc *serverConn) {
	sc.kill()

	s.mu.Lock()
	_, known := s.connections[sc.id]
	delete(s.connections, sc.id)
	s.mu.Unlock()

	if known {
		s.onClosed(sc.id)
	}
}

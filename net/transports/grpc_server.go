package transports

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// grpcSession is one live bidi stream on the server side.
type grpcSession struct {
	id       uuid.UUID
	outgoing chan *protocol.Packet
	dead     chan struct{}
	deadOnce sync.Once
}

func (gs *grpcSession) kill() {
	gs.deadOnce.Do(func() {
		close(gs.dead)
	})
}

// grpcServer accepts bidi streams; each stream is one logical connection.
type grpcServer struct {
	addr   string
	tlsCfg *tls.Config
	log    *zap.SugaredLogger

	onNew    NewConnectionFunc
	onRead   ReadFunc
	onClosed ClosedFunc

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	sessions map[uuid.UUID]*grpcSession
	stopping bool
	wg       sync.WaitGroup
}

// NewGRPCServer creates a server transport listening for gRPC bidi
// streams. tlsCfg may be nil for a cleartext listener.
func NewGRPCServer(hostPort string, tlsCfg *tls.Config) ServerTransport {
	return &grpcServer{
		addr:     hostPort,
		tlsCfg:   tlsCfg,
		log:      logger.Named("transport.grpc"),
		sessions: map[uuid.UUID]*grpcSession{},
	}
}

func (s *grpcServer) Start(onNew NewConnectionFunc, onRead ReadFunc, onClosed ClosedFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("transport already started")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}

	s.onNew = onNew
	s.onRead = onRead
	s.onClosed = onClosed
	s.listener = listener
	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Stream",
			Handler:       s.handleStream,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			s.log.Debugw("gRPC server exited", "addr", s.addr, "error", err)
		}
	}()

	s.log.Infow("Transport listening", "addr", s.addr)
	return nil
}

// BoundAddr reports the listener's actual address, useful when the
// configured port was 0.
func (s *grpcServer) BoundAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *grpcServer) Send(connectionID uuid.UUID, packet *protocol.Packet) bool {
	s.mu.Lock()
	gs := s.sessions[connectionID]
	s.mu.Unlock()

	if gs == nil {
		return false
	}

	select {
	case gs.outgoing <- packet:
		return true
	case <-gs.dead:
		return false
	}
}

func (s *grpcServer) Close(connectionID uuid.UUID) bool {
	s.mu.Lock()
	gs := s.sessions[connectionID]
	s.mu.Unlock()

	if gs == nil {
		return false
	}
	gs.kill()
	return true
}

func (s *grpcServer) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopping = true
	server := s.server
	sessions := make([]*grpcSession, 0, len(s.sessions))
	for _, gs := range s.sessions {
		sessions = append(sessions, gs)
	}
	s.mu.Unlock()

	for _, gs := range sessions {
		gs.kill()
	}
	if server != nil {
		server.GracefulStop()
	}
	s.wg.Wait()

	s.log.Infow("Transport stopped", "addr", s.addr)
}

// handleStream services one bidi stream for its whole life.
func (s *grpcServer) handleStream(srv any, stream grpc.ServerStream) error {
	gs := &grpcSession{
		id:       uuid.New(),
		outgoing: make(chan *protocol.Packet, 64),
		dead:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return errors.New("server stopping")
	}
	s.sessions[gs.id] = gs
	s.mu.Unlock()

	s.onNew(s, gs.id)
	s.log.Debugw("Stream connected", "connection_id", gs.id)

	// Writer: single owner of the stream's send side.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-gs.dead:
				return
			case packet := <-gs.outgoing:
				if err := stream.SendMsg(packet); err != nil {
					gs.kill()
					return
				}
			}
		}
	}()

	// Reader: owns the recv side. Returning from the handler cancels the
	// stream context, which is how Close unblocks a pending recv.
	readDone := make(chan error, 1)
	go func() {
		for {
			var packet protocol.Packet
			if err := stream.RecvMsg(&packet); err != nil {
				readDone <- err
				return
			}
			s.onRead(gs.id, &packet)
		}
	}()

	var readErr error
	select {
	case readErr = <-readDone:
	case <-gs.dead:
	}

	gs.kill()
	<-writerDone

	s.mu.Lock()
	delete(s.sessions, gs.id)
	s.mu.Unlock()

	s.onClosed(gs.id)
	s.log.Debugw("Stream closed", "connection_id", gs.id, "error", readErr)
	return nil
}

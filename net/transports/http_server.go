package transports

import (
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// httpSession is one in-flight streaming POST.
type httpSession struct {
	id       uuid.UUID
	outgoing chan *protocol.Packet
	dead     chan struct{}
	deadOnce sync.Once
}

func (hs *httpSession) kill() {
	hs.deadOnce.Do(func() {
		close(hs.dead)
	})
}

// httpServer serves the packet stream over chunked HTTP responses. Each
// POST to the stream path is one logical connection: the body carries the
// initial packet, the response is one JSON packet per line, ending after
// the first RESULT.
type httpServer struct {
	addr   string
	tlsCfg *tls.Config
	log    *zap.SugaredLogger

	onNew    NewConnectionFunc
	onRead   ReadFunc
	onClosed ClosedFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	sessions map[uuid.UUID]*httpSession
	stopping bool
	wg       sync.WaitGroup
}

// NewHTTPServer creates a server transport for the HTTP binding. tlsCfg
// may be nil for plain http.
func NewHTTPServer(hostPort string, tlsCfg *tls.Config) ServerTransport {
	return &httpServer{
		addr:     hostPort,
		tlsCfg:   tlsCfg,
		log:      logger.Named("transport.http"),
		sessions: map[uuid.UUID]*httpSession{},
	}
}

func (s *httpServer) Start(onNew NewConnectionFunc, onRead ReadFunc, onClosed ClosedFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("transport already started")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	if s.tlsCfg != nil {
		listener = tls.NewListener(listener, s.tlsCfg)
	}

	s.onNew = onNew
	s.onRead = onRead
	s.onClosed = onClosed
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+StreamPath, s.handleStream)

	s.server = &http.Server{
		Handler: corsMiddleware(processTimeMiddleware(mux)),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Warnw("HTTP server exited", "addr", s.addr, "error", err)
		}
	}()

	s.log.Infow("Transport listening", "addr", s.addr)
	return nil
}

// BoundAddr reports the listener's actual address, useful when the
// configured port was 0.
func (s *httpServer) BoundAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *httpServer) Send(connectionID uuid.UUID, packet *protocol.Packet) bool {
	s.mu.Lock()
	hs := s.sessions[connectionID]
	s.mu.Unlock()

	if hs == nil {
		return false
	}

	select {
	case hs.outgoing <- packet:
		return true
	case <-hs.dead:
		return false
	}
}

func (s *httpServer) Close(connectionID uuid.UUID) bool {
	s.mu.Lock()
	hs := s.sessions[connectionID]
	s.mu.Unlock()

	if hs == nil {
		return false
	}
	hs.kill()
	return true
}

func (s *httpServer) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopping = true
	server := s.server
	sessions := make([]*httpSession, 0, len(s.sessions))
	for _, hs := range s.sessions {
		sessions = append(sessions, hs)
	}
	s.mu.Unlock()

	for _, hs := range sessions {
		hs.kill()
	}
	if server != nil {
		server.Close()
	}
	s.wg.Wait()

	s.log.Infow("Transport stopped", "addr", s.addr)
}

// handleStream services one logical connection for the life of the
// request.
func (s *httpServer) handleStream(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxFrameSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var initial protocol.Packet
	if err := json.Unmarshal(body, &initial); err != nil {
		http.Error(w, "malformed packet", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	hs := &httpSession{
		id:       uuid.New(),
		outgoing: make(chan *protocol.Packet, 64),
		dead:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sessions[hs.id] = hs
	s.mu.Unlock()

	s.onNew(s, hs.id)
	s.onRead(hs.id, &initial)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)

	// Stream until the first RESULT, the session dies, or the client
	// goes away.
loop:
	for {
		select {
		case <-hs.dead:
			break loop
		case <-r.Context().Done():
			break loop
		case packet := <-hs.outgoing:
			if err := enc.Encode(packet); err != nil {
				break loop
			}
			flusher.Flush()
			if packet.PacketType == protocol.PacketResult {
				break loop
			}
		}
	}

	hs.kill()

	s.mu.Lock()
	delete(s.sessions, hs.id)
	s.mu.Unlock()

	s.onClosed(hs.id)
}

// processTimeWriter stamps X-Process-Time (microseconds) just before the
// response headers are flushed.
type processTimeWriter struct {
	http.ResponseWriter
	start   time.Time
	stamped bool
}

func (pw *processTimeWriter) stamp() {
	if !pw.stamped {
		pw.stamped = true
		micros := time.Since(pw.start).Microseconds()
		pw.Header().Set("X-Process-Time", strconv.FormatInt(micros, 10))
	}
}

func (pw *processTimeWriter) WriteHeader(code int) {
	pw.stamp()
	pw.ResponseWriter.WriteHeader(code)
}

func (pw *processTimeWriter) Write(b []byte) (int, error) {
	pw.stamp()
	return pw.ResponseWriter.Write(b)
}

func (pw *processTimeWriter) Flush() {
	if f, ok := pw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// processTimeMiddleware measures the time spent before the response began
// and reports it in the X-Process-Time header.
func processTimeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&processTimeWriter{ResponseWriter: w, start: time.Now()}, r)
	})
}

// corsMiddleware allows any origin, method, and header. The HTTP binding
// carries no origin allow-list by default; authentication is pluggable
// and out of band.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

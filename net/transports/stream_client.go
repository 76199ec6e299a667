package transports

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// streamClient is the framed-stream client shared by the tcp and socket
// bindings. One reader goroutine delivers inbound packets; one writer
// goroutine owns the connection's write side.
type streamClient struct {
	network string
	addr    string
	tlsCfg  *tls.Config

	codec        *protocol.FrameCodec
	connectionID uuid.UUID
	log          *zap.SugaredLogger

	mu       sync.Mutex
	conn     net.Conn
	onEvent  OnEventFunc
	outgoing chan *protocol.Packet
	dead     chan struct{}
	deadOnce sync.Once
	eofOnce  sync.Once
	wg       sync.WaitGroup
}

// NewTCPClient creates a client transport over TCP. tlsCfg may be nil.
func NewTCPClient(hostPort string, tlsCfg *tls.Config) ClientTransport {
	return newStreamClient("tcp", hostPort, tlsCfg)
}

// NewSocketClient creates a client transport over a unix socket. tlsCfg
// may be nil.
func NewSocketClient(path string, tlsCfg *tls.Config) ClientTransport {
	return newStreamClient("unix", path, tlsCfg)
}

func newStreamClient(network, addr string, tlsCfg *tls.Config) *streamClient {
	return &streamClient{
		network:      network,
		addr:         addr,
		tlsCfg:       tlsCfg,
		codec:        protocol.NewFrameCodec(),
		connectionID: uuid.New(),
		log:          logger.Named("transport." + network),
		outgoing:     make(chan *protocol.Packet, 64),
		dead:         make(chan struct{}),
	}
}

func (c *streamClient) Connect(onEvent OnEventFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("transport already connected")
	}

	var (
		conn net.Conn
		err  error
	)
	if c.tlsCfg != nil {
		conn, err = tls.Dial(c.network, c.addr, c.tlsCfg)
	} else {
		conn, err = net.Dial(c.network, c.addr)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s://%s", c.network, c.addr)
	}

	c.conn = conn
	c.onEvent = onEvent

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	c.log.Debugw("Transport connected", "addr", c.addr)
	return nil
}

func (c *streamClient) Send(packet *protocol.Packet) bool {
	select {
	case <-c.dead:
		return false
	default:
	}

	select {
	case c.outgoing <- packet:
		return true
	case <-c.dead:
		return false
	}
}

func (c *streamClient) Disconnect() {
	c.shutdown()
	c.wg.Wait()
	// The reader may have exited without observing an error if the
	// connection never established; make the terminal event certain.
	c.deliverEOF()
}

// shutdown kills the connection and both loops. Safe to call repeatedly.
func (c *streamClient) shutdown() {
	c.deadOnce.Do(func() {
		close(c.dead)
	})

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *streamClient) deliverEOF() {
	c.eofOnce.Do(func() {
		if c.onEvent != nil {
			c.onEvent(c.connectionID, nil)
		}
	})
}

func (c *streamClient) readLoop() {
	defer c.wg.Done()

	for {
		packet, err := c.codec.Read(c.conn)
		if err != nil {
			c.log.Debugw("Transport read ended", "addr", c.addr, "error", err)
			c.shutdown()
			c.deliverEOF()
			return
		}
		c.onEvent(c.connectionID, packet)
	}
}

func (c *streamClient) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.dead:
			return
		case packet := <-c.outgoing:
			if err := c.codec.Write(c.conn, packet); err != nil {
				c.log.Debugw("Transport write failed", "addr", c.addr, "error", err)
				c.shutdown()
				return
			}
		}
	}
}

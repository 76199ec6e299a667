package transports

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// grpcClient carries the packet stream on one gRPC bidirectional stream.
// The stream is the logical connection.
type grpcClient struct {
	target string
	tlsCfg *tls.Config

	connectionID uuid.UUID
	log          *zap.SugaredLogger

	mu       sync.Mutex
	conn     *grpc.ClientConn
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	onEvent  OnEventFunc
	outgoing chan *protocol.Packet
	dead     chan struct{}
	deadOnce sync.Once
	eofOnce  sync.Once
	wg       sync.WaitGroup
}

var grpcStreamDesc = &grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
	ClientStreams: true,
}

// NewGRPCClient creates a client transport over a gRPC bidi stream.
// tlsCfg may be nil for an insecure channel.
func NewGRPCClient(target string, tlsCfg *tls.Config) ClientTransport {
	return &grpcClient{
		target:       target,
		tlsCfg:       tlsCfg,
		connectionID: uuid.New(),
		log:          logger.Named("transport.grpc"),
		outgoing:     make(chan *protocol.Packet, 64),
		dead:         make(chan struct{}),
	}
}

func (c *grpcClient) Connect(onEvent OnEventFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("transport already connected")
	}

	creds := insecure.NewCredentials()
	if c.tlsCfg != nil {
		creds = credentials.NewTLS(c.tlsCfg)
	}

	conn, err := grpc.NewClient(
		c.target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create grpc channel to %s", c.target)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(ctx, grpcStreamDesc, grpcStreamMethod)
	if err != nil {
		cancel()
		conn.Close()
		return errors.Wrapf(err, "failed to open grpc stream to %s", c.target)
	}

	c.conn = conn
	c.stream = stream
	c.cancel = cancel
	c.onEvent = onEvent

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	c.log.Debugw("Transport connected", "target", c.target)
	return nil
}

func (c *grpcClient) Send(packet *protocol.Packet) bool {
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

func (c *grpcClient) Disconnect() {
	c.shutdown()
	c.wg.Wait()
	c.deliverEOF()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *grpcClient) shutdown() {
	c.deadOnce.Do(func() {
		close(c.dead)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

func (c *grpcClient) deliverEOF() {
	c.eofOnce.Do(func() {
		if c.onEvent != nil {
			c.onEvent(c.connectionID, nil)
		}
	})
}

func (c *grpcClient) readLoop() {
	defer c.wg.Done()

	for {
		var packet protocol.Packet
		if err := c.stream.RecvMsg(&packet); err != nil {
			c.log.Debugw("Stream read ended", "target", c.target, "error", err)
			c.shutdown()
			c.deliverEOF()
			return
		}
		c.onEvent(c.connectionID, &packet)
	}
}

func (c *grpcClient) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.dead:
			return
		case packet := <-c.outgoing:
			if err := c.stream.SendMsg(packet); err != nil {
				c.log.Debugw("Stream write failed", "target", c.target, "error", err)
				c.shutdown()
				return
			}
		}
	}
}

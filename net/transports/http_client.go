package transports

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// StreamPath is the fixed endpoint for the HTTP binding.
const StreamPath = "/v1/stream/stream"

// httpWorkers is how many concurrent streaming POSTs one transport runs.
const httpWorkers = 4

// httpClient maps each sent packet onto a streaming POST: the request
// body is the packet, the response body is a line-delimited stream of
// packets that ends after the first RESULT for the originating cookie.
type httpClient struct {
	baseURL string

	connectionID uuid.UUID
	client       *http.Client
	log          *zap.SugaredLogger

	mu       sync.Mutex
	onEvent  OnEventFunc
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	outgoing chan *protocol.Packet
	dead     chan struct{}
	deadOnce sync.Once
	eofOnce  sync.Once
	wg       sync.WaitGroup
}

// NewHTTPClient creates a client transport using streaming POST requests.
// tlsCfg may be nil for plain http.
func NewHTTPClient(hostPort string, tlsCfg *tls.Config) ClientTransport {
	scheme := "http"
	transport := &http.Transport{}
	if tlsCfg != nil {
		scheme = "https"
		transport.TLSClientConfig = tlsCfg
	}

	return &httpClient{
		baseURL:      scheme + "://" + hostPort + StreamPath,
		connectionID: uuid.New(),
		client:       &http.Client{Transport: transport},
		log:          logger.Named("transport.http"),
		outgoing:     make(chan *protocol.Packet, 64),
		dead:         make(chan struct{}),
	}
}

func (c *httpClient) Connect(onEvent OnEventFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("transport already connected")
	}

	c.started = true
	c.onEvent = onEvent
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for i := 0; i < httpWorkers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	c.log.Debugw("Transport ready", "url", c.baseURL)
	return nil
}

func (c *httpClient) Send(packet *protocol.Packet) bool {
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

func (c *httpClient) Disconnect() {
	c.deadOnce.Do(func() {
		close(c.dead)
		if c.cancel != nil {
			c.cancel()
		}
	})
	c.wg.Wait()
	c.client.CloseIdleConnections()
	c.deliverEOF()
}

func (c *httpClient) deliverEOF() {
	c.eofOnce.Do(func() {
		if c.onEvent != nil {
			c.onEvent(c.connectionID, nil)
		}
	})
}

// worker takes outbound packets and runs one streaming POST per packet,
// delivering every response line upward.
func (c *httpClient) worker(id int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.dead:
			return
		case packet := <-c.outgoing:
			if err := c.stream(packet); err != nil {
				c.log.Warnw("HTTP stream request failed", "worker", id, "error", err)
			}
		}
	}
}

func (c *httpClient) stream(packet *protocol.Packet) error {
	body, err := json.Marshal(packet)
	if err != nil {
		return errors.Wrap(err, "failed to marshal packet")
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("unexpected HTTP status: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var pkt protocol.Packet
		if err := json.Unmarshal(line, &pkt); err != nil {
			c.log.Warnw("Failed to parse streamed packet", "error", err)
			continue
		}
		c.onEvent(c.connectionID, &pkt)
	}
	return scanner.Err()
}

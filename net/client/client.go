package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// Client is a short-lived scope around one logical connection on a
// Multiplexor. Open registers the connection; Close releases it.
type Client struct {
	multiplexor *Multiplexor
	cookie      uuid.UUID
	connection  *ConnectionInfo
}

// NewClient creates a client. A zero cookie gets a fresh UUIDv4.
func NewClient(m *Multiplexor, cookie uuid.UUID) *Client {
	if cookie == uuid.Nil {
		cookie = uuid.New()
	}
	return &Client{
		multiplexor: m,
		cookie:      cookie,
	}
}

// Open registers the logical connection with the multiplexor.
func (c *Client) Open() error {
	ci, err := c.multiplexor.Register(c.cookie)
	if err != nil {
		return err
	}
	c.connection = ci
	return nil
}

// Close releases the logical connection. Idempotent.
func (c *Client) Close() {
	if c.connection != nil {
		c.multiplexor.Release(c.cookie)
		c.connection = nil
	}
}

// Cookie returns the client's identifier.
func (c *Client) Cookie() uuid.UUID {
	return c.cookie
}

// Send stamps the client's cookie on the packet and transmits it.
func (c *Client) Send(packet *protocol.Packet) bool {
	if c.connection == nil {
		return false
	}
	packet.Cookie = c.cookie
	return c.multiplexor.Send(c.cookie, packet)
}

// Receive waits for the next packet routed to this client, returning nil
// after timeout. A zero timeout waits indefinitely. No in-flight work is
// cancelled by a timeout.
func (c *Client) Receive(timeout time.Duration) *protocol.Packet {
	if c.connection == nil {
		return nil
	}
	return c.connection.Receive(timeout)
}

// ErrConnectionLost reports that the broker connection died while a
// request was pending.
var ErrConnectionLost = errors.New("lost connection to broker")

package bus

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// ProducerOptions configures the AMQP producer.
type ProducerOptions struct {
	URL        string
	Exchange   string // empty publishes to the default exchange
	RoutingKey string // queue name when Exchange is empty
}

// Producer publishes packets onto the bus. Used by dispatch to enqueue
// RUN packets for bus-attached workers.
type Producer struct {
	opts ProducerOptions
	log  *zap.SugaredLogger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewProducer creates a producer.
func NewProducer(opts ProducerOptions) *Producer {
	return &Producer{
		opts: opts,
		log:  logger.Named("bus.producer"),
	}
}

// Connect establishes the connection and channel.
func (p *Producer) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return errors.New("producer already connected")
	}

	conn, err := amqp.Dial(p.opts.URL)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", p.opts.URL)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open channel")
	}

	p.conn = conn
	p.channel = channel

	p.log.Infow("Producer connected", "exchange", p.opts.Exchange, "routing_key", p.opts.RoutingKey)
	return nil
}

// Publish sends one packet as a persistent JSON message.
func (p *Producer) Publish(ctx context.Context, packet *protocol.Packet) error {
	p.mu.Lock()
	channel := p.channel
	p.mu.Unlock()

	if channel == nil {
		return errors.New("producer is not connected")
	}

	body, err := json.Marshal(packet)
	if err != nil {
		return errors.Wrap(err, "failed to marshal packet")
	}

	err = channel.PublishWithContext(
		ctx,
		p.opts.Exchange,
		p.opts.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return errors.Wrap(err, "failed to publish packet")
	}

	p.log.Debugw("Published packet", "packet_type", packet.PacketType, "cookie", packet.Cookie)
	return nil
}

// Close tears the connection down. Idempotent.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.channel = nil
	}
}

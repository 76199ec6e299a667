package bus

import (
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// ConsumeVerdict tells the consumer what to do with a delivery.
type ConsumeVerdict int

const (
	// Ack acknowledges the message.
	Ack ConsumeVerdict = iota
	// NackRequeue returns the message to the queue.
	NackRequeue
	// NackDrop discards the message.
	NackDrop
)

// ConsumeFunc handles one decoded packet off the bus.
type ConsumeFunc func(packet *protocol.Packet) ConsumeVerdict

// ConsumerOptions configures the AMQP consumer.
type ConsumerOptions struct {
	URL        string
	Queue      string
	Exchange   string // optional; declared and bound when set
	RoutingKey string // optional; used with Exchange
	Prefetch   int    // channel QoS; 0 leaves the server default
}

// Consumer reads packets from an AMQP queue and hands them to a
// callback. Malformed message bodies are dropped with a warning.
type Consumer struct {
	opts     ConsumerOptions
	callback ConsumeFunc
	log      *zap.SugaredLogger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	done    chan struct{}
	started bool
}

// NewConsumer creates a consumer. The callback runs on the consumer's
// delivery goroutine; blocking in it applies backpressure via QoS.
func NewConsumer(opts ConsumerOptions, callback ConsumeFunc) *Consumer {
	return &Consumer{
		opts:     opts,
		callback: callback,
		log:      logger.Named("bus.consumer"),
		done:     make(chan struct{}),
	}
}

// Start connects, declares the queue (and optional exchange binding),
// and begins consuming.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("consumer already started")
	}

	conn, err := amqp.Dial(c.opts.URL)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", c.opts.URL)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open channel")
	}

	if c.opts.Prefetch > 0 {
		if err := channel.Qos(c.opts.Prefetch, 0, false); err != nil {
			conn.Close()
			return errors.Wrap(err, "failed to set QoS")
		}
	}

	queue, err := channel.QueueDeclare(
		c.opts.Queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		conn.Close()
		return errors.Wrapf(err, "failed to declare queue %s", c.opts.Queue)
	}

	if c.opts.Exchange != "" {
		if err := channel.ExchangeDeclare(
			c.opts.Exchange,
			"topic",
			true,  // durable
			false, // autoDelete
			false, // internal
			false, // noWait
			nil,
		); err != nil {
			conn.Close()
			return errors.Wrapf(err, "failed to declare exchange %s", c.opts.Exchange)
		}

		if err := channel.QueueBind(
			queue.Name,
			c.opts.RoutingKey,
			c.opts.Exchange,
			false,
			nil,
		); err != nil {
			conn.Close()
			return errors.Wrapf(err, "failed to bind queue %s to %s", queue.Name, c.opts.Exchange)
		}
	}

	deliveries, err := channel.Consume(
		queue.Name,
		"",    // consumer tag, server generated
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		conn.Close()
		return errors.Wrapf(err, "failed to consume from %s", queue.Name)
	}

	c.conn = conn
	c.channel = channel
	c.started = true

	go c.consumeLoop(deliveries)

	c.log.Infow("Consumer started", "queue", queue.Name, "exchange", c.opts.Exchange)
	return nil
}

// Wait blocks until the delivery loop exits (connection closed or Stop).
// A zero timeout waits indefinitely.
func (c *Consumer) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-c.done
		return true
	}
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop closes the connection; the delivery loop drains and exits.
func (c *Consumer) Stop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Consumer) consumeLoop(deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for delivery := range deliveries {
		var packet protocol.Packet
		if err := json.Unmarshal(delivery.Body, &packet); err != nil {
			c.log.Warnw("Dropping malformed bus message", "error", err)
			delivery.Nack(false, false)
			continue
		}

		switch c.callback(&packet) {
		case Ack:
			delivery.Ack(false)
		case NackRequeue:
			delivery.Nack(false, true)
		case NackDrop:
			delivery.Nack(false, false)
		}
	}

	c.log.Info("Consumer delivery stream closed")
}

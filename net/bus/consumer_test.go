package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SouthPatron/reasonchip/net/protocol"
)

// fakeAcknowledger records ack/nack decisions.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acks     []uint64
	nacks    []uint64
	requeued []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	f.requeued = append(f.requeued, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func delivery(t *testing.T, ack *fakeAcknowledger, tag uint64, packet *protocol.Packet) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(packet)
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Body:         body,
	}
}

func runConsumeLoop(c *Consumer, deliveries []amqp.Delivery) {
	ch := make(chan amqp.Delivery, len(deliveries))
	for _, d := range deliveries {
		ch <- d
	}
	close(ch)
	c.consumeLoop(ch)
}

func TestConsumerVerdicts(t *testing.T) {
	ack := &fakeAcknowledger{}

	var seen []protocol.PacketType
	c := NewConsumer(ConsumerOptions{}, func(p *protocol.Packet) ConsumeVerdict {
		seen = append(seen, p.PacketType)
		switch p.PacketType {
		case protocol.PacketRun:
			return Ack
		case protocol.PacketCancel:
			return NackRequeue
		default:
			return NackDrop
		}
	})

	runConsumeLoop(c, []amqp.Delivery{
		delivery(t, ack, 1, protocol.NewRun(uuid.New(), "pkg.hello", "")),
		delivery(t, ack, 2, protocol.NewCancel(uuid.New())),
		delivery(t, ack, 3, protocol.NewRegister(4)),
	})

	assert.Equal(t, []protocol.PacketType{
		protocol.PacketRun, protocol.PacketCancel, protocol.PacketRegister,
	}, seen)
	assert.Equal(t, []uint64{1}, ack.acks)
	assert.Equal(t, []uint64{2, 3}, ack.nacks)
	assert.Equal(t, []bool{true, false}, ack.requeued)

	assert.True(t, c.Wait(time.Second))
}

func TestConsumerDropsMalformedBodies(t *testing.T) {
	ack := &fakeAcknowledger{}

	called := 0
	c := NewConsumer(ConsumerOptions{}, func(p *protocol.Packet) ConsumeVerdict {
		called++
		return Ack
	})

	runConsumeLoop(c, []amqp.Delivery{
		{Acknowledger: ack, DeliveryTag: 1, Body: []byte("{garbage")},
	})

	assert.Zero(t, called)
	assert.Equal(t, []uint64{1}, ack.nacks)
	assert.Equal(t, []bool{false}, ack.requeued)
}

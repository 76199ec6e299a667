package bus

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/engine"
	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// ServerOptions configures a bus-attached worker.
type ServerOptions struct {
	URL        string
	Queue      string
	Exchange   string
	RoutingKey string
	Tasks      int
}

// Server wires an AMQP consumer to a TaskManager: RUN packets from the
// queue become engine invocations, CANCEL packets reach in-flight work,
// and a SHUTDOWN packet stops the worker.
type Server struct {
	manager  *TaskManager
	consumer *Consumer
	log      *zap.SugaredLogger
}

// NewServer builds a bus-attached worker over an engine.
func NewServer(eng *engine.Engine, opts ServerOptions) (*Server, error) {
	s := &Server{
		log: logger.Named("bus.server"),
	}

	manager, err := New(eng, opts.Tasks, s.onResult)
	if err != nil {
		return nil, err
	}
	s.manager = manager

	s.consumer = NewConsumer(ConsumerOptions{
		URL:        opts.URL,
		Queue:      opts.Queue,
		Exchange:   opts.Exchange,
		RoutingKey: opts.RoutingKey,
		Prefetch:   opts.Tasks,
	}, s.handle)

	return s, nil
}

// Start launches the task manager and the consumer.
func (s *Server) Start() error {
	if err := s.manager.Start(); err != nil {
		return err
	}
	if err := s.consumer.Start(); err != nil {
		s.manager.Stop(0)
		return errors.Wrap(err, "failed to start consumer")
	}
	return nil
}

// Wait blocks until the consumer's delivery stream ends. A zero timeout
// waits indefinitely.
func (s *Server) Wait(timeout time.Duration) bool {
	return s.consumer.Wait(timeout)
}

// Stop shuts the consumer down, then drains running tasks.
func (s *Server) Stop(timeout time.Duration) {
	s.consumer.Stop()
	s.consumer.Wait(timeout)
	s.manager.Stop(timeout)
}

// handle dispatches one packet off the bus.
func (s *Server) handle(packet *protocol.Packet) ConsumeVerdict {
	switch packet.PacketType {
	case protocol.PacketRun:
		if packet.Cookie == uuid.Nil || packet.Workflow == "" {
			s.log.Warnw("Dropping malformed RUN from bus", "cookie", packet.Cookie)
			return NackDrop
		}
		// Blocks for a capacity permit; QoS prefetch bounds how many
		// deliveries can pile up here.
		if !s.manager.Queue(packet.Cookie, packet.Workflow, packet.Variables, 0) {
			// Dying; let another worker have it.
			return NackRequeue
		}
		return Ack

	case protocol.PacketCancel:
		s.manager.Cancel(packet.Cookie)
		return Ack

	case protocol.PacketShutdown:
		s.log.Info("Shutdown packet received from bus")
		go s.consumer.Stop()
		return Ack

	default:
		s.log.Errorw("Unsupported packet type on bus", "packet_type", packet.PacketType)
		return NackDrop
	}
}

// onResult reports each terminal RESULT. The bus variant has no reply
// channel; outcomes land in the worker's log.
func (s *Server) onResult(result *protocol.Packet) {
	switch result.RC {
	case protocol.ResultOK:
		s.log.Infow("Workflow completed", "cookie", result.Cookie)
	case protocol.ResultCancelled:
		s.log.Infow("Workflow cancelled", "cookie", result.Cookie)
	default:
		s.log.Warnw("Workflow failed",
			"cookie", result.Cookie, "rc", result.RC, "error", result.Error)
	}
}

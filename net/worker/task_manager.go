// Package worker runs engine invocations on behalf of a broker. The
// TaskManager registers its capacity, accepts RUN/CANCEL/SHUTDOWN
// packets, runs workflows with bounded concurrency, and reports every
// outcome as a RESULT packet.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/engine"
	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
	"github.com/SouthPatron/reasonchip/net/transports"
)

// taskMemoryBudget is the rough per-task memory allowance used by the
// start-time capacity sanity check.
const taskMemoryBudget = 64 << 20

// TaskInfo is the per-run state tracked by the task manager.
type TaskInfo struct {
	Cookie   uuid.UUID
	Workflow string
	cancel   context.CancelFunc
}

// TaskManager manages concurrent engine invocations over a transport
// connection to a broker.
type TaskManager struct {
	engine    *engine.Engine
	transport transports.ClientTransport
	capacity  int
	log       *zap.SugaredLogger

	incoming chan *protocol.Packet

	dying     chan struct{}
	dyingOnce sync.Once
	done      chan struct{}

	// tasks is touched only by the multiplexing loop.
	tasks       map[uuid.UUID]*TaskInfo
	completions chan uuid.UUID

	started bool
}

// New creates a TaskManager. capacity must be at least 1.
func New(eng *engine.Engine, transport transports.ClientTransport, capacity int) (*TaskManager, error) {
	if capacity < 1 {
		return nil, errors.Newf("capacity must be at least 1, got %d", capacity)
	}

	return &TaskManager{
		engine:      eng,
		transport:   transport,
		capacity:    capacity,
		log:         logger.Named("worker"),
		incoming:    make(chan *protocol.Packet, 64),
		dying:       make(chan struct{}),
		done:        make(chan struct{}),
		tasks:       map[uuid.UUID]*TaskInfo{},
		completions: make(chan uuid.UUID, 64),
	}, nil
}

// Start connects the transport, launches the multiplexing loop, and
// registers the worker's capacity with the broker. Registration failure
// is fatal.
func (tm *TaskManager) Start() error {
	if tm.started {
		return errors.New("task manager already started")
	}
	tm.started = true

	tm.checkMemoryPressure()

	tm.log.Infow("Starting task manager", "capacity", tm.capacity)

	if err := tm.transport.Connect(tm.incomingPacket); err != nil {
		return errors.Wrap(err, "failed to connect the transport")
	}

	go tm.multiplexing()

	if !tm.transport.Send(protocol.NewRegister(tm.capacity)) {
		tm.die()
		return errors.New("failed to send registration packet")
	}

	tm.log.Info("Task manager started")
	return nil
}

// Wait blocks until the multiplexing loop exits, or the timeout passes.
// A zero timeout waits indefinitely. Returns true when finished.
func (tm *TaskManager) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-tm.done
		return true
	}
	select {
	case <-tm.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop requests shutdown and waits for the drain to finish. Idempotent.
func (tm *TaskManager) Stop(timeout time.Duration) bool {
	tm.die()
	return tm.Wait(timeout)
}

func (tm *TaskManager) die() {
	tm.dyingOnce.Do(func() {
		close(tm.dying)
	})
}

// incomingPacket is the transport event callback. nil is transport EOF.
func (tm *TaskManager) incomingPacket(_ uuid.UUID, packet *protocol.Packet) {
	tm.incoming <- packet
}

// multiplexing is the single thread of control that owns the tasks map.
// It drains running tasks after dying fires, then disconnects.
func (tm *TaskManager) multiplexing() {
	defer close(tm.done)

	accepting := true

	for {
		if !accepting && len(tm.tasks) == 0 {
			break
		}

		if accepting {
			select {
			case <-tm.dying:
				tm.log.Debug("Task manager dying; draining running tasks")
				accepting = false

			case packet := <-tm.incoming:
				if !tm.processPacket(packet) {
					tm.die()
					accepting = false
				}

			case cookie := <-tm.completions:
				delete(tm.tasks, cookie)
			}
			continue
		}

		// Drain phase: only completions matter.
		cookie := <-tm.completions
		delete(tm.tasks, cookie)
	}

	tm.transport.Disconnect()
	tm.log.Debug("Exiting multiplexing loop")
}

// processPacket dispatches one inbound packet. Returns false when the
// loop should stop accepting new work.
func (tm *TaskManager) processPacket(packet *protocol.Packet) bool {
	// The incoming connection is dead.
	if packet == nil {
		tm.log.Warn("Transport closed; time to die")
		return false
	}

	tm.log.Debugw("Processing packet", "packet_type", packet.PacketType, "cookie", packet.Cookie)

	switch packet.PacketType {
	case protocol.PacketRun:
		return tm.handleRun(packet)
	case protocol.PacketCancel:
		return tm.handleCancel(packet)
	case protocol.PacketShutdown:
		tm.log.Info("Shutdown request received from broker")
		return false
	default:
		tm.log.Errorw("Unsupported packet type; should never have been routed here",
			"packet_type", packet.PacketType)
		return true
	}
}

func (tm *TaskManager) handleRun(packet *protocol.Packet) bool {
	if packet.Cookie == uuid.Nil || packet.Workflow == "" {
		tm.log.Errorw("Malformed RUN packet; should have been checked upstream",
			"cookie", packet.Cookie)
		tm.emitResult(protocol.NewResult(packet.Cookie, protocol.ResultBadPacket))
		return true
	}

	// The broker is expected to respect our declared capacity.
	if len(tm.tasks) >= tm.capacity {
		tm.log.Errorw("Capacity reached; we should never have been asked",
			"capacity", tm.capacity, "cookie", packet.Cookie)
		tm.emitResult(protocol.NewResult(packet.Cookie, protocol.ResultNoCapacity))
		return true
	}

	// A collision never touches the existing task.
	if _, exists := tm.tasks[packet.Cookie]; exists {
		tm.log.Errorw("Cookie collision; should never have been allowed",
			"cookie", packet.Cookie)
		tm.emitResult(protocol.NewResult(packet.Cookie, protocol.ResultCookieCollision))
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	info := &TaskInfo{
		Cookie:   packet.Cookie,
		Workflow: packet.Workflow,
		cancel:   cancel,
	}
	tm.tasks[packet.Cookie] = info

	go tm.runEngine(ctx, info, packet.Variables)
	return true
}

func (tm *TaskManager) handleCancel(packet *protocol.Packet) bool {
	if packet.Cookie == uuid.Nil {
		tm.log.Errorw("CANCEL without cookie; should have been checked upstream")
		return true
	}

	info, exists := tm.tasks[packet.Cookie]
	if !exists {
		// Late or raced cancel.
		tm.log.Warnw("Cookie not found trying to cancel; could be a race",
			"cookie", packet.Cookie)
		return true
	}

	tm.log.Infow("Cancelling task", "cookie", packet.Cookie)
	info.cancel()
	return true
}

// runEngine executes one workflow and emits its terminal RESULT. It runs
// on its own goroutine; completion is reported back to the loop.
func (tm *TaskManager) runEngine(ctx context.Context, info *TaskInfo, variables string) {
	defer func() {
		info.cancel()
		tm.completions <- info.Cookie
	}()

	start := time.Now()
	tm.log.Infow("Running engine", "cookie", info.Cookie, "workflow", info.Workflow)

	result := tm.execute(ctx, info, variables)
	tm.emitResult(result)

	elapsed := time.Since(start)
	tm.log.Infow("Engine task completed",
		"cookie", info.Cookie,
		"workflow", info.Workflow,
		"elapsed_us", elapsed.Microseconds())
}

func (tm *TaskManager) execute(ctx context.Context, info *TaskInfo, variables string) *protocol.Packet {
	vars, err := engine.ParseJSON(variables)
	if err != nil {
		return protocol.NewExceptionResult(info.Cookie, err)
	}

	value, err := tm.engine.Run(ctx, info.Workflow, vars)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return protocol.NewResult(info.Cookie, protocol.ResultCancelled)
		}
		return protocol.NewExceptionResult(info.Cookie, err)
	}

	data, err := protocol.EncodeValue(value)
	if err != nil {
		return protocol.NewExceptionResult(info.Cookie, err)
	}

	result := protocol.NewResult(info.Cookie, protocol.ResultOK)
	result.Result = data
	return result
}

// emitResult sends a RESULT packet. Emission failures are logged but not
// fatal; transport death is handled by the multiplexing loop.
func (tm *TaskManager) emitResult(packet *protocol.Packet) {
	if !tm.transport.Send(packet) {
		tm.log.Warnw("Failed to emit result; transport is gone",
			"cookie", packet.Cookie, "rc", packet.RC)
	}
}

// checkMemoryPressure warns when the configured capacity looks too high
// for the machine's available memory.
func (tm *TaskManager) checkMemoryPressure() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}

	budget := uint64(tm.capacity) * taskMemoryBudget
	if budget > vm.Available {
		tm.log.Warnw("Configured capacity may exceed available memory",
			"capacity", tm.capacity,
			"available_mb", vm.Available>>20)
	}
}

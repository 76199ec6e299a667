// Package bus runs engine invocations fed from a message bus. The
// TaskManager here is the queue-fronted sibling of the broker-attached
// one in net/worker: producers acquire capacity through Queue, results
// are handed to a local callback instead of a transport.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/engine"
	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// ResultFunc receives the terminal RESULT packet of each queued work
// item.
type ResultFunc func(result *protocol.Packet)

// workItem is one accepted unit of work.
type workItem struct {
	cookie    uuid.UUID
	workflow  string
	variables string
}

// taskInfo is the in-flight state for a running work item.
type taskInfo struct {
	cookie uuid.UUID
	cancel context.CancelFunc
}

// TaskManager schedules engine invocations with bounded capacity. Work
// enters through Queue; the semaphore gates producers so the steady-state
// queue depth never exceeds the capacity.
type TaskManager struct {
	engine   *engine.Engine
	capacity int
	onResult ResultFunc
	log      *zap.SugaredLogger

	sem      chan struct{}
	incoming chan workItem
	cancels  chan uuid.UUID

	dying     chan struct{}
	dyingOnce sync.Once
	done      chan struct{}

	// tasks is touched only by the multiplexing loop.
	tasks       map[uuid.UUID]*taskInfo
	completions chan uuid.UUID

	started bool
}

// New creates a TaskManager. capacity must be at least 1. onResult
// receives every terminal RESULT.
func New(eng *engine.Engine, capacity int, onResult ResultFunc) (*TaskManager, error) {
	if capacity < 1 {
		return nil, errors.Newf("capacity must be at least 1, got %d", capacity)
	}

	return &TaskManager{
		engine:      eng,
		capacity:    capacity,
		onResult:    onResult,
		log:         logger.Named("bus.worker"),
		sem:         make(chan struct{}, capacity),
		incoming:    make(chan workItem, capacity),
		cancels:     make(chan uuid.UUID, 16),
		dying:       make(chan struct{}),
		done:        make(chan struct{}),
		tasks:       map[uuid.UUID]*taskInfo{},
		completions: make(chan uuid.UUID, capacity),
	}, nil
}

// Start launches the multiplexing loop and releases the capacity
// permits.
func (tm *TaskManager) Start() error {
	if tm.started {
		return errors.New("task manager already started")
	}
	tm.started = true

	// Release all permits up front.
	for i := 0; i < tm.capacity; i++ {
		tm.sem <- struct{}{}
	}

	go tm.multiplexing()

	tm.log.Infow("Task manager started", "capacity", tm.capacity)
	return nil
}

// Queue waits for a capacity permit and enqueues a work item. Returns
// false on timeout or when the manager is dying, without consuming
// capacity. A zero timeout waits indefinitely.
func (tm *TaskManager) Queue(cookie uuid.UUID, workflow string, variables string, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-tm.dying:
		return false
	case <-expired:
		return false
	case <-tm.sem:
	}

	// Permit in hand. If we started dying in the meantime, give it back.
	select {
	case <-tm.dying:
		tm.sem <- struct{}{}
		return false
	default:
	}

	tm.incoming <- workItem{cookie: cookie, workflow: workflow, variables: variables}
	return true
}

// Cancel requests cooperative cancellation of an in-flight work item.
// Unknown cookies are ignored.
func (tm *TaskManager) Cancel(cookie uuid.UUID) {
	select {
	case tm.cancels <- cookie:
	case <-tm.done:
	}
}

// Wait blocks until the loop exits, or the timeout passes. A zero
// timeout waits indefinitely.
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

// Stop requests shutdown, drains running tasks, and waits. Idempotent.
func (tm *TaskManager) Stop(timeout time.Duration) bool {
	tm.dyingOnce.Do(func() {
		close(tm.dying)
	})
	return tm.Wait(timeout)
}

func (tm *TaskManager) multiplexing() {
	defer close(tm.done)

	accepting := true

	for {
		if !accepting && len(tm.tasks) == 0 && len(tm.incoming) == 0 {
			break
		}

		if accepting {
			select {
			case <-tm.dying:
				tm.log.Debug("Task manager dying; draining running tasks")
				accepting = false

			case item := <-tm.incoming:
				tm.launch(item)

			case cookie := <-tm.cancels:
				tm.handleCancel(cookie)

			case cookie := <-tm.completions:
				tm.finish(cookie)
			}
			continue
		}

		// Drain: accepted work still runs to completion.
		select {
		case item := <-tm.incoming:
			tm.launch(item)
		case cookie := <-tm.cancels:
			tm.handleCancel(cookie)
		case cookie := <-tm.completions:
			tm.finish(cookie)
		}
	}

	tm.log.Debug("Exiting multiplexing loop")
}

func (tm *TaskManager) launch(item workItem) {
	if _, exists := tm.tasks[item.cookie]; exists {
		tm.log.Errorw("Cookie collision; refusing work item", "cookie", item.cookie)
		tm.emit(protocol.NewResult(item.cookie, protocol.ResultCookieCollision))
		tm.sem <- struct{}{}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	info := &taskInfo{cookie: item.cookie, cancel: cancel}
	tm.tasks[item.cookie] = info

	go tm.runEngine(ctx, info, item)
}

func (tm *TaskManager) finish(cookie uuid.UUID) {
	delete(tm.tasks, cookie)
	tm.sem <- struct{}{}
}

func (tm *TaskManager) handleCancel(cookie uuid.UUID) {
	info, exists := tm.tasks[cookie]
	if !exists {
		tm.log.Warnw("Cookie not found trying to cancel; could be a race", "cookie", cookie)
		return
	}
	tm.log.Infow("Cancelling task", "cookie", cookie)
	info.cancel()
}

func (tm *TaskManager) runEngine(ctx context.Context, info *taskInfo, item workItem) {
	defer func() {
		info.cancel()
		tm.completions <- info.cookie
	}()

	start := time.Now()
	tm.log.Infow("Running engine", "cookie", item.cookie, "workflow", item.workflow)

	result := tm.execute(ctx, item)
	tm.emit(result)

	tm.log.Infow("Engine task completed",
		"cookie", item.cookie,
		"workflow", item.workflow,
		"elapsed_us", time.Since(start).Microseconds())
}

func (tm *TaskManager) execute(ctx context.Context, item workItem) *protocol.Packet {
	vars, err := engine.ParseJSON(item.variables)
	if err != nil {
		return protocol.NewExceptionResult(item.cookie, err)
	}

	value, err := tm.engine.Run(ctx, item.workflow, vars)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return protocol.NewResult(item.cookie, protocol.ResultCancelled)
		}
		return protocol.NewExceptionResult(item.cookie, err)
	}

	encoded, err := protocol.EncodeValue(value)
	if err != nil {
		return protocol.NewExceptionResult(item.cookie, err)
	}

	result := protocol.NewResult(item.cookie, protocol.ResultOK)
	result.Result = encoded
	return result
}

func (tm *TaskManager) emit(result *protocol.Packet) {
	if tm.onResult != nil {
		tm.onResult(result)
	}
}

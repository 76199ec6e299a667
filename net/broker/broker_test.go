package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SouthPatron/reasonchip/net/protocol"
	"github.com/SouthPatron/reasonchip/net/transports"
)

// =============================================================================
// Fake server transport
// =============================================================================

// fakeServer lets tests attach connections and observe what the broker
// sends to each.
type fakeServer struct {
	mu       sync.Mutex
	onNew    transports.NewConnectionFunc
	onRead   transports.ReadFunc
	onClosed transports.ClosedFunc
	outboxes map[uuid.UUID]chan *protocol.Packet
	closed   map[uuid.UUID]bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		outboxes: map[uuid.UUID]chan *protocol.Packet{},
		closed:   map[uuid.UUID]bool{},
	}
}

func (f *fakeServer) Start(onNew transports.NewConnectionFunc, onRead transports.ReadFunc, onClosed transports.ClosedFunc) error {
	f.onNew = onNew
	f.onRead = onRead
	f.onClosed = onClosed
	return nil
}

func (f *fakeServer) Send(connID uuid.UUID, p *protocol.Packet) bool {
	f.mu.Lock()
	outbox := f.outboxes[connID]
	dead := f.closed[connID]
	f.mu.Unlock()
	if outbox == nil || dead {
		return false
	}
	outbox <- p.Clone()
	return true
}

func (f *fakeServer) Close(connID uuid.UUID) bool {
	f.mu.Lock()
	f.closed[connID] = true
	f.mu.Unlock()
	return true
}

func (f *fakeServer) Stop() {}

// connect simulates a peer connecting; returns its id and outbox.
func (f *fakeServer) connect() (uuid.UUID, chan *protocol.Packet) {
	id := uuid.New()
	outbox := make(chan *protocol.Packet, 64)
	f.mu.Lock()
	f.outboxes[id] = outbox
	f.mu.Unlock()
	f.onNew(f, id)
	return id, outbox
}

func (f *fakeServer) read(connID uuid.UUID, p *protocol.Packet) {
	f.onRead(connID, p)
}

func (f *fakeServer) disconnect(connID uuid.UUID) {
	f.onClosed(connID)
}

func nextPacket(t *testing.T, ch chan *protocol.Packet) *protocol.Packet {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func assertNoPacket(t *testing.T, ch chan *protocol.Packet) {
	t.Helper()
	select {
	case p := <-ch:
		t.Fatalf("unexpected packet: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

// harness brings up a broker over fake transports.
type harness struct {
	broker     *Broker
	workerSide *fakeServer
	clientSide *fakeServer
}

func newHarness(t *testing.T, maxRunsPerMinute int) *harness {
	t.Helper()

	h := &harness{
		workerSide: newFakeServer(),
		clientSide: newFakeServer(),
	}

	b, err := New(Options{
		WorkerTransports: []transports.ServerTransport{h.workerSide},
		ClientTransports: []transports.ServerTransport{h.clientSide},
		MaxRunsPerMinute: maxRunsPerMinute,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	h.broker = b
	return h
}

// addWorker connects and registers a worker with the given capacity.
func (h *harness) addWorker(capacity int) (uuid.UUID, chan *protocol.Packet) {
	id, outbox := h.workerSide.connect()
	h.workerSide.read(id, protocol.NewRegister(capacity))
	return id, outbox
}

// =============================================================================
// Admission and routing
// =============================================================================

func TestRunForwardedToWorker(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	_, workerOut := h.addWorker(2)
	clientID, _ := h.clientSide.connect()

	cookie := uuid.New()
	h.clientSide.read(clientID, protocol.NewRun(cookie, "pkg.hello", `{"a":1}`))

	run := nextPacket(t, workerOut)
	assert.Equal(t, protocol.PacketRun, run.PacketType)
	assert.Equal(t, cookie, run.Cookie)
	assert.Equal(t, "pkg.hello", run.Workflow)
}

func TestResultRoutedBackToOriginator(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	workerID, workerOut := h.addWorker(1)
	clientID, clientOut := h.clientSide.connect()
	otherID, otherOut := h.clientSide.connect()
	_ = otherID

	cookie := uuid.New()
	h.clientSide.read(clientID, protocol.NewRun(cookie, "pkg.hello", ""))
	nextPacket(t, workerOut)

	result := protocol.NewResult(cookie, protocol.ResultOK)
	result.Result = `1`
	h.workerSide.read(workerID, result)

	got := nextPacket(t, clientOut)
	assert.Equal(t, cookie, got.Cookie)
	assert.Equal(t, protocol.ResultOK, got.RC)

	// Nobody else sees it.
	assertNoPacket(t, otherOut)

	// The worker's slot is free again.
	second := uuid.New()
	h.clientSide.read(clientID, protocol.NewRun(second, "pkg.hello", ""))
	run := nextPacket(t, workerOut)
	assert.Equal(t, second, run.Cookie)
}

func TestNoCapacityWithoutWorkers(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	clientID, clientOut := h.clientSide.connect()
	h.clientSide.read(clientID, protocol.NewRun(uuid.New(), "pkg.hello", ""))

	result := nextPacket(t, clientOut)
	assert.Equal(t, protocol.PacketResult, result.PacketType)
	assert.Equal(t, protocol.ResultNoCapacity, result.RC)
}

func TestNoCapacityWhenWorkersFull(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	_, workerOut := h.addWorker(1)
	clientID, clientOut := h.clientSide.connect()

	h.clientSide.read(clientID, protocol.NewRun(uuid.New(), "pkg.one", ""))
	nextPacket(t, workerOut)

	h.clientSide.read(clientID, protocol.NewRun(uuid.New(), "pkg.two", ""))
	result := nextPacket(t, clientOut)
	assert.Equal(t, protocol.ResultNoCapacity, result.RC)
	assertNoPacket(t, workerOut)
}

func TestBadPacketRefused(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	h.addWorker(1)
	clientID, clientOut := h.clientSide.connect()

	// RUN without a workflow.
	h.clientSide.read(clientID, protocol.NewRun(uuid.New(), "", ""))
	assert.Equal(t, protocol.ResultBadPacket, nextPacket(t, clientOut).RC)

	// RUN without a cookie.
	h.clientSide.read(clientID, protocol.NewRun(uuid.Nil, "pkg.hello", ""))
	assert.Equal(t, protocol.ResultBadPacket, nextPacket(t, clientOut).RC)
}

func TestUnsupportedPacketTypeRefused(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	clientID, clientOut := h.clientSide.connect()
	h.clientSide.read(clientID, protocol.NewRegister(4))

	assert.Equal(t, protocol.ResultUnsupportedPacketType, nextPacket(t, clientOut).RC)
}

func TestCookieCollisionRefused(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	_, workerOut := h.addWorker(4)
	clientID, clientOut := h.clientSide.connect()

	cookie := uuid.New()
	h.clientSide.read(clientID, protocol.NewRun(cookie, "pkg.hello", ""))
	nextPacket(t, workerOut)

	h.clientSide.read(clientID, protocol.NewRun(cookie, "pkg.hello", ""))
	result := nextPacket(t, clientOut)
	assert.Equal(t, protocol.ResultCookieCollision, result.RC)

	// The original run is untouched; only one RUN reached the worker.
	assertNoPacket(t, workerOut)
}

func TestRoundRobinAcrossWorkers(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	_, firstOut := h.addWorker(4)
	_, secondOut := h.addWorker(4)
	clientID, _ := h.clientSide.connect()

	h.clientSide.read(clientID, protocol.NewRun(uuid.New(), "pkg.a", ""))
	h.clientSide.read(clientID, protocol.NewRun(uuid.New(), "pkg.b", ""))

	// One run lands on each worker.
	nextPacket(t, firstOut)
	nextPacket(t, secondOut)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestCancelForwardedToHoldingWorker(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	_, workerOut := h.addWorker(2)
	clientID, _ := h.clientSide.connect()

	cookie := uuid.New()
	h.clientSide.read(clientID, protocol.NewRun(cookie, "pkg.hello", ""))
	nextPacket(t, workerOut)

	h.clientSide.read(clientID, protocol.NewCancel(cookie))
	cancel := nextPacket(t, workerOut)
	assert.Equal(t, protocol.PacketCancel, cancel.PacketType)
	assert.Equal(t, cookie, cancel.Cookie)
}

func TestLateCancelDroppedSilently(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	workerID, workerOut := h.addWorker(2)
	clientID, clientOut := h.clientSide.connect()

	cookie := uuid.New()
	h.clientSide.read(clientID, protocol.NewRun(cookie, "pkg.hello", ""))
	nextPacket(t, workerOut)

	// The run completes...
	h.workerSide.read(workerID, protocol.NewResult(cookie, protocol.ResultOK))
	got := nextPacket(t, clientOut)
	assert.Equal(t, protocol.ResultOK, got.RC)

	// ...and a late CANCEL races in. It is dropped: no duplicate
	// terminal for the cookie, and nothing reaches the worker.
	h.clientSide.read(clientID, protocol.NewCancel(cookie))
	assertNoPacket(t, clientOut)
	assertNoPacket(t, workerOut)
}

// =============================================================================
// Death propagation
// =============================================================================

func TestWorkerDeathSynthesizesResults(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	workerID, workerOut := h.addWorker(2)
	clientID, clientOut := h.clientSide.connect()

	c1, c2 := uuid.New(), uuid.New()
	h.clientSide.read(clientID, protocol.NewRun(c1, "pkg.a", ""))
	h.clientSide.read(clientID, protocol.NewRun(c2, "pkg.b", ""))
	nextPacket(t, workerOut)
	nextPacket(t, workerOut)

	h.workerSide.disconnect(workerID)

	seen := map[uuid.UUID]bool{}
	for i := 0; i < 2; i++ {
		result := nextPacket(t, clientOut)
		assert.Equal(t, protocol.ResultWorkerWentAway, result.RC)
		seen[result.Cookie] = true
	}
	assert.True(t, seen[c1])
	assert.True(t, seen[c2])

	// Exactly one terminal each.
	assertNoPacket(t, clientOut)
}

func TestClientDeathCancelsInFlight(t *testing.T) {
	h := newHarness(t, 0)
	defer h.broker.Stop()

	workerID, workerOut := h.addWorker(2)
	clientID, _ := h.clientSide.connect()
	_, otherOut := h.clientSide.connect()

	cookie := uuid.New()
	h.clientSide.read(clientID, protocol.NewRun(cookie, "pkg.a", ""))
	nextPacket(t, workerOut)

	h.clientSide.disconnect(clientID)

	// The worker is told to cancel.
	cancel := nextPacket(t, workerOut)
	assert.Equal(t, protocol.PacketCancel, cancel.PacketType)
	assert.Equal(t, cookie, cancel.Cookie)

	// The eventual RESULT has nowhere to go and reaches no other client.
	h.workerSide.read(workerID, protocol.NewResult(cookie, protocol.ResultCancelled))
	assertNoPacket(t, otherOut)
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestRunRateLimitPerClient(t *testing.T) {
	h := newHarness(t, 1)
	defer h.broker.Stop()

	_, workerOut := h.addWorker(8)
	clientID, clientOut := h.clientSide.connect()

	h.clientSide.read(clientID, protocol.NewRun(uuid.New(), "pkg.a", ""))
	nextPacket(t, workerOut)

	// The second immediate run exceeds the one-per-minute budget.
	h.clientSide.read(clientID, protocol.NewRun(uuid.New(), "pkg.b", ""))
	result := nextPacket(t, clientOut)
	assert.Equal(t, protocol.ResultNoCapacity, result.RC)
	assertNoPacket(t, workerOut)
}

func TestBrokerRequiresTransports(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

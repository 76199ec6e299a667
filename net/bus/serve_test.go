package bus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SouthPatron/reasonchip/net/protocol"
)

// newTestServer builds a Server whose consumer is never started, so the
// packet handler can be exercised directly.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	g := newGate()
	close(g.release) // every gate workflow completes immediately

	s, err := NewServer(gateEngine(t, g), ServerOptions{
		URL:   "amqp://localhost",
		Queue: "reasonchip-test",
		Tasks: 2,
	})
	require.NoError(t, err)
	require.NoError(t, s.manager.Start())
	t.Cleanup(func() { s.manager.Stop(5 * time.Second) })

	return s
}

func TestServerHandleRun(t *testing.T) {
	s := newTestServer(t)

	verdict := s.handle(protocol.NewRun(uuid.New(), "pkg.quick", ""))
	assert.Equal(t, Ack, verdict)
}

func TestServerHandleMalformedRun(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, NackDrop, s.handle(protocol.NewRun(uuid.Nil, "pkg.quick", "")))
	assert.Equal(t, NackDrop, s.handle(protocol.NewRun(uuid.New(), "", "")))
}

func TestServerHandleCancelAndUnsupported(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, Ack, s.handle(protocol.NewCancel(uuid.New())))
	assert.Equal(t, NackDrop, s.handle(protocol.NewRegister(4)))
}

func TestServerHandleRunWhileDying(t *testing.T) {
	s := newTestServer(t)
	s.manager.Stop(time.Second)

	verdict := s.handle(protocol.NewRun(uuid.New(), "pkg.quick", ""))
	assert.Equal(t, NackRequeue, verdict)
}

package client

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SouthPatron/reasonchip/net/protocol"
)

func TestApiRunWorkflowHappyPath(t *testing.T) {
	m, ft := startMultiplexor(t)
	defer m.Stop()

	api := NewApi(m)

	done := make(chan struct{})
	var result any
	var err error
	go func() {
		defer close(done)
		result, err = api.RunWorkflow("pkg.hello", map[string]any{"name": "world"}, uuid.Nil, 5*time.Second)
	}()

	// Wait for the RUN to go out, then answer it.
	var run *protocol.Packet
	require.Eventually(t, func() bool {
		sent := ft.sentPackets()
		if len(sent) == 0 {
			return false
		}
		run = sent[0]
		return true
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, protocol.PacketRun, run.PacketType)
	assert.Equal(t, "pkg.hello", run.Workflow)
	assert.JSONEq(t, `{"name":"world"}`, run.Variables)

	reply := protocol.NewResult(run.Cookie, protocol.ResultOK)
	reply.Result = `{"ok":true,"who":"world"}`
	ft.inject(reply)

	<-done
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true, "who": "world"}, result)
}

func TestApiRunWorkflowException(t *testing.T) {
	m, ft := startMultiplexor(t)
	defer m.Stop()

	api := NewApi(m)
	cookie := uuid.New()

	done := make(chan error, 1)
	go func() {
		_, err := api.RunWorkflow("pkg.fail", nil, cookie, 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(ft.sentPackets()) == 1
	}, time.Second, 5*time.Millisecond)

	reply := protocol.NewResult(cookie, protocol.ResultException)
	reply.Error = "boom"
	reply.Stacktrace = []string{"frame"}
	ft.inject(reply)

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestApiRunWorkflowBrokerDeath(t *testing.T) {
	m, ft := startMultiplexor(t)

	api := NewApi(m)

	done := make(chan error, 1)
	go func() {
		_, err := api.RunWorkflow("pkg.slow", nil, uuid.Nil, 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(ft.sentPackets()) == 1
	}, time.Second, 5*time.Millisecond)

	ft.Disconnect()

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_WENT_AWAY")
}

func TestApiRunWorkflowTimeout(t *testing.T) {
	m, _ := startMultiplexor(t)
	defer m.Stop()

	api := NewApi(m)
	_, err := api.RunWorkflow("pkg.slow", nil, uuid.Nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestApiCancelKeepsCookieRouting(t *testing.T) {
	m, ft := startMultiplexor(t)
	defer m.Stop()

	api := NewApi(m)

	// An in-flight run owns its cookie.
	c := NewClient(m, uuid.Nil)
	require.NoError(t, c.Open())
	defer c.Close()
	require.True(t, c.Send(protocol.NewRun(uuid.Nil, "pkg.slow", "")))

	require.NoError(t, api.Cancel(c.Cookie()))

	sent := ft.sentPackets()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.PacketCancel, sent[1].PacketType)
	assert.Equal(t, c.Cookie(), sent[1].Cookie)

	// The eventual RESULT still routes to the original client.
	ft.inject(protocol.NewResult(c.Cookie(), protocol.ResultCancelled))
	got := c.Receive(time.Second)
	require.NotNil(t, got)
	assert.Equal(t, protocol.ResultCancelled, got.RC)
}

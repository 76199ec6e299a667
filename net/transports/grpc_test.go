package transports

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SouthPatron/reasonchip/net/protocol"
)

func TestGRPCTransportRoundTrip(t *testing.T) {
	rs := newRecordingServer()
	server := NewGRPCServer("127.0.0.1:0", nil)
	require.NoError(t, server.Start(rs.onNew, rs.onRead, rs.onClosed))
	defer server.Stop()

	addr := server.(*grpcServer).BoundAddr()
	require.NotNil(t, addr)

	events := newClientEvents()
	client := NewGRPCClient(addr.String(), nil)
	require.NoError(t, client.Connect(events.onEvent))

	connID := waitID(t, rs.openedCh)

	cookie := uuid.New()
	require.True(t, client.Send(protocol.NewRun(cookie, "pkg.hello", "")))

	reply := events.next(t)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.PacketResult, reply.PacketType)
	assert.Equal(t, cookie, reply.Cookie)

	client.Disconnect()
	assert.Nil(t, events.next(t))
	assert.Equal(t, connID, waitID(t, rs.closedCh))
}

func TestGRPCServerClosesStream(t *testing.T) {
	rs := newRecordingServer()
	server := NewGRPCServer("127.0.0.1:0", nil)
	require.NoError(t, server.Start(rs.onNew, rs.onRead, rs.onClosed))
	defer server.Stop()

	addr := server.(*grpcServer).BoundAddr()

	events := newClientEvents()
	client := NewGRPCClient(addr.String(), nil)
	require.NoError(t, client.Connect(events.onEvent))
	defer client.Disconnect()

	connID := waitID(t, rs.openedCh)
	require.True(t, server.Close(connID))

	assert.Nil(t, events.next(t))
	assert.Equal(t, connID, waitID(t, rs.closedCh))
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}
	p := protocol.NewRun(uuid.New(), "pkg.a", `{"x":1}`)

	data, err := codec.Marshal(p)
	require.NoError(t, err)

	var back protocol.Packet
	require.NoError(t, codec.Unmarshal(data, &back))
	assert.Equal(t, *p, back)
	assert.Equal(t, "reasonchip-json", codec.Name())
}

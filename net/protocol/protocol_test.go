package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	codec := NewFrameCodec()
	cookie := uuid.New()

	packets := []*Packet{
		NewRegister(8),
		{PacketType: PacketShutdown},
		NewRun(cookie, "pkg.hello", `{"name":"world"}`),
		NewCancel(cookie),
		{
			PacketType: PacketResult,
			Cookie:     cookie,
			RC:         ResultException,
			Error:      "boom",
			Stacktrace: []string{"frame one", "frame two"},
			Result:     `null`,
		},
	}

	for _, p := range packets {
		t.Run(string(p.PacketType), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, codec.Write(&buf, p))

			decoded, err := codec.Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, p, decoded)
		})
	}
}

func TestFrameLengthPrefix(t *testing.T) {
	codec := NewFrameCodec()
	p := NewRun(uuid.New(), "pkg.a", "")

	frame, err := codec.Encode(p)
	require.NoError(t, err)

	body, err := json.Marshal(p)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(frame), 4)
	assert.Equal(t, uint32(len(body)), binary.BigEndian.Uint32(frame[:4]))
	assert.Equal(t, body, frame[4:])
}

func TestFrameOversizeIsFatal(t *testing.T) {
	codec := &FrameCodec{MaxSize: 16}

	_, err := codec.Encode(NewRun(uuid.New(), "pkg.a.very.long.workflow.name", ""))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// A peer announcing an oversize frame is rejected before the body is
	// read.
	var buf bytes.Buffer
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], 1<<30)
	buf.Write(head[:])
	buf.WriteString("junk")

	_, err = codec.Read(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameShortReads(t *testing.T) {
	codec := NewFrameCodec()

	// Empty stream: clean EOF.
	_, err := codec.Read(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	// Truncated header.
	_, err = codec.Read(bytes.NewReader([]byte{0, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Header promising more body than the stream holds.
	var buf bytes.Buffer
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], 10)
	buf.Write(head[:])
	buf.WriteString("short")

	_, err = codec.Read(&buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameMalformedJSONIsFatal(t *testing.T) {
	codec := NewFrameCodec()

	body := []byte("{not json")
	var buf bytes.Buffer
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	buf.Write(head[:])
	buf.Write(body)

	_, err := codec.Read(&buf)
	assert.Error(t, err)
}

func TestPacketWireFieldNames(t *testing.T) {
	cookie := uuid.New()
	p := &Packet{
		PacketType: PacketResult,
		Cookie:     cookie,
		RC:         ResultOK,
		Result:     `{"ok":true}`,
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "RESULT", raw["packet_type"])
	assert.Equal(t, cookie.String(), raw["cookie"])
	assert.Equal(t, "OK", raw["rc"])
	assert.Equal(t, `{"ok":true}`, raw["result"])

	// Optional carriers stay off the wire when unset.
	assert.NotContains(t, raw, "capacity")
	assert.NotContains(t, raw, "workflow")
	assert.NotContains(t, raw, "variables")
	assert.NotContains(t, raw, "error")
	assert.NotContains(t, raw, "stacktrace")
}

func TestPacketCookieOmittedWhenZero(t *testing.T) {
	data, err := json.Marshal(NewRegister(2))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "cookie")
	assert.Equal(t, float64(2), raw["capacity"])
}

func TestPacketClone(t *testing.T) {
	p := &Packet{
		PacketType: PacketResult,
		Cookie:     uuid.New(),
		Stacktrace: []string{"a", "b"},
	}

	cp := p.Clone()
	require.Equal(t, p, cp)

	cp.Stacktrace[0] = "mutated"
	assert.Equal(t, "a", p.Stacktrace[0])
}

func TestDefaultPortsAreDistinct(t *testing.T) {
	ports := []int{
		DefaultClientPortTCP,
		DefaultClientPortGRPC,
		DefaultClientPortHTTP,
		DefaultWorkerPortTCP,
		DefaultWorkerPortGRPC,
	}

	seen := map[int]bool{}
	for _, p := range ports {
		assert.False(t, seen[p], "duplicate default port %d", p)
		seen[p] = true
	}
}

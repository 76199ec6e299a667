package protocol

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/SouthPatron/reasonchip/errors"
)

// MaxFrameSize is the default ceiling on a single frame body. A peer
// announcing a larger frame is treated as a framing violation and the
// connection is torn down.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge reports a frame whose announced length exceeds the
// codec's limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameCodec reads and writes length-prefixed JSON packets on a byte
// stream. Each frame is a 4-byte big-endian length followed by that many
// bytes of UTF-8 JSON.
//
// Any decode failure is fatal to the stream: the caller must stop reading
// and surface a single EOF event upward.
type FrameCodec struct {
	MaxSize uint32
}

// NewFrameCodec returns a codec with the default size ceiling.
func NewFrameCodec() *FrameCodec {
	return &FrameCodec{MaxSize: MaxFrameSize}
}

// Encode renders the packet as one frame.
func (c *FrameCodec) Encode(p *Packet) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal packet")
	}

	limit := c.limit()
	if uint32(len(body)) > limit {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// Write encodes the packet and writes the frame to w.
func (c *FrameCodec) Write(w io.Writer, p *Packet) error {
	buf, err := c.Encode(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Read consumes one frame from r and decodes its packet. io.EOF at a
// frame boundary is returned as-is; a short read mid-frame is
// io.ErrUnexpectedEOF. Either way the stream is dead.
func (c *FrameCodec) Read(r io.Reader) (*Packet, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(head[:])
	if length > c.limit() {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var p Packet
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal packet")
	}
	return &p, nil
}

func (c *FrameCodec) limit() uint32 {
	if c.MaxSize == 0 {
		return MaxFrameSize
	}
	return c.MaxSize
}

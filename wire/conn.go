package wire

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"tardis.dev/errors"
)

// maxFrameSize bounds a single frame's on-wire length, guarding against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxFrameSize = 256 << 20 // 256 MiB

// Conn is one framed connection: a 4-byte big-endian length prefix around a
// (possibly compressed) encoded Message, mirroring the teacher's rpc/doc.go
// streaming-response framing generalized to a negotiated codec.
type Conn struct {
	rw    io.ReadWriteCloser
	codec Codec
	comp  blockCompressor

	writeMu sync.Mutex
	readMu  sync.Mutex
	nextID  int64
}

// NewConn builds a Conn over rw using the negotiated encoding and
// compression (already agreed during the handshake; this package does not
// itself negotiate).
func NewConn(rw io.ReadWriteCloser, enc Encoding, comp Compression) (*Conn, error) {
	const op = "wire.NewConn"
	codec, err := NewCodec(enc)
	if err != nil {
		return nil, errors.E(op, err)
	}
	var bc blockCompressor
	switch comp {
	case CompressionNone, "":
		bc = noneCompressor{}
	case CompressionZlib:
		bc = zlibBlockCompressor{}
	case CompressionZlibStream:
		bc = &dualZlibStream{send: newZlibStream(), recv: newZlibStream()}
	case CompressionSnappy:
		bc = snappyBlockCompressor{}
	default:
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unsupported compression %q", comp))
	}
	return &Conn{rw: rw, codec: codec, comp: bc}, nil
}

// dualZlibStream pairs an independent send-direction and recv-direction
// zlibStream, since a full-duplex connection's two directions are two
// unrelated compressed streams.
type dualZlibStream struct {
	send *zlibStream
	recv *zlibStream
}

func (d *dualZlibStream) Compress(p []byte) ([]byte, error)   { return d.send.Compress(p) }
func (d *dualZlibStream) Decompress(p []byte) ([]byte, error) { return d.recv.Decompress(p) }

// NextMsgID returns the next monotonic request id for this connection
// (spec §6's "msgid (monotonic int per connection)").
func (c *Conn) NextMsgID() int64 { return atomic.AddInt64(&c.nextID, 1) }

// Send encodes, compresses, and writes one framed message. If msg has no
// msgid and is not itself a response (no respid set), one is assigned.
func (c *Conn) Send(msg Message) error {
	const op = "wire.Conn.Send"
	if msg.MsgID() == 0 && msg.RespID() == 0 {
		msg[FieldMsgID] = c.NextMsgID()
	}
	encoded, err := c.codec.Marshal(msg)
	if err != nil {
		return errors.E(op, errors.Protocol, err)
	}
	payload, err := c.comp.Compress(encoded)
	if err != nil {
		return errors.E(op, errors.Protocol, err)
	}
	if len(payload) > maxFrameSize {
		return errors.E(op, errors.Protocol, errors.Str("frame exceeds maximum size"))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := c.rw.Write(length[:]); err != nil {
		return errors.E(op, errors.IO, err)
	}
	if _, err := c.rw.Write(payload); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Recv reads, decompresses, and decodes one framed message.
func (c *Conn) Recv() (Message, error) {
	const op = "wire.Conn.Recv"
	c.readMu.Lock()
	defer c.readMu.Unlock()
	var length [4]byte
	if _, err := io.ReadFull(c.rw, length[:]); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameSize {
		return nil, errors.E(op, errors.Protocol, errors.Str("frame exceeds maximum size"))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	encoded, err := c.comp.Decompress(payload)
	if err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	var msg Message
	if err := c.codec.Unmarshal(encoded, &msg); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.rw.Close() }

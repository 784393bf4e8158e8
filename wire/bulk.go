package wire

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"tardis.dev/errors"
)

// bulkChunkSize bounds one bulk-transfer chunk, keeping memory use bounded
// regardless of the total payload size.
const bulkChunkSize = 1 << 20 // 1 MiB

// SendBulk streams r as a sequence of length-prefixed chunks, each trailed
// by its CRC-32 checksum, ending with a zero-length terminator chunk (spec
// §6: "bulk payloads ... follow the header message as a framed byte stream
// with trailing length and checksum"). Bulk chunks are never compressed or
// codec-encoded; the content itself is already encrypted by the caller
// where the scheme calls for it.
func (c *Conn) SendBulk(r io.Reader) (written int64, err error) {
	const op = "wire.Conn.SendBulk"
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := make([]byte, bulkChunkSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := c.writeChunk(buf[:n]); err != nil {
				return written, errors.E(op, err)
			}
			written += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return written, errors.E(op, errors.IO, rerr)
		}
	}
	if err := c.writeChunk(nil); err != nil {
		return written, errors.E(op, err)
	}
	return written, nil
}

func (c *Conn) writeChunk(chunk []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(chunk)))
	if _, err := c.rw.Write(length[:]); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	if _, err := c.rw.Write(chunk); err != nil {
		return err
	}
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(chunk))
	_, err := c.rw.Write(sum[:])
	return err
}

// RecvBulk reads a bulk-transfer stream written by SendBulk and copies it
// into w, verifying each chunk's trailing CRC-32.
func (c *Conn) RecvBulk(w io.Writer) (n int64, err error) {
	const op = "wire.Conn.RecvBulk"
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		var length [4]byte
		if _, err := io.ReadFull(c.rw, length[:]); err != nil {
			return n, errors.E(op, errors.IO, err)
		}
		size := binary.BigEndian.Uint32(length[:])
		if size == 0 {
			return n, nil
		}
		if size > maxFrameSize {
			return n, errors.E(op, errors.Protocol, errors.Str("bulk chunk exceeds maximum size"))
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(c.rw, chunk); err != nil {
			return n, errors.E(op, errors.IO, err)
		}
		var sum [4]byte
		if _, err := io.ReadFull(c.rw, sum[:]); err != nil {
			return n, errors.E(op, errors.IO, err)
		}
		if binary.BigEndian.Uint32(sum[:]) != crc32.ChecksumIEEE(chunk) {
			return n, errors.E(op, errors.Integrity, errors.Str("bulk chunk checksum mismatch"))
		}
		written, werr := w.Write(chunk)
		n += int64(written)
		if werr != nil {
			return n, errors.E(op, errors.IO, werr)
		}
	}
}

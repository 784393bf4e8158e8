// Package rdiff implements the rolling-signature delta codec (C3): given a
// "basis" byte stream and a "target" byte stream, it produces a compact
// delta that can reconstruct target from basis, using the same two-level
// rolling-checksum-plus-strong-hash scheme as rsync/librsync. There is no
// Go implementation of librsync anywhere in the retrieval pack (the
// original implementation calls the Python librsync binding), so this is a
// ground-up implementation of the algorithm rather than a wrapper; see
// DESIGN.md for the simplifications taken (8-byte strong hash, no
// rsync-wire-format compatibility).
package rdiff

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"tardis.dev/errors"
)

// DefaultBlockSize is the window size signatures and deltas are computed
// over when the caller does not specify one.
const DefaultBlockSize = 4096

const (
	sigMagic   = "RDS1"
	deltaMagic = "RDD1"

	opCopy byte = 0x00
	opData byte = 0x01
	opEnd  byte = 0xff
)

const strongLen = 8

// blockEntry is one signature record: the weak rolling checksum, a
// truncated strong hash, and the block's actual length (the final block of
// a stream may be shorter than blockSize).
type blockEntry struct {
	weak   uint32
	strong [strongLen]byte
	length uint32
}

func strongHash(b []byte) [strongLen]byte {
	sum := sha256.Sum256(b)
	var out [strongLen]byte
	copy(out[:], sum[:strongLen])
	return out
}

// weakChecksum computes the initial rsync-style rolling checksum (a, b
// packed into one uint32) over data.
func weakChecksum(data []byte) uint32 {
	var a, b uint32
	n := uint32(len(data))
	for i, c := range data {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	return (a & 0xffff) | (b&0xffff)<<16
}

// rollChecksum advances a full-block rolling checksum by dropping the byte
// leaving the window and adding the byte entering it.
func rollChecksum(old uint32, blockSize int, removed, added byte) uint32 {
	a := old & 0xffff
	b := (old >> 16) & 0xffff
	a = (a - uint32(removed) + uint32(added)) & 0xffff
	b = (b - uint32(blockSize)*uint32(removed) + a) & 0xffff
	return a | b<<16
}

// Signature reads all of r in blockSize windows and returns a signature
// stream usable as the basisSig argument to Delta. blockSize <= 0 selects
// DefaultBlockSize.
func Signature(r io.Reader, blockSize int) (io.Reader, error) {
	const op = "rdiff.Signature"
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	var buf bytes.Buffer
	buf.WriteString(sigMagic)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(blockSize))
	buf.Write(hdr[:])

	block := make([]byte, blockSize)
	for {
		n, err := io.ReadFull(r, block)
		if n > 0 {
			weak := weakChecksum(block[:n])
			strong := strongHash(block[:n])
			var rec [4 + strongLen + 4]byte
			binary.BigEndian.PutUint32(rec[0:4], weak)
			copy(rec[4:4+strongLen], strong[:])
			binary.BigEndian.PutUint32(rec[4+strongLen:], uint32(n))
			buf.Write(rec[:])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
	}
	return bytes.NewReader(buf.Bytes()), nil
}

// parseSignature reads a signature stream back into its block size and
// block list, and returns a digest identifying the whole signature so a
// delta built from it can be self-identifying.
func parseSignature(r io.Reader) (blockSize int, blocks []blockEntry, digest [strongLen]byte, err error) {
	const op = "rdiff.parseSignature"
	raw, rerr := io.ReadAll(r)
	if rerr != nil {
		return 0, nil, digest, errors.E(op, errors.IO, rerr)
	}
	if len(raw) < 8 || string(raw[:4]) != sigMagic {
		return 0, nil, digest, errors.E(op, errors.Integrity, errors.Str("not a signature stream"))
	}
	blockSize = int(binary.BigEndian.Uint32(raw[4:8]))
	digest = strongHash(raw)
	rest := raw[8:]
	const recLen = 4 + strongLen + 4
	if len(rest)%recLen != 0 {
		return 0, nil, digest, errors.E(op, errors.Integrity, errors.Str("truncated signature stream"))
	}
	for i := 0; i+recLen <= len(rest); i += recLen {
		rec := rest[i : i+recLen]
		var e blockEntry
		e.weak = binary.BigEndian.Uint32(rec[0:4])
		copy(e.strong[:], rec[4:4+strongLen])
		e.length = binary.BigEndian.Uint32(rec[4+strongLen:])
		blocks = append(blocks, e)
	}
	return blockSize, blocks, digest, nil
}

package rdiff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"tardis.dev/errors"
)

// DeltaError reports that a delta's embedded basis digest does not match
// the signature of the basis it is being applied to (spec §4.3: "patch
// rejects a delta applied to the wrong basis").
type DeltaError struct {
	Reason string
}

func (e *DeltaError) Error() string { return "rdiff: delta error: " + e.Reason }

// Patch reconstructs target bytes by applying delta (as produced by Delta)
// to basis. basis must support random access (io.ReaderAt) because COPY
// operations reference basis blocks out of order. The codec does not
// stream: Delta reads its whole target into memory, and Patch builds the
// whole output in memory before returning a reader over it (see
// DESIGN.md). basisSig, the same signature passed to Delta,
// is required so Patch can verify the delta was built against this exact
// basis before touching it.
func Patch(basis io.ReaderAt, basisSig io.Reader, delta io.Reader) (io.Reader, error) {
	const op = "rdiff.Patch"
	_, _, sigDigest, err := parseSignature(basisSig)
	if err != nil {
		return nil, errors.E(op, err)
	}

	br := bufio.NewReader(delta)
	magic := make([]byte, 4)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if string(magic) != deltaMagic {
		return nil, errors.E(op, errors.Integrity, &DeltaError{"not a delta stream"})
	}
	var wantDigest [strongLen]byte
	if _, err := io.ReadFull(br, wantDigest[:]); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if wantDigest != sigDigest {
		return nil, errors.E(op, errors.Integrity, &DeltaError{"delta was built against a different basis"})
	}
	var blockSizeBuf [4]byte
	if _, err := io.ReadFull(br, blockSizeBuf[:]); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	blockSize := int64(binary.BigEndian.Uint32(blockSizeBuf[:]))

	var out bytes.Buffer
	for {
		op, err := br.ReadByte()
		if err != nil {
			return nil, errors.E("rdiff.Patch", errors.Integrity, &DeltaError{"delta stream ended without terminator"})
		}
		switch op {
		case opEnd:
			return bytes.NewReader(out.Bytes()), nil
		case opData:
			var lenBuf [4]byte
			if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
				return nil, errors.E("rdiff.Patch", errors.IO, err)
			}
			n := binary.BigEndian.Uint32(lenBuf[:])
			buf := make([]byte, n)
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, errors.E("rdiff.Patch", errors.IO, err)
			}
			out.Write(buf)
		case opCopy:
			var rec [8]byte
			if _, err := io.ReadFull(br, rec[:]); err != nil {
				return nil, errors.E("rdiff.Patch", errors.IO, err)
			}
			blockIndex := binary.BigEndian.Uint32(rec[0:4])
			length := binary.BigEndian.Uint32(rec[4:8])
			buf := make([]byte, length)
			offset := int64(blockIndex) * blockSize
			if _, err := basis.ReadAt(buf, offset); err != nil && err != io.EOF {
				return nil, errors.E("rdiff.Patch", errors.IO, err)
			}
			out.Write(buf)
		default:
			return nil, errors.E("rdiff.Patch", errors.Integrity, &DeltaError{"unknown delta opcode"})
		}
	}
}

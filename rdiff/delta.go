package rdiff

import (
	"bytes"
	"encoding/binary"
	"io"

	"tardis.dev/errors"
)

// Delta computes the difference between target and the basis described by
// basisSig (as produced by Signature), emitting a stream of COPY-from-basis
// and literal-DATA operations. The delta carries a digest of basisSig so
// Patch can refuse to apply it against the wrong basis (spec §4.3).
func Delta(target io.Reader, basisSig io.Reader) (io.Reader, error) {
	const op = "rdiff.Delta"
	blockSize, blocks, sigDigest, err := parseSignature(basisSig)
	if err != nil {
		return nil, errors.E(op, err)
	}
	index := make(map[uint32][]int, len(blocks))
	for i, b := range blocks {
		index[b.weak] = append(index[b.weak], i)
	}

	data, err := io.ReadAll(target)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	var out bytes.Buffer
	out.WriteString(deltaMagic)
	out.Write(sigDigest[:])
	var bsHdr [4]byte
	binary.BigEndian.PutUint32(bsHdr[:], uint32(blockSize))
	out.Write(bsHdr[:])

	var literal []byte
	flushLiteral := func() {
		if len(literal) == 0 {
			return
		}
		var hdr [5]byte
		hdr[0] = opData
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(literal)))
		out.Write(hdr[:])
		out.Write(literal)
		literal = nil
	}
	emitCopy := func(blockIndex int, length int) {
		var hdr [9]byte
		hdr[0] = opCopy
		binary.BigEndian.PutUint32(hdr[1:5], uint32(blockIndex))
		binary.BigEndian.PutUint32(hdr[5:9], uint32(length))
		out.Write(hdr[:])
	}

	i := 0
	for i < len(data) {
		remaining := len(data) - i
		win := blockSize
		if win > remaining {
			win = remaining
		}
		window := data[i : i+win]
		weak := weakChecksum(window)
		matched := -1
		if cands, ok := index[weak]; ok {
			strong := strongHash(window)
			for _, ci := range cands {
				if blocks[ci].strong == strong && int(blocks[ci].length) == win {
					matched = ci
					break
				}
			}
		}
		if matched >= 0 {
			flushLiteral()
			emitCopy(matched, win)
			i += win
			continue
		}
		literal = append(literal, data[i])
		i++
	}
	flushLiteral()
	out.WriteByte(opEnd)
	return bytes.NewReader(out.Bytes()), nil
}

package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"tardis.dev/errors"
)

// handshakeFrame carries the pre-negotiation exchange itself: always plain
// JSON over a 4-byte length prefix, since the two sides haven't yet agreed
// on a codec to speak. Grounded on the teacher's rpc layer dialing over
// plain HTTP before any upspin-specific encoding applies.
type handshakeFrame struct {
	Encodings    []Encoding    `json:"encodings,omitempty"`
	Compressions []Compression `json:"compressions,omitempty"`
	Encoding     Encoding      `json:"encoding,omitempty"`
	Compression  Compression   `json:"compression,omitempty"`
}

func writeHandshakeFrame(w io.Writer, f handshakeFrame) error {
	const op = "wire.writeHandshakeFrame"
	b, err := json.Marshal(f)
	if err != nil {
		return errors.E(op, err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.E(op, errors.IO, err)
	}
	if _, err := w.Write(b); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

func readHandshakeFrame(r io.Reader) (handshakeFrame, error) {
	const op = "wire.readHandshakeFrame"
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return handshakeFrame{}, errors.E(op, errors.IO, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return handshakeFrame{}, errors.E(op, errors.Protocol, errors.Str("handshake frame too large"))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return handshakeFrame{}, errors.E(op, errors.IO, err)
	}
	var f handshakeFrame
	if err := json.Unmarshal(buf, &f); err != nil {
		return handshakeFrame{}, errors.E(op, errors.Protocol, err)
	}
	return f, nil
}

// firstMutual returns the first element of preferred that also appears in
// offered, or zero value/false if there's no overlap.
func firstMutual[T comparable](preferred, offered []T) (T, bool) {
	offeredSet := make(map[T]bool, len(offered))
	for _, o := range offered {
		offeredSet[o] = true
	}
	for _, p := range preferred {
		if offeredSet[p] {
			return p, true
		}
	}
	var zero T
	return zero, false
}

// ServerHandshake reads the client's offered encodings/compressions,
// picks the server's most preferred mutual choice of each, tells the
// client what it picked, and returns a Conn built on that choice. Spec §6:
// "Encoding is negotiated on handshake from {JSON, MSGP, BSON}".
func ServerHandshake(rw io.ReadWriteCloser, preferredEncodings []Encoding, preferredCompressions []Compression) (*Conn, error) {
	const op = "wire.ServerHandshake"
	offer, err := readHandshakeFrame(rw)
	if err != nil {
		return nil, errors.E(op, err)
	}
	enc, ok := firstMutual(preferredEncodings, offer.Encodings)
	if !ok {
		return nil, errors.E(op, errors.Protocol, errors.Str("no mutually supported encoding"))
	}
	comp, ok := firstMutual(preferredCompressions, offer.Compressions)
	if !ok {
		comp = CompressionNone
	}
	if err := writeHandshakeFrame(rw, handshakeFrame{Encoding: enc, Compression: comp}); err != nil {
		return nil, errors.E(op, err)
	}
	return NewConn(rw, enc, comp)
}

// DialHandshake offers the client's supported encodings/compressions in
// preference order, reads back the server's choice, and returns a Conn
// built on it.
func DialHandshake(rw io.ReadWriteCloser, offeredEncodings []Encoding, offeredCompressions []Compression) (*Conn, error) {
	const op = "wire.DialHandshake"
	if err := writeHandshakeFrame(rw, handshakeFrame{Encodings: offeredEncodings, Compressions: offeredCompressions}); err != nil {
		return nil, errors.E(op, err)
	}
	chosen, err := readHandshakeFrame(rw)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return NewConn(rw, chosen.Encoding, chosen.Compression)
}

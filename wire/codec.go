// Package wire implements the framed transport (spec §6): a 4-byte
// big-endian length prefix around a structured message, encoded with one of
// three negotiated codecs and optionally transport-compressed. It mirrors
// the shape of the teacher's rpc/doc.go streaming-response framing
// (length-prefixed messages) generalized from always-protobuf to a
// negotiated encoding.
package wire

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"

	"tardis.dev/errors"
)

// Encoding names the three structured-map encodings the handshake may
// negotiate (spec §6.1).
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingMSGP  Encoding = "msgp"
	EncodingBSON  Encoding = "bson"
)

// Codec marshals and unmarshals one Message at a time; the frame layer
// handles length-prefixing and compression, so a Codec never sees frame
// boundaries.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// NewCodec returns the Codec for a negotiated encoding name.
func NewCodec(e Encoding) (Codec, error) {
	const op = "wire.NewCodec"
	switch e {
	case EncodingJSON:
		return jsonCodec{}, nil
	case EncodingMSGP:
		return msgpackCodec{}, nil
	case EncodingBSON:
		return bsonCodec{}, nil
	}
	return nil, errors.E(op, errors.Invalid, errors.Errorf("unsupported encoding %q", e))
}

// jsonCodec wraps the standard library, matching the teacher's own use of
// encoding/json for sidecar metadata and upspin.ListRefsResponse.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// msgpackCodec wraps vmihailenco/msgpack/v5, the compact binary framing the
// retrieval pack reaches for repeatedly as an RPC wire format.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

// bsonCodec wraps go.mongodb.org/mongo-driver/bson purely as an alternate
// structured-map encoding; no MongoDB server is involved anywhere in this
// module.
type bsonCodec struct{}

func (bsonCodec) Marshal(v interface{}) ([]byte, error)      { return bson.Marshal(v) }
func (bsonCodec) Unmarshal(data []byte, v interface{}) error { return bson.Unmarshal(data, v) }

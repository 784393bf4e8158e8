// Package regen implements the delta-chain rehydration reader (C5): given a
// checksum, it walks basis pointers back to a full blob and replays deltas
// forward to reconstruct the plaintext, optionally verifying the AEAD tag
// recorded for each layer. It is grounded on the recursive directory-walk
// pattern in the teacher's dir/server/tree.go, generalized from a directory
// tree to a basis chain.
package regen

import (
	"bytes"
	"io"
	"os"

	"tardis.dev/crypto"
	"tardis.dev/errors"
	"tardis.dev/metadb"
	"tardis.dev/rdiff"
	"tardis.dev/store"
	"tardis.dev/tardis"
)

// ChecksumSource resolves blob metadata by checksum; satisfied by *metadb.DB.
type ChecksumSource interface {
	GetChecksumInfo(ck tardis.Checksum) (*metadb.Checksum, error)
}

// BlobSource opens blob and signature content by checksum; satisfied by
// *store.Store.
type BlobSource interface {
	Open(ck tardis.Checksum) (io.ReadCloser, error)
	OpenSignature(ck tardis.Checksum) (io.ReadCloser, error)
}

// Regenerator reconstructs plaintext file content from a checksum,
// following the basis chain recorded in the metadata DB.
type Regenerator struct {
	DB      ChecksumSource
	Blobs   BlobSource
	Envelope *crypto.Envelope // nil disables authentication/decryption
}

// New builds a Regenerator bound to db and blobs. env may be nil when the
// client uses scheme 0 (plaintext) or the caller only wants ciphertext
// bytes without verification.
func New(db ChecksumSource, blobs BlobSource, env *crypto.Envelope) *Regenerator {
	return &Regenerator{DB: db, Blobs: blobs, Envelope: env}
}

// Regenerate returns a reader over the fully reconstructed plaintext bytes
// of ck. If authenticate is true, every encrypted layer's AEAD tag is
// verified (crypto.DecryptBlob) against the tag stored in that blob itself
// before its bytes are released; the metadata DB holds no tags and is not
// consulted for them, and with a nil Envelope nothing is verified. A
// failure aborts with errors.Integrity and leaks no partial output — the
// accumulated bytes are discarded rather than returned.
func (r *Regenerator) Regenerate(ck tardis.Checksum, authenticate bool) (io.ReadCloser, error) {
	const op = "regen.Regenerate"
	chain, err := r.resolveChain(ck)
	if err != nil {
		return nil, errors.E(op, err)
	}

	// chain[0] is the root (basis == ""); chain[len-1] is ck itself.
	current, err := r.materialize(chain[0], authenticate)
	if err != nil {
		return nil, errors.E(op, tardis.Checksum(ck), err)
	}
	for _, link := range chain[1:] {
		next, err := r.applyDelta(current, link, authenticate)
		if err != nil {
			return nil, errors.E(op, tardis.Checksum(ck), err)
		}
		current = next
	}
	return io.NopCloser(bytes.NewReader(current)), nil
}

// resolveChain walks basis pointers from ck back to the root blob (whose
// Basis is unset), returning the chain root-first.
func (r *Regenerator) resolveChain(ck tardis.Checksum) ([]*metadb.Checksum, error) {
	const op = "regen.resolveChain"
	var chain []*metadb.Checksum
	cur := ck
	for {
		rec, err := r.DB.GetChecksumInfo(cur)
		if err != nil {
			return nil, errors.E(op, err)
		}
		chain = append(chain, rec)
		if !rec.Basis.Valid || rec.Basis.String == "" {
			break
		}
		cur = tardis.Checksum(rec.Basis.String)
		if len(chain) > tardis.MaxChainDefault+1 {
			return nil, errors.E(op, errors.Integrity, errors.Str("basis chain exceeds max length; possible cycle"))
		}
	}
	// Reverse in place so the root comes first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// materialize reads and, if applicable, decrypts and verifies a root
// (basis-less) blob in full.
func (r *Regenerator) materialize(rec *metadb.Checksum, authenticate bool) ([]byte, error) {
	const op = "regen.materialize"
	raw, err := r.readBlob(rec.Hex)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if !rec.Encrypted || r.Envelope == nil {
		return raw, nil
	}
	return r.decrypt(raw, authenticate)
}

// applyDelta patches basis (already reconstructed plaintext bytes) forward
// through link's delta to produce link's plaintext.
func (r *Regenerator) applyDelta(basis []byte, link *metadb.Checksum, authenticate bool) ([]byte, error) {
	const op = "regen.applyDelta"
	raw, err := r.readBlob(link.Hex)
	if err != nil {
		return nil, errors.E(op, err)
	}
	var delta []byte
	if link.Encrypted && r.Envelope != nil {
		delta, err = r.decrypt(raw, authenticate)
		if err != nil {
			return nil, errors.E(op, err)
		}
	} else {
		delta = raw
	}
	sigReader, err := r.Blobs.OpenSignature(tardis.Checksum(link.Basis.String))
	if err != nil {
		return nil, errors.E(op, errors.Storage, err)
	}
	defer sigReader.Close()
	patched, err := rdiff.Patch(bytes.NewReader(basis), sigReader, bytes.NewReader(delta))
	if err != nil {
		return nil, errors.E(op, errors.Integrity, err)
	}
	out, err := io.ReadAll(patched)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return out, nil
}

func (r *Regenerator) readBlob(ck tardis.Checksum) ([]byte, error) {
	const op = "regen.readBlob"
	rc, err := r.Blobs.Open(ck)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, errors.Storage, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.E(op, errors.Storage, err)
	}
	return data, nil
}

// decrypt runs the envelope's content codec over a fully-buffered blob. C1
// is a streaming contract; regen uses it in one shot since the basis chain
// must already be fully materialized in memory to drive rdiff.Patch's
// io.ReaderAt requirement.
func (r *Regenerator) decrypt(raw []byte, authenticate bool) ([]byte, error) {
	const op = "regen.decrypt"
	plain, err := crypto.DecryptBlob(r.Envelope, raw, authenticate)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return plain, nil
}

package walker

import (
	"bytes"
	"compress/zlib"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"tardis.dev/crypto"
	"tardis.dev/errors"
	"tardis.dev/rdiff"
	"tardis.dev/tardis"
	"tardis.dev/wire"
)

// maybeCompress zlib-compresses data when the walker's compression policy
// applies (SPEC_FULL §10 item 3) and the result is actually smaller;
// otherwise it returns data unchanged. Compression always runs before
// encryption - encrypted bytes are indistinguishable from random and would
// not shrink.
func (w *Walker) maybeCompress(data []byte) ([]byte, bool, error) {
	const op = "walker.maybeCompress"
	if !w.opts.CompressBlobs || int64(len(data)) < w.opts.CompressMinSize {
		return data, false, nil
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false, errors.E(op, err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, errors.E(op, err)
	}
	if buf.Len() >= len(data) {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}

// sendFull reads cand's file fully, encrypts it, and queues a CON request
// carrying the ciphertext as a bulk payload (spec §4.7, §4.6 rule 3: full
// content transfer).
func (w *Walker) sendFull(cand *walkCandidate) error {
	const op = "walker.sendFull"
	plain, err := os.ReadFile(cand.path)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	sum := sha256.Sum256(plain)
	ck := hex.EncodeToString(sum[:])

	payload, compressed, err := w.maybeCompress(plain)
	if err != nil {
		return errors.E(op, err)
	}
	encrypted := w.env.Scheme != tardis.SchemePlain
	if encrypted {
		payload, err = crypto.EncryptBlob(w.env, payload)
		if err != nil {
			return errors.E(op, err)
		}
	}
	msg := wire.NewMessage("CON", wire.Message{
		"checksum":   ck,
		"encrypted":  encrypted,
		"compressed": compressed,
		"inode": wire.Message{
			"inode": int64(cand.inode.Inode), "device": int64(cand.inode.Device),
		},
	})
	_, err = w.batch.add(msg, payload)
	return err
}

// fetchSignature asks the server for basis's cached rolling-checksum
// signature via SGR, reading the SIG response and its bulk payload
// directly off the connection (SGR/SGS are not themselves batched: the
// delta decision needs the signature back before the walk can continue,
// spec §4.7's "delta-vs-full decision via deltaThresholdPct").
func (w *Walker) fetchSignature(basis tardis.Checksum) ([]byte, error) {
	const op = "walker.fetchSignature"
	if err := w.conn.Send(wire.NewMessage("SGR", wire.Message{"checksum": string(basis)})); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	resp, err := w.conn.Recv()
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if resp.Tag() != "SIG" {
		return nil, errors.E(op, errors.Protocol, errors.Errorf("expected SIG, got %s", resp.Tag()))
	}
	var buf bytes.Buffer
	if _, err := w.conn.RecvBulk(&buf); err != nil {
		return nil, errors.E(op, err)
	}
	return buf.Bytes(), nil
}

// sendDelta computes a delta of cand's current content against basis and
// sends it if it is smaller than deltaThresholdPct of the full file size,
// falling back to sendFull otherwise (spec §4.7, original Client.py's
// processDelta: "deltasize < filesize * pct/100").
func (w *Walker) sendDelta(cand *walkCandidate, basis tardis.Checksum) error {
	const op = "walker.sendDelta"
	sig, err := w.fetchSignature(basis)
	if err != nil {
		return errors.E(op, err)
	}
	plain, err := os.ReadFile(cand.path)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	delta, err := rdiff.Delta(bytes.NewReader(plain), bytes.NewReader(sig))
	if err != nil {
		return errors.E(op, err)
	}
	deltaBytes, err := io.ReadAll(delta)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	if w.opts.DeltaThresholdPct > 0 && float64(len(deltaBytes)) >= float64(len(plain))*w.opts.DeltaThresholdPct/100 {
		return w.sendFull(cand)
	}

	sum := sha256.Sum256(plain)
	ck := hex.EncodeToString(sum[:])
	payload, compressed, err := w.maybeCompress(deltaBytes)
	if err != nil {
		return errors.E(op, err)
	}
	encrypted := w.env.Scheme != tardis.SchemePlain
	if encrypted {
		payload, err = crypto.EncryptBlob(w.env, payload)
		if err != nil {
			return errors.E(op, err)
		}
	}
	msg := wire.NewMessage("DEL", wire.Message{
		"checksum":   ck,
		"basis":      string(basis),
		"size":       int64(len(plain)),
		"deltasize":  int64(len(deltaBytes)),
		"encrypted":  encrypted,
		"compressed": compressed,
	})
	_, err = w.batch.add(msg, payload)
	return err
}

package regen

import (
	"bytes"
	"database/sql"
	"io"
	"testing"

	"tardis.dev/metadb"
	"tardis.dev/rdiff"
	"tardis.dev/store"
	"tardis.dev/tardis"
)

// fakeChecksumSource is an in-memory stand-in for *metadb.DB.
type fakeChecksumSource struct {
	recs map[tardis.Checksum]*metadb.Checksum
}

func (f *fakeChecksumSource) GetChecksumInfo(ck tardis.Checksum) (*metadb.Checksum, error) {
	rec, ok := f.recs[ck]
	if !ok {
		return nil, errNotFound
	}
	return rec, nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

func setupChain(t *testing.T, s *store.Store) (*fakeChecksumSource, tardis.Checksum, tardis.Checksum) {
	t.Helper()
	v1 := bytes.Repeat([]byte("version one content, unencrypted.\n"), 50)
	v2 := append(append([]byte{}, v1...), []byte("appended tail bytes for version two.\n")...)

	if _, err := s.Put("root", bytes.NewReader(v1)); err != nil {
		t.Fatal(err)
	}
	sig, err := rdiff.Signature(bytes.NewReader(v1), rdiff.DefaultBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	sigBytes, err := io.ReadAll(sig)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutSignature("root", bytes.NewReader(sigBytes)); err != nil {
		t.Fatal(err)
	}

	delta, err := rdiff.Delta(bytes.NewReader(v2), bytes.NewReader(sigBytes))
	if err != nil {
		t.Fatal(err)
	}
	deltaBytes, err := io.ReadAll(delta)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put("child", bytes.NewReader(deltaBytes)); err != nil {
		t.Fatal(err)
	}

	fc := &fakeChecksumSource{recs: map[tardis.Checksum]*metadb.Checksum{
		"root":  {Hex: "root", Size: int64(len(v1))},
		"child": {Hex: "child", Size: int64(len(v2)), Basis: sql.NullString{String: "root", Valid: true}, DeltaSize: int64(len(deltaBytes))},
	}}
	return fc, "root", "child"
}

func TestRegenerateFollowsDeltaChain(t *testing.T) {
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fc, rootCk, childCk := setupChain(t, s)
	r := New(fc, s, nil)

	rc, err := r.Regenerate(rootCk, false)
	if err != nil {
		t.Fatal(err)
	}
	rootBytes, _ := io.ReadAll(rc)
	rc.Close()
	want := bytes.Repeat([]byte("version one content, unencrypted.\n"), 50)
	if !bytes.Equal(rootBytes, want) {
		t.Fatal("regenerated root blob does not match original")
	}

	rc2, err := r.Regenerate(childCk, false)
	if err != nil {
		t.Fatal(err)
	}
	childBytes, err := io.ReadAll(rc2)
	rc2.Close()
	if err != nil {
		t.Fatal(err)
	}
	wantChild := append(append([]byte{}, want...), []byte("appended tail bytes for version two.\n")...)
	if !bytes.Equal(childBytes, wantChild) {
		t.Fatalf("regenerated child blob mismatch: got %d bytes, want %d", len(childBytes), len(wantChild))
	}
}

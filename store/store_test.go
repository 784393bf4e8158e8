package store

import (
	"bytes"
	"io"
	"testing"

	"tardis.dev/tardis"
)

func TestPutOpenExists(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ck := tardis.Checksum("abcd1234")
	if s.Exists(ck) {
		t.Fatal("blob should not exist yet")
	}
	n, err := s.Put(ck, bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Errorf("wrote %d bytes, want 11", n)
	}
	if !s.Exists(ck) {
		t.Fatal("blob should exist after Put")
	}
	r, err := s.Open(ck)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestDuplicateWriteCollapses(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ck := tardis.Checksum("deadbeef")
	if _, err := s.Put(ck, bytes.NewReader([]byte("first"))); err != nil {
		t.Fatal(err)
	}
	n, err := s.Put(ck, bytes.NewReader([]byte("second-writer-loses")))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("second writer should report the first writer's size 5, got %d", n)
	}
	r, err := s.Open(ck)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "first" {
		t.Errorf("first writer's content should win; got %q", got)
	}
}

func TestLinkAndRemove(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := tardis.Checksum("aaaa0001")
	dst := tardis.Checksum("bbbb0002")
	if _, err := s.Put(src, bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Link(src, dst); err != nil {
		t.Fatal(err)
	}
	if !s.Exists(dst) {
		t.Fatal("linked blob should exist")
	}
	if err := s.Remove(dst); err != nil {
		t.Fatal(err)
	}
	if s.Exists(dst) {
		t.Fatal("removed blob should not exist")
	}
	if !s.Exists(src) {
		t.Fatal("removing the link's destination must not remove the source")
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ck := tardis.Checksum("cafef00d")
	want := Meta{Size: 1024, DiskSize: 900, Compressed: true, Encrypted: true}
	if err := s.PutMeta(ck, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMeta(ck)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ck := tardis.Checksum("11112222")
	if err := s.PutSignature(ck, bytes.NewReader([]byte("sig-bytes"))); err != nil {
		t.Fatal(err)
	}
	r, err := s.OpenSignature(ck)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "sig-bytes" {
		t.Errorf("got %q", got)
	}
}

func TestListSkipsSidecars(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cks := []tardis.Checksum{"aaaa", "bbbb", "cccc"}
	for _, ck := range cks {
		if _, err := s.Put(ck, bytes.NewReader([]byte("x"))); err != nil {
			t.Fatal(err)
		}
		if err := s.PutMeta(ck, Meta{Size: 1, DiskSize: 1}); err != nil {
			t.Fatal(err)
		}
		if err := s.PutSignature(ck, bytes.NewReader([]byte("s"))); err != nil {
			t.Fatal(err)
		}
	}
	seen := map[tardis.Checksum]bool{}
	if err := s.List(func(ck tardis.Checksum) error {
		seen[ck] = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != len(cks) {
		t.Fatalf("List saw %d entries, want %d: %v", len(seen), len(cks), seen)
	}
	for _, ck := range cks {
		if !seen[ck] {
			t.Errorf("List missed %v", ck)
		}
	}
}

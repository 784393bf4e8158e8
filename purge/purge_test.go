package purge

import (
	"testing"
	"time"

	"tardis.dev/tardis"
)

type fakeMetaDB struct {
	sets       map[tardis.SetID]bool
	checksums  map[tardis.Checksum]bool
	deleted    []tardis.Checksum
	purgeCalls int
}

func newFakeMetaDB(live ...tardis.Checksum) *fakeMetaDB {
	m := &fakeMetaDB{checksums: make(map[tardis.Checksum]bool)}
	for _, ck := range live {
		m.checksums[ck] = true
	}
	return m
}

func (m *fakeMetaDB) PurgeSets(priority int, cutoff time.Time, beforeSet tardis.SetID) (int, error) {
	m.purgeCalls++
	return 2, nil
}

func (m *fakeMetaDB) PurgeIncomplete(priority int, cutoff time.Time, beforeSet tardis.SetID) (int, error) {
	m.purgeCalls++
	return 1, nil
}

func (m *fakeMetaDB) LiveChecksums() (map[tardis.Checksum]bool, error) {
	out := make(map[tardis.Checksum]bool, len(m.checksums))
	for k, v := range m.checksums {
		out[k] = v
	}
	return out, nil
}

func (m *fakeMetaDB) DeleteChecksum(ck tardis.Checksum) error {
	delete(m.checksums, ck)
	m.deleted = append(m.deleted, ck)
	return nil
}

type fakeBlobStore struct {
	blobs map[tardis.Checksum]int64
}

func newFakeBlobStore(sizes map[tardis.Checksum]int64) *fakeBlobStore {
	blobs := make(map[tardis.Checksum]int64, len(sizes))
	for k, v := range sizes {
		blobs[k] = v
	}
	return &fakeBlobStore{blobs: blobs}
}

func (s *fakeBlobStore) List(fn func(tardis.Checksum) error) error {
	for ck := range s.blobs {
		if err := fn(ck); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeBlobStore) Size(ck tardis.Checksum) (int64, error) { return s.blobs[ck], nil }

func (s *fakeBlobStore) Remove(ck tardis.Checksum) error {
	delete(s.blobs, ck)
	return nil
}

func TestSweepRemovesOnlyOrphans(t *testing.T) {
	db := newFakeMetaDB("live1", "live2")
	blobs := newFakeBlobStore(map[tardis.Checksum]int64{
		"live1":  100,
		"live2":  200,
		"orphan": 50,
	})
	p := New(db, blobs)

	removed, bytes, rounds, err := p.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if bytes != 50 {
		t.Fatalf("bytesRecovered = %d, want 50", bytes)
	}
	if rounds < 1 {
		t.Fatal("expected at least one sweep round")
	}
	if _, ok := blobs.blobs["orphan"]; ok {
		t.Fatal("orphan blob not removed from store")
	}
	if _, ok := blobs.blobs["live1"]; !ok {
		t.Fatal("live blob incorrectly removed")
	}
	if len(db.deleted) != 1 || db.deleted[0] != "orphan" {
		t.Fatalf("deleted checksum rows = %v, want [orphan]", db.deleted)
	}
}

func TestSweepOnAlreadyCleanStoreIsNoop(t *testing.T) {
	db := newFakeMetaDB("live1")
	blobs := newFakeBlobStore(map[tardis.Checksum]int64{"live1": 10})
	p := New(db, blobs)

	removed, bytes, _, err := p.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 || bytes != 0 {
		t.Fatalf("removed=%d bytes=%d, want 0,0", removed, bytes)
	}
}

func TestRunDeletesSetsThenSweeps(t *testing.T) {
	db := newFakeMetaDB("live1")
	blobs := newFakeBlobStore(map[tardis.Checksum]int64{
		"live1":  10,
		"orphan": 20,
	})
	p := New(db, blobs)

	res, err := p.Run(Cursor{Priority: 5, BeforeTime: time.Now(), BeforeSet: 100}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.SetsDeleted != 2 {
		t.Fatalf("SetsDeleted = %d, want 2", res.SetsDeleted)
	}
	if res.OrphansRemoved != 1 {
		t.Fatalf("OrphansRemoved = %d, want 1", res.OrphansRemoved)
	}
	if res.BytesRecovered != 20 {
		t.Fatalf("BytesRecovered = %d, want 20", res.BytesRecovered)
	}
	if db.purgeCalls != 1 {
		t.Fatalf("purgeCalls = %d, want 1", db.purgeCalls)
	}
}

func TestRunIncompleteCallsPurgeIncomplete(t *testing.T) {
	db := newFakeMetaDB()
	blobs := newFakeBlobStore(nil)
	p := New(db, blobs)

	res, err := p.Run(Cursor{Priority: 0, BeforeTime: time.Now()}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.SetsDeleted != 1 {
		t.Fatalf("SetsDeleted = %d, want 1 (PurgeIncomplete)", res.SetsDeleted)
	}
}

func TestPurgeAlreadyPurgedRangeIsNoop(t *testing.T) {
	db := newFakeMetaDB("live1")
	db.checksums["live1"] = true
	blobs := newFakeBlobStore(map[tardis.Checksum]int64{"live1": 10})
	p := New(db, blobs)

	// Sweep twice: second call should find nothing left to reclaim.
	if _, _, _, err := p.Sweep(); err != nil {
		t.Fatal(err)
	}
	removed, bytes, _, err := p.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 || bytes != 0 {
		t.Fatalf("second sweep removed=%d bytes=%d, want 0,0", removed, bytes)
	}
}

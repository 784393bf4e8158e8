package session

import (
	"path/filepath"
	"testing"
	"time"

	"tardis.dev/metadb"
	"tardis.dev/tardis"
)

func openTestDB(t *testing.T) *metadb.DB {
	t.Helper()
	db, err := metadb.Open(filepath.Join(t.TempDir(), "client.db"), "testclient")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func defaultPolicy() policy {
	return policy{CksContentThreshold: 4096, MaxChangePercent: 50, MaxDeltaChain: 20}
}

func TestClassifyNewFileIsContent(t *testing.T) {
	db := openTestDB(t)
	db.SetCurrentSet(1)
	cand := Candidate{
		Inode:      tardis.InodeKey{Inode: 10, Device: 1},
		NameCipher: "Zm9v",
		NLinks:     1,
		Size:       100,
		MTime:      time.Unix(1000, 0),
	}
	class, old, err := classify(db, cand, false, defaultPolicy(), map[tardis.InodeKey]tardis.Checksum{})
	if err != nil {
		t.Fatal(err)
	}
	if class != ClassContent {
		t.Fatalf("classify() = %v, want ClassContent", class)
	}
	if old != nil {
		t.Fatalf("old = %+v, want nil", old)
	}
}

func TestClassifyUnchangedTupleIsExtend(t *testing.T) {
	db := openTestDB(t)
	db.SetCurrentSet(1)
	mtime := time.Unix(1000, 0)
	parent := tardis.InodeKey{}
	_, err := db.InsertFile(metadb.FileVersion{
		NameCipher: "Zm9v", Inode: 10, Device: 1, Size: 100, MTime: mtime,
	}, parent)
	if err != nil {
		t.Fatal(err)
	}
	db.SetCurrentSet(2)
	cand := Candidate{
		Inode: tardis.InodeKey{Inode: 10, Device: 1}, ParentInode: parent,
		NameCipher: "Zm9v", NLinks: 1, Size: 100, MTime: mtime,
	}
	class, old, err := classify(db, cand, false, defaultPolicy(), map[tardis.InodeKey]tardis.Checksum{})
	if err != nil {
		t.Fatal(err)
	}
	if class != ClassExtend {
		t.Fatalf("classify() = %v, want ClassExtend", class)
	}
	if old == nil {
		t.Fatal("old = nil, want the prior version row")
	}
}

func TestClassifySmallSizeChangeIsCksum(t *testing.T) {
	db := openTestDB(t)
	db.SetCurrentSet(1)
	parent := tardis.InodeKey{}
	_, err := db.InsertFile(metadb.FileVersion{
		NameCipher: "Zm9v", Inode: 10, Device: 1, Size: 100000, MTime: time.Unix(1000, 0),
	}, parent)
	if err != nil {
		t.Fatal(err)
	}
	db.SetCurrentSet(2)
	cand := Candidate{
		Inode: tardis.InodeKey{Inode: 10, Device: 1}, ParentInode: parent,
		NameCipher: "Zm9v", NLinks: 1, Size: 100000, MTime: time.Unix(2000, 0),
	}
	class, _, err := classify(db, cand, false, defaultPolicy(), map[tardis.InodeKey]tardis.Checksum{})
	if err != nil {
		t.Fatal(err)
	}
	if class != ClassCksum {
		t.Fatalf("classify() = %v, want ClassCksum", class)
	}
}

func TestClassifyModerateSizeGrowthIsDelta(t *testing.T) {
	db := openTestDB(t)
	db.SetCurrentSet(1)
	parent := tardis.InodeKey{}
	_, err := db.InsertFile(metadb.FileVersion{
		NameCipher: "Zm9v", Inode: 10, Device: 1, Size: 100000, MTime: time.Unix(1000, 0),
	}, parent)
	if err != nil {
		t.Fatal(err)
	}
	db.SetCurrentSet(2)
	cand := Candidate{
		Inode: tardis.InodeKey{Inode: 10, Device: 1}, ParentInode: parent,
		NameCipher: "Zm9v", NLinks: 1, Size: 110000, MTime: time.Unix(2000, 0),
	}
	class, _, err := classify(db, cand, false, defaultPolicy(), map[tardis.InodeKey]tardis.Checksum{})
	if err != nil {
		t.Fatal(err)
	}
	if class != ClassDelta {
		t.Fatalf("classify() = %v, want ClassDelta", class)
	}
}

func TestClassifyLargeSizeSwingIsRefresh(t *testing.T) {
	db := openTestDB(t)
	db.SetCurrentSet(1)
	parent := tardis.InodeKey{}
	_, err := db.InsertFile(metadb.FileVersion{
		NameCipher: "Zm9v", Inode: 10, Device: 1, Size: 100000, MTime: time.Unix(1000, 0),
	}, parent)
	if err != nil {
		t.Fatal(err)
	}
	db.SetCurrentSet(2)
	cand := Candidate{
		Inode: tardis.InodeKey{Inode: 10, Device: 1}, ParentInode: parent,
		NameCipher: "Zm9v", NLinks: 1, Size: 500000, MTime: time.Unix(2000, 0),
	}
	class, _, err := classify(db, cand, false, defaultPolicy(), map[tardis.InodeKey]tardis.Checksum{})
	if err != nil {
		t.Fatal(err)
	}
	if class != ClassRefresh {
		t.Fatalf("classify() = %v, want ClassRefresh", class)
	}
}

func TestClassifyChainAtLimitIsRefresh(t *testing.T) {
	db := openTestDB(t)
	db.SetCurrentSet(1)
	parent := tardis.InodeKey{}
	fv, err := db.InsertFile(metadb.FileVersion{
		NameCipher: "Zm9v", Inode: 10, Device: 1, Size: 100000, MTime: time.Unix(1000, 0),
		ChainLength: 20,
	}, parent)
	if err != nil {
		t.Fatal(err)
	}
	_ = fv
	db.SetCurrentSet(2)
	cand := Candidate{
		Inode: tardis.InodeKey{Inode: 10, Device: 1}, ParentInode: parent,
		NameCipher: "Zm9v", NLinks: 1, Size: 110000, MTime: time.Unix(2000, 0),
	}
	class, _, err := classify(db, cand, false, defaultPolicy(), map[tardis.InodeKey]tardis.Checksum{})
	if err != nil {
		t.Fatal(err)
	}
	if class != ClassRefresh {
		t.Fatalf("classify() = %v, want ClassRefresh", class)
	}
}

func TestClassifyFullBackupRefreshesDeltaChain(t *testing.T) {
	db := openTestDB(t)
	db.SetCurrentSet(1)
	parent := tardis.InodeKey{}
	mtime := time.Unix(1000, 0)
	_, err := db.InsertFile(metadb.FileVersion{
		NameCipher: "Zm9v", Inode: 10, Device: 1, Size: 100000, MTime: mtime, ChainLength: 3,
	}, parent)
	if err != nil {
		t.Fatal(err)
	}
	db.SetCurrentSet(2)
	cand := Candidate{
		Inode: tardis.InodeKey{Inode: 10, Device: 1}, ParentInode: parent,
		NameCipher: "Zm9v", NLinks: 1, Size: 100000, MTime: mtime,
	}
	class, _, err := classify(db, cand, true, defaultPolicy(), map[tardis.InodeKey]tardis.Checksum{})
	if err != nil {
		t.Fatal(err)
	}
	if class != ClassRefresh {
		t.Fatalf("classify() = %v, want ClassRefresh for a full backup revisiting a delta chain", class)
	}
}

func TestClassifyHardlinkedInodeIsLinked(t *testing.T) {
	db := openTestDB(t)
	db.SetCurrentSet(1)
	cand := Candidate{
		Inode:      tardis.InodeKey{Inode: 99, Device: 1},
		NameCipher: "bGluaw==",
		NLinks:     2,
		Size:       100,
		MTime:      time.Unix(1000, 0),
	}
	seen := map[tardis.InodeKey]tardis.Checksum{cand.Inode: "deadbeef"}
	class, _, err := classify(db, cand, false, defaultPolicy(), seen)
	if err != nil {
		t.Fatal(err)
	}
	if class != ClassLinked {
		t.Fatalf("classify() = %v, want ClassLinked", class)
	}
}

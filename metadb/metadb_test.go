package metadb

import (
	"path/filepath"
	"testing"
	"time"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "client.db"), "testclient")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSchemaVersionRecordedOnFreshDB(t *testing.T) {
	db := openTest(t)
	v, err := db.GetConfig("SchemaVersion")
	if err != nil {
		t.Fatal(err)
	}
	if v != CurrentSchemaVersion {
		t.Fatalf("SchemaVersion = %q, want %q", v, CurrentSchemaVersion)
	}
}

func TestNewBackupSetRejectsConcurrentSession(t *testing.T) {
	db := openTest(t)
	_, err := db.NewBackupSet(NewSetParams{Name: "full", SessionID: "s1", ClientTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.NewBackupSet(NewSetParams{Name: "full2", SessionID: "s2", ClientTime: time.Now()})
	if !errors.Match(errors.Policy, err) {
		t.Fatalf("second NewBackupSet: got %v, want errors.Policy", err)
	}
}

func TestCompleteSetThenNewBackupSetSucceeds(t *testing.T) {
	db := openTest(t)
	set, err := db.NewBackupSet(NewSetParams{Name: "full", SessionID: "s1", ClientTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.CompleteSet(set.SetID, true, 10, 0, 1024); err != nil {
		t.Fatal(err)
	}
	next, err := db.NewBackupSet(NewSetParams{Name: "full2", SessionID: "s2", ClientTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if next.SetID <= set.SetID {
		t.Fatalf("new set id %d should exceed prior %d", next.SetID, set.SetID)
	}
}

func TestLastBackupSetFiltersCompleted(t *testing.T) {
	db := openTest(t)
	set, err := db.NewBackupSet(NewSetParams{Name: "full", SessionID: "s1", ClientTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	complete := true
	if _, err := db.LastBackupSet(&complete); !errors.Match(errors.NotExist, err) {
		t.Fatalf("LastBackupSet(completed=true) before completion: got %v, want NotExist", err)
	}
	if err := db.CompleteSet(set.SetID, true, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	got, err := db.LastBackupSet(&complete)
	if err != nil {
		t.Fatal(err)
	}
	if got.SetID != set.SetID {
		t.Fatalf("LastBackupSet = %d, want %d", got.SetID, set.SetID)
	}
}

func TestInsertFileAndReadDirectory(t *testing.T) {
	db := openTest(t)
	set, err := db.NewBackupSet(NewSetParams{Name: "full", SessionID: "s1", ClientTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	root := tardis.InodeKey{}
	fv := FileVersion{
		NameCipher: "cipherhome", Inode: 42, Device: 1, Mode: 0755, Size: 0,
		MTime: time.Now(), CTime: time.Now(), ATime: time.Now(),
	}
	inserted, err := db.InsertFile(fv, root)
	if err != nil {
		t.Fatal(err)
	}
	if inserted.FirstSet != set.SetID || inserted.LastSet != set.SetID {
		t.Fatalf("InsertFile set range = [%d,%d], want [%d,%d]", inserted.FirstSet, inserted.LastSet, set.SetID, set.SetID)
	}
	kids, err := db.ReadDirectory(root, set.SetID)
	if err != nil {
		t.Fatal(err)
	}
	if len(kids) != 1 || kids[0].NameCipher != "cipherhome" {
		t.Fatalf("ReadDirectory = %+v, want one entry named cipherhome", kids)
	}
	got, err := db.GetFileInfoByName("cipherhome", root, set.SetID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Inode != 42 {
		t.Fatalf("GetFileInfoByName inode = %d, want 42", got.Inode)
	}
}

func TestExtendFileInode(t *testing.T) {
	db := openTest(t)
	set1, err := db.NewBackupSet(NewSetParams{Name: "full", SessionID: "s1", ClientTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	root := tardis.InodeKey{}
	fv := FileVersion{NameCipher: "c", Inode: 7, Device: 1, MTime: time.Now(), CTime: time.Now(), ATime: time.Now()}
	if _, err := db.InsertFile(fv, root); err != nil {
		t.Fatal(err)
	}
	if err := db.CompleteSet(set1.SetID, true, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	set2, err := db.NewBackupSet(NewSetParams{Name: "full2", SessionID: "s2", ClientTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	inode := tardis.InodeKey{Device: 1, Inode: 7}
	if err := db.ExtendFileInode(root, inode, nil); err != nil {
		t.Fatal(err)
	}
	kids, err := db.ReadDirectory(root, set2.SetID)
	if err != nil {
		t.Fatal(err)
	}
	if len(kids) != 1 {
		t.Fatalf("ReadDirectory after extend = %d entries, want 1", len(kids))
	}
}

func TestChecksumChainExtension(t *testing.T) {
	db := openTest(t)
	base, err := db.InsertChecksum("aaaa", true, false, 100, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if base.ChainLength != 0 {
		t.Fatalf("base chain length = %d, want 0", base.ChainLength)
	}
	delta, err := db.InsertChecksum("bbbb", true, false, 10, "aaaa", 10)
	if err != nil {
		t.Fatal(err)
	}
	if delta.ChainLength != 1 {
		t.Fatalf("delta chain length = %d, want 1", delta.ChainLength)
	}
	// Extending the chain aaaa -> bbbb with a new checksum closes no cycle
	// and must be accepted.
	if _, err := db.InsertChecksum("aaaa2", true, false, 5, "bbbb", 5); err == nil {
		// aaaa2 depends on bbbb which depends on aaaa; no cycle yet since aaaa2 != aaaa.
	} else {
		t.Fatal(err)
	}
}

func TestSetChecksumAttachesToCurrentVersion(t *testing.T) {
	db := openTest(t)
	set, err := db.NewBackupSet(NewSetParams{Name: "full", SessionID: "s1", ClientTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	root := tardis.InodeKey{}
	fv := FileVersion{NameCipher: "c", Inode: 99, Device: 2, MTime: time.Now(), CTime: time.Now(), ATime: time.Now()}
	if _, err := db.InsertFile(fv, root); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertChecksum("deadbeef", true, false, 4096, "", 0); err != nil {
		t.Fatal(err)
	}
	if err := db.SetChecksum(tardis.InodeKey{Device: 2, Inode: 99}, "deadbeef"); err != nil {
		t.Fatal(err)
	}
	kids, err := db.ReadDirectory(root, set.SetID)
	if err != nil {
		t.Fatal(err)
	}
	if len(kids) != 1 || !kids[0].ChecksumID.Valid {
		t.Fatalf("ReadDirectory after SetChecksum = %+v, want one entry with a checksum set", kids)
	}
}

func TestCryptoSchemeDefaultsForLegacyDB(t *testing.T) {
	db := openTest(t)
	s, err := db.CryptoScheme()
	if err != nil {
		t.Fatal(err)
	}
	if s != tardis.SchemeAESCBCEcbWrap {
		t.Fatalf("CryptoScheme on legacy DB = %v, want SchemeAESCBCEcbWrap", s)
	}
}

func TestPurgeIncomplete(t *testing.T) {
	db := openTest(t)
	set, err := db.NewBackupSet(NewSetParams{Name: "full", SessionID: "s1", ClientTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	n, err := db.PurgeIncomplete(100, time.Now(), set.SetID+1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("PurgeIncomplete deleted %d sets, want 1", n)
	}
	if _, err := db.NewBackupSet(NewSetParams{Name: "full2", SessionID: "s2", ClientTime: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

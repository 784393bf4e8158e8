// Package metadb implements the per-client relational metadata store (C4):
// backup sets, file-version rows, checksum records, the name-ciphertext
// table, string config, and usage stats, backed by a single
// <client>.db SQLite file. It is grounded on the relational layer pulled
// into the pack by kgiusti-go-fdo-server (database/sql over a driver
// registered under blank import, queries built by hand rather than an
// ORM). An earlier pass tried to route this through gorm.io/gorm +
// gorm.io/driver/sqlite, as the module's go.mod once declared, but that
// driver package unconditionally imports mattn/go-sqlite3, which requires
// cgo; that conflicts with the pure-Go modernc.org/sqlite driver the rest
// of the pack favors, so C4 talks to modernc.org/sqlite directly through
// database/sql instead (see DESIGN.md).
package metadb

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tardis.dev/crypto"
	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// CurrentSchemaVersion is written to the Config table's SchemaVersion key
// on a freshly created database. Supplemented from the original
// implementation's upgrade-guard behavior (SPEC_FULL §10): a missing
// SchemaVersion is recorded as this value, and any other value is refused,
// never silently migrated.
const CurrentSchemaVersion = "1"

// BackupSet is the append-only snapshot record (spec §3 "Backup Set").
type BackupSet struct {
	SetID         tardis.SetID
	Name          string
	SessionID     string
	Priority      int
	ClientTime    time.Time
	ServerVersion string
	ClientAddress string
	Full          bool
	StartTime     time.Time
	EndTime       sql.NullTime
	Completed     bool
	FilesFull     int64
	FilesDelta    int64
	BytesReceived int64
}

// FileVersion is a version row, extended across sets rather than
// duplicated when a file is unchanged (spec §3 "File Version").
type FileVersion struct {
	ID           int64
	FirstSet     tardis.SetID
	LastSet      tardis.SetID
	ParentInode  uint64
	ParentDevice uint64
	NameCipher   string
	Inode        uint64
	Device       uint64
	Mode         uint32
	UID          uint32
	GID          uint32
	NLinks       uint32
	Size         int64
	MTime        time.Time
	CTime        time.Time
	ATime        time.Time
	ChecksumID   sql.NullInt64
	XattrCk      sql.NullString
	AclCk        sql.NullString
	ChainLength  int
}

// Checksum is a blob record; Basis points at another Checksum's hex string,
// forming the delta DAG (spec §3 "Checksum / Blob Record").
type Checksum struct {
	ID          int64
	Hex         tardis.Checksum
	IsFile      bool
	Encrypted   bool
	Compressed  bool
	Size        int64
	DiskSize    int64
	Basis       sql.NullString
	DeltaSize   int64
	ChainLength int
}

// Stat is one row of the usage-bookkeeping table supplemented from the
// original implementation (SPEC_FULL §10 item 1): per-set counters beyond
// what BackupSet itself carries (files scanned, files skipped, signature
// bytes sent, content bytes received, signatures sent, deltas stored).
type Stat struct {
	SetID          tardis.SetID
	FilesScanned   int64
	FilesSkipped   int64
	BytesSent      int64
	BytesReceived  int64
	SignatureCount int64
	DeltaCount     int64
}

// DB is one client's metadata database handle.
type DB struct {
	client tardis.ClientName
	sqldb  *sql.DB

	mu         sync.Mutex
	srpSrv     *crypto.SRPServer
	srpName    tardis.ClientName
	currentSet tardis.SetID
}

const schema = `
CREATE TABLE IF NOT EXISTS backup_sets (
	set_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT, session_id TEXT, priority INTEGER, client_time DATETIME,
	server_version TEXT, client_address TEXT, full INTEGER,
	start_time DATETIME, end_time DATETIME, completed INTEGER,
	files_full INTEGER, files_delta INTEGER, bytes_received INTEGER
);
CREATE TABLE IF NOT EXISTS name_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cipher TEXT UNIQUE
);
CREATE TABLE IF NOT EXISTS file_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	first_set INTEGER, last_set INTEGER,
	parent_inode INTEGER, parent_device INTEGER,
	name_cipher TEXT,
	inode INTEGER, device INTEGER, mode INTEGER, uid INTEGER, gid INTEGER,
	nlinks INTEGER, size INTEGER, mtime DATETIME, ctime DATETIME, atime DATETIME,
	checksum_id INTEGER, xattr_ck TEXT, acl_ck TEXT, chain_length INTEGER
);
CREATE INDEX IF NOT EXISTS idx_fv_parent_name ON file_versions(parent_inode, parent_device, name_cipher);
CREATE INDEX IF NOT EXISTS idx_fv_inode ON file_versions(inode, device);
CREATE TABLE IF NOT EXISTS checksums (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hex TEXT UNIQUE,
	is_file INTEGER, encrypted INTEGER, compressed INTEGER,
	size INTEGER, disk_size INTEGER, basis TEXT, delta_size INTEGER, chain_length INTEGER
);
CREATE TABLE IF NOT EXISTS config_entries (
	key TEXT PRIMARY KEY, value TEXT
);
CREATE TABLE IF NOT EXISTS stats (
	set_id INTEGER PRIMARY KEY,
	files_scanned INTEGER, files_skipped INTEGER, bytes_sent INTEGER, bytes_received INTEGER,
	signature_count INTEGER, delta_count INTEGER
);
`

// Open opens (creating and migrating if necessary) the SQLite database at
// path for client. It truncates any WAL left behind by an unclean prior
// shutdown, the Go-native equivalent of the spec's "truncate incomplete
// journal on startup".
func Open(path string, client tardis.ClientName) (*DB, error) {
	const op = "metadb.Open"
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	sqldb.SetMaxOpenConns(1) // single-writer-per-client (spec §5)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA wal_checkpoint(TRUNCATE);",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := sqldb.Exec(stmt); err != nil {
			return nil, errors.E(op, errors.DB, err)
		}
	}
	if _, err := sqldb.Exec(schema); err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	db := &DB{client: client, sqldb: sqldb}
	if err := db.ensureSchemaVersion(); err != nil {
		return nil, errors.E(op, err)
	}
	return db, nil
}

// Close releases the underlying SQLite connection.
func (db *DB) Close() error {
	if err := db.sqldb.Close(); err != nil {
		return errors.E("metadb.Close", errors.DB, err)
	}
	return nil
}

// ensureSchemaVersion checks (and records, on a fresh database) the
// SchemaVersion config key. Any version other than CurrentSchemaVersion is
// refused rather than migrated; a missing version is written as current
// (fresh database).
func (db *DB) ensureSchemaVersion() error {
	const op = "metadb.ensureSchemaVersion"
	v, err := db.GetConfig("SchemaVersion")
	if err != nil && !errors.Match(errors.NotExist, err) {
		return errors.E(op, err)
	}
	if v == "" {
		return db.SetConfig("SchemaVersion", CurrentSchemaVersion)
	}
	if v != CurrentSchemaVersion {
		return errors.E(op, errors.DB, errors.Errorf("schema version %q newer than supported %q", v, CurrentSchemaVersion))
	}
	return nil
}

// SetConfig writes a string config key/value pair (spec §4.4 Config table).
func (db *DB) SetConfig(key, value string) error {
	const op = "metadb.SetConfig"
	_, err := db.sqldb.Exec(
		`INSERT INTO config_entries(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errors.E(op, errors.DB, err)
	}
	return nil
}

// GetConfig reads a string config value, returning errors.NotExist if key
// has never been set.
func (db *DB) GetConfig(key string) (string, error) {
	const op = "metadb.GetConfig"
	var value string
	err := db.sqldb.QueryRow(`SELECT value FROM config_entries WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", errors.E(op, errors.NotExist, errors.Str(key))
	}
	if err != nil {
		return "", errors.E(op, errors.DB, err)
	}
	return value, nil
}

func fmtInode(i tardis.InodeKey) string { return fmt.Sprintf("%d:%d", i.Device, i.Inode) }

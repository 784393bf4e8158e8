package metadb

import (
	"database/sql"
	"strings"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// SetCurrentSet records which set InsertFile/ExtendFileInode/SetChecksum
// operate against by default for the lifetime of one session.
func (db *DB) SetCurrentSet(id tardis.SetID) {
	db.mu.Lock()
	db.currentSet = id
	db.mu.Unlock()
}

func (db *DB) current() tardis.SetID {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.currentSet
}

// CurrentSet returns the set InsertFile/ExtendFileInode/SetChecksum
// currently operate against (the set opened by the live NewBackupSet call).
func (db *DB) CurrentSet() tardis.SetID { return db.current() }

// internName records (if not already present) a name ciphertext, so that
// future schema revisions can intern rather than repeat it; the current
// schema still stores the ciphertext inline on FileVersion but keeps the
// lookup table populated and unique-constrained as a dedup check.
func (db *DB) internName(exec execer, cipher string) error {
	_, err := exec.Exec(`INSERT INTO name_entries(cipher) VALUES (?) ON CONFLICT(cipher) DO NOTHING`, cipher)
	return err
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

const fileVersionColumns = `id, first_set, last_set, parent_inode, parent_device, name_cipher,
	inode, device, mode, uid, gid, nlinks, size, mtime, ctime, atime, checksum_id, xattr_ck, acl_ck, chain_length`

func scanFileVersion(row *sql.Row) (*FileVersion, error) {
	var f FileVersion
	err := row.Scan(&f.ID, &f.FirstSet, &f.LastSet, &f.ParentInode, &f.ParentDevice, &f.NameCipher,
		&f.Inode, &f.Device, &f.Mode, &f.UID, &f.GID, &f.NLinks, &f.Size, &f.MTime, &f.CTime, &f.ATime,
		&f.ChecksumID, &f.XattrCk, &f.AclCk, &f.ChainLength)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanFileVersionRows(rows *sql.Rows) (*FileVersion, error) {
	var f FileVersion
	err := rows.Scan(&f.ID, &f.FirstSet, &f.LastSet, &f.ParentInode, &f.ParentDevice, &f.NameCipher,
		&f.Inode, &f.Device, &f.Mode, &f.UID, &f.GID, &f.NLinks, &f.Size, &f.MTime, &f.CTime, &f.ATime,
		&f.ChecksumID, &f.XattrCk, &f.AclCk, &f.ChainLength)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFileInfoByPath walks p's (already filename-encrypted) components from
// the root, within set, and returns the leaf's version row.
func (db *DB) GetFileInfoByPath(p tardis.Path, set tardis.SetID) (*FileVersion, error) {
	const op = "metadb.GetFileInfoByPath"
	parent := tardis.InodeKey{}
	parts := strings.Split(strings.Trim(string(p), "/"), "/")
	var fv *FileVersion
	for _, part := range parts {
		if part == "" {
			continue
		}
		found, err := db.GetFileInfoByName(part, parent, set)
		if err != nil {
			return nil, errors.E(op, tardis.Path(p), err)
		}
		fv = found
		parent = tardis.InodeKey{Device: found.Device, Inode: found.Inode}
	}
	if fv == nil {
		return nil, errors.E(op, tardis.Path(p), errors.NotExist)
	}
	return fv, nil
}

// GetFileInfoByName looks up a single directory entry by its name
// ciphertext under parent, valid within set.
func (db *DB) GetFileInfoByName(nameCipher string, parent tardis.InodeKey, set tardis.SetID) (*FileVersion, error) {
	const op = "metadb.GetFileInfoByName"
	row := db.sqldb.QueryRow(
		`SELECT `+fileVersionColumns+` FROM file_versions
		 WHERE parent_inode = ? AND parent_device = ? AND name_cipher = ? AND first_set <= ? AND last_set >= ?
		 ORDER BY last_set DESC LIMIT 1`,
		parent.Inode, parent.Device, nameCipher, set, set,
	)
	fv, err := scanFileVersion(row)
	if err == sql.ErrNoRows {
		return nil, errors.E(op, errors.NotExist)
	}
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	return fv, nil
}

// GetFileInfoBySimilar matches by (inode, device, size, mtime) across all
// sets, catching renames and moves that preserve content (spec §4.4).
func (db *DB) GetFileInfoBySimilar(f *FileVersion) (*FileVersion, error) {
	const op = "metadb.GetFileInfoBySimilar"
	row := db.sqldb.QueryRow(
		`SELECT `+fileVersionColumns+` FROM file_versions
		 WHERE inode = ? AND device = ? AND size = ? AND mtime = ?
		 ORDER BY last_set DESC LIMIT 1`,
		f.Inode, f.Device, f.Size, f.MTime,
	)
	fv, err := scanFileVersion(row)
	if err == sql.ErrNoRows {
		return nil, errors.E(op, errors.NotExist)
	}
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	return fv, nil
}

// GetFileInfoByInode returns the most recent version row for (inode,
// device) regardless of size or mtime, used where a caller already knows
// the specific file identity and only needs its latest recorded checksum
// (e.g. CKS/CLN's chain-length and directory-hash lookups).
func (db *DB) GetFileInfoByInode(inode tardis.InodeKey) (*FileVersion, error) {
	const op = "metadb.GetFileInfoByInode"
	row := db.sqldb.QueryRow(
		`SELECT `+fileVersionColumns+` FROM file_versions
		 WHERE inode = ? AND device = ?
		 ORDER BY last_set DESC LIMIT 1`,
		inode.Inode, inode.Device,
	)
	fv, err := scanFileVersion(row)
	if err == sql.ErrNoRows {
		return nil, errors.E(op, errors.NotExist)
	}
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	return fv, nil
}

// GetFileFromPartialBackup is GetFileInfoBySimilar restricted to version
// rows whose last-known set is still incomplete.
func (db *DB) GetFileFromPartialBackup(f *FileVersion) (*FileVersion, error) {
	const op = "metadb.GetFileFromPartialBackup"
	row := db.sqldb.QueryRow(
		`SELECT `+prefixColumns("fv", fileVersionColumns)+` FROM file_versions fv
		 JOIN backup_sets bs ON bs.set_id = fv.last_set
		 WHERE fv.inode = ? AND fv.device = ? AND fv.size = ? AND fv.mtime = ? AND bs.completed = 0
		 ORDER BY fv.last_set DESC LIMIT 1`,
		f.Inode, f.Device, f.Size, f.MTime,
	)
	fv, err := scanFileVersion(row)
	if err == sql.ErrNoRows {
		return nil, errors.E(op, errors.NotExist)
	}
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	return fv, nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ReadDirectory enumerates the children of parent valid within set.
func (db *DB) ReadDirectory(parent tardis.InodeKey, set tardis.SetID) ([]FileVersion, error) {
	const op = "metadb.ReadDirectory"
	rows, err := db.sqldb.Query(
		`SELECT `+fileVersionColumns+` FROM file_versions
		 WHERE parent_inode = ? AND parent_device = ? AND first_set <= ? AND last_set >= ?`,
		parent.Inode, parent.Device, set, set,
	)
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	defer rows.Close()
	var out []FileVersion
	for rows.Next() {
		fv, err := scanFileVersionRows(rows)
		if err != nil {
			return nil, errors.E(op, errors.DB, err)
		}
		out = append(out, *fv)
	}
	return out, nil
}

// ExtendFileInode advances an existing version row's last_set cursor to
// the current set, used when a file is observed unchanged.
func (db *DB) ExtendFileInode(parent tardis.InodeKey, inode tardis.InodeKey, old *FileVersion) error {
	const op = "metadb.ExtendFileInode"
	set := db.current()
	row := old
	if row == nil {
		found := db.sqldb.QueryRow(
			`SELECT `+fileVersionColumns+` FROM file_versions
			 WHERE parent_inode = ? AND parent_device = ? AND inode = ? AND device = ?
			 ORDER BY last_set DESC LIMIT 1`,
			parent.Inode, parent.Device, inode.Inode, inode.Device,
		)
		fv, err := scanFileVersion(found)
		if err == sql.ErrNoRows {
			return errors.E(op, errors.NotExist)
		}
		if err != nil {
			return errors.E(op, errors.DB, err)
		}
		row = fv
	}
	if _, err := db.sqldb.Exec(`UPDATE file_versions SET last_set = ? WHERE id = ?`, set, row.ID); err != nil {
		return errors.E(op, errors.DB, err)
	}
	return nil
}

// InsertFile inserts a new version row under parent, first/last set both
// the current set.
func (db *DB) InsertFile(f FileVersion, parent tardis.InodeKey) (*FileVersion, error) {
	const op = "metadb.InsertFile"
	set := db.current()
	f.ParentInode = parent.Inode
	f.ParentDevice = parent.Device
	f.FirstSet = set
	f.LastSet = set

	tx, err := db.sqldb.Begin()
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	defer tx.Rollback()
	if err := db.internName(tx, f.NameCipher); err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	res, err := tx.Exec(
		`INSERT INTO file_versions(first_set, last_set, parent_inode, parent_device, name_cipher,
			inode, device, mode, uid, gid, nlinks, size, mtime, ctime, atime, checksum_id, xattr_ck, acl_ck, chain_length)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FirstSet, f.LastSet, f.ParentInode, f.ParentDevice, f.NameCipher,
		f.Inode, f.Device, f.Mode, f.UID, f.GID, f.NLinks, f.Size, f.MTime, f.CTime, f.ATime,
		f.ChecksumID, f.XattrCk, f.AclCk, f.ChainLength,
	)
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	f.ID = id
	return &f, nil
}

// CloneDir extends every child version row of parent (as of the previous
// set) into the current set, used when a directory's contents are
// confirmed unchanged by matching directory hash and file count.
func (db *DB) CloneDir(parent tardis.InodeKey) (int64, error) {
	const op = "metadb.CloneDir"
	set := db.current()
	res, err := db.sqldb.Exec(
		`UPDATE file_versions SET last_set = ? WHERE parent_inode = ? AND parent_device = ? AND last_set = ?`,
		set, parent.Inode, parent.Device, set-1,
	)
	if err != nil {
		return 0, errors.E(op, errors.DB, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.E(op, errors.DB, err)
	}
	return n, nil
}

package metadb

import (
	"database/sql"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

const checksumColumns = `id, hex, is_file, encrypted, compressed, size, disk_size, basis, delta_size, chain_length`

func scanChecksum(row *sql.Row) (*Checksum, error) {
	var c Checksum
	err := row.Scan(&c.ID, &c.Hex, &c.IsFile, &c.Encrypted, &c.Compressed, &c.Size, &c.DiskSize,
		&c.Basis, &c.DeltaSize, &c.ChainLength)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertChecksum creates a new blob record. size == tardis.PlaceholderSize
// records a placeholder (reserved, not yet backed by bytes).
func (db *DB) InsertChecksum(ck tardis.Checksum, encrypted, compressed bool, size int64, basis tardis.Checksum, deltaSize int64) (*Checksum, error) {
	const op = "metadb.InsertChecksum"
	chainLen := 0
	if basis != "" {
		parentLen, err := db.GetChainLength(basis)
		if err != nil {
			return nil, errors.E(op, err)
		}
		chainLen = parentLen + 1
		if chainLen > tardis.MaxChainDefault {
			return nil, errors.E(op, errors.Policy, errors.Errorf("chain length %d exceeds max %d", chainLen, tardis.MaxChainDefault))
		}
		if reaches, err := db.basisReaches(string(basis), string(ck)); err != nil {
			return nil, errors.E(op, err)
		} else if reaches {
			return nil, errors.E(op, errors.Invalid, errors.Str("basis graph would contain a cycle"))
		}
	}
	rec := &Checksum{
		Hex:         ck,
		IsFile:      true,
		Encrypted:   encrypted,
		Compressed:  compressed,
		Size:        size,
		DiskSize:    size,
		DeltaSize:   deltaSize,
		ChainLength: chainLen,
	}
	var basisArg sql.NullString
	if basis != "" {
		basisArg = sql.NullString{String: string(basis), Valid: true}
		rec.Basis = basisArg
	}
	res, err := db.sqldb.Exec(
		`INSERT INTO checksums(hex, is_file, encrypted, compressed, size, disk_size, basis, delta_size, chain_length)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Hex, rec.IsFile, rec.Encrypted, rec.Compressed, rec.Size, rec.DiskSize, basisArg, rec.DeltaSize, rec.ChainLength,
	)
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	rec.ID = id
	return rec, nil
}

// basisReaches reports whether starting from basis and following Basis
// pointers we would ever reach target, i.e. whether setting target's basis
// to basis would close a cycle (spec §9 design note: the basis DAG must
// stay acyclic).
func (db *DB) basisReaches(basis, target string) (bool, error) {
	seen := map[string]bool{}
	cur := basis
	for cur != "" {
		if cur == target {
			return true, nil
		}
		if seen[cur] {
			return false, nil
		}
		seen[cur] = true
		row := db.sqldb.QueryRow(`SELECT `+checksumColumns+` FROM checksums WHERE hex = ?`, cur)
		rec, err := scanChecksum(row)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !rec.Basis.Valid {
			break
		}
		cur = rec.Basis.String
	}
	return false, nil
}

// UpdateChecksumFile updates a placeholder record once its bytes have
// arrived.
func (db *DB) UpdateChecksumFile(ck tardis.Checksum, size, diskSize int64) error {
	const op = "metadb.UpdateChecksumFile"
	_, err := db.sqldb.Exec(`UPDATE checksums SET size = ?, disk_size = ? WHERE hex = ?`, size, diskSize, ck)
	if err != nil {
		return errors.E(op, errors.DB, err)
	}
	return nil
}

// GetChecksumInfo returns the full blob record, or errors.NotExist.
func (db *DB) GetChecksumInfo(ck tardis.Checksum) (*Checksum, error) {
	const op = "metadb.GetChecksumInfo"
	row := db.sqldb.QueryRow(`SELECT `+checksumColumns+` FROM checksums WHERE hex = ?`, ck)
	rec, err := scanChecksum(row)
	if err == sql.ErrNoRows {
		return nil, errors.E(op, errors.NotExist)
	}
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	return rec, nil
}

// GetChecksumBySize reports whether any blob record of exactly this size
// already exists in the store, spec §4.6 rule 1's "a blob of that size already
// exists" check for a first-seen file with no FileVersion match at all.
func (db *DB) GetChecksumBySize(size int64) (bool, error) {
	const op = "metadb.GetChecksumBySize"
	var id int64
	err := db.sqldb.QueryRow(`SELECT id FROM checksums WHERE size = ? LIMIT 1`, size).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.E(op, errors.DB, err)
	}
	return true, nil
}

// GetChainLength reads the cached chain length for a checksum record.
func (db *DB) GetChainLength(ck tardis.Checksum) (int, error) {
	const op = "metadb.GetChainLength"
	rec, err := db.GetChecksumInfo(ck)
	if err != nil {
		return 0, errors.E(op, err)
	}
	return rec.ChainLength, nil
}

// LiveChecksums returns the full set of checksums still reachable from a
// file_versions row: every row's own blob plus every blob in its Basis
// chain back to a full (non-delta) root. Anything the store holds that is
// not in this set is an orphan eligible for reclaim (spec §4.8).
func (db *DB) LiveChecksums() (map[tardis.Checksum]bool, error) {
	const op = "metadb.LiveChecksums"
	rows, err := db.sqldb.Query(
		`SELECT DISTINCT c.hex FROM checksums c
		 JOIN file_versions fv ON fv.checksum_id = c.id`)
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	var roots []string
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			rows.Close()
			return nil, errors.E(op, errors.DB, err)
		}
		roots = append(roots, hex)
	}
	rows.Close()

	live := make(map[tardis.Checksum]bool, len(roots))
	for _, hex := range roots {
		cur := hex
		for cur != "" {
			if live[tardis.Checksum(cur)] {
				break
			}
			live[tardis.Checksum(cur)] = true
			rec, err := db.GetChecksumInfo(tardis.Checksum(cur))
			if err != nil {
				if errors.Match(errors.NotExist, err) {
					break
				}
				return nil, errors.E(op, err)
			}
			if !rec.Basis.Valid {
				break
			}
			cur = rec.Basis.String
		}
	}
	return live, nil
}

// DeleteChecksum removes a blob record. Checksum records are deleted only
// by orphan sweep, never by PurgeSets itself (spec §3 "Checksum / Blob
// Record" lifecycle).
func (db *DB) DeleteChecksum(ck tardis.Checksum) error {
	const op = "metadb.DeleteChecksum"
	if _, err := db.sqldb.Exec(`DELETE FROM checksums WHERE hex = ?`, ck); err != nil {
		return errors.E(op, errors.DB, err)
	}
	return nil
}

// GetChecksumHex resolves a checksum record's id (as stored on a
// FileVersion's ChecksumID) back to its hex digest.
func (db *DB) GetChecksumHex(id int64) (tardis.Checksum, error) {
	const op = "metadb.GetChecksumHex"
	var hex string
	err := db.sqldb.QueryRow(`SELECT hex FROM checksums WHERE id = ?`, id).Scan(&hex)
	if err == sql.ErrNoRows {
		return "", errors.E(op, errors.NotExist)
	}
	if err != nil {
		return "", errors.E(op, errors.DB, err)
	}
	return tardis.Checksum(hex), nil
}

// SetChecksum attaches a blob to the most recent version row for
// (inode, device) in the current set.
func (db *DB) SetChecksum(inode tardis.InodeKey, ck tardis.Checksum) error {
	const op = "metadb.SetChecksum"
	row := db.sqldb.QueryRow(`SELECT `+checksumColumns+` FROM checksums WHERE hex = ?`, ck)
	rec, err := scanChecksum(row)
	if err == sql.ErrNoRows {
		return errors.E(op, errors.NotExist)
	}
	if err != nil {
		return errors.E(op, errors.DB, err)
	}
	set := db.current()
	_, err = db.sqldb.Exec(
		`UPDATE file_versions SET checksum_id = ? WHERE inode = ? AND device = ? AND last_set = ?`,
		rec.ID, inode.Inode, inode.Device, set,
	)
	if err != nil {
		return errors.E(op, errors.DB, err)
	}
	return nil
}

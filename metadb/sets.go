package metadb

import (
	"database/sql"
	"time"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// NewSetParams bundles the arguments BACKUP provides to open a set (spec
// §4.4 new_backup_set).
type NewSetParams struct {
	Name          string
	SessionID     string
	Priority      int
	ClientTime    time.Time
	ServerVersion string
	ClientAddress string
	Full          bool
}

// NewBackupSet opens a set, failing if a prior incomplete set for this
// client is still live.
func (db *DB) NewBackupSet(p NewSetParams) (*BackupSet, error) {
	const op = "metadb.NewBackupSet"
	var liveSession string
	err := db.sqldb.QueryRow(
		`SELECT session_id FROM backup_sets WHERE completed = 0 AND end_time IS NULL LIMIT 1`,
	).Scan(&liveSession)
	if err == nil {
		return nil, errors.E(op, errors.Policy, errors.Errorf("previous session %s still running", liveSession))
	}
	if err != sql.ErrNoRows {
		return nil, errors.E(op, errors.DB, err)
	}

	now := time.Now()
	res, err := db.sqldb.Exec(
		`INSERT INTO backup_sets(name, session_id, priority, client_time, server_version,
			client_address, full, start_time, completed, files_full, files_delta, bytes_received)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0)`,
		p.Name, p.SessionID, p.Priority, p.ClientTime, p.ServerVersion, p.ClientAddress, p.Full, now,
	)
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	set := &BackupSet{
		SetID:         tardis.SetID(id),
		Name:          p.Name,
		SessionID:     p.SessionID,
		Priority:      p.Priority,
		ClientTime:    p.ClientTime,
		ServerVersion: p.ServerVersion,
		ClientAddress: p.ClientAddress,
		Full:          p.Full,
		StartTime:     now,
	}
	db.SetCurrentSet(set.SetID)
	return set, nil
}

// CompleteSet seals a set: records end_time and completed, and the final
// transfer counters.
func (db *DB) CompleteSet(id tardis.SetID, completed bool, filesFull, filesDelta, bytesReceived int64) error {
	const op = "metadb.CompleteSet"
	_, err := db.sqldb.Exec(
		`UPDATE backup_sets SET end_time = ?, completed = ?, files_full = ?, files_delta = ?, bytes_received = ?
		 WHERE set_id = ?`,
		time.Now(), completed, filesFull, filesDelta, bytesReceived, id,
	)
	if err != nil {
		return errors.E(op, errors.DB, err)
	}
	return nil
}

// LastBackupSet returns the most recent set row, optionally restricted to
// completed (or incomplete) sets.
func (db *DB) LastBackupSet(completed *bool) (*BackupSet, error) {
	const op = "metadb.LastBackupSet"
	query := `SELECT set_id, name, session_id, priority, client_time, server_version,
		client_address, full, start_time, end_time, completed, files_full, files_delta, bytes_received
		FROM backup_sets`
	args := []interface{}{}
	if completed != nil {
		query += ` WHERE completed = ?`
		args = append(args, *completed)
	}
	query += ` ORDER BY set_id DESC LIMIT 1`
	row := db.sqldb.QueryRow(query, args...)
	set, err := scanBackupSet(row)
	if err == sql.ErrNoRows {
		return nil, errors.E(op, errors.NotExist)
	}
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	return set, nil
}

// ListSets returns every backup set row, oldest first, for reporting tools
// (spec §6 CLI contract's list-sets/describe-set). Listing/reporting is
// itself named out of this module's core scope; this is the minimal data
// access such a tool needs.
func (db *DB) ListSets() ([]BackupSet, error) {
	const op = "metadb.ListSets"
	rows, err := db.sqldb.Query(
		`SELECT set_id, name, session_id, priority, client_time, server_version,
			client_address, full, start_time, end_time, completed, files_full, files_delta, bytes_received
		 FROM backup_sets ORDER BY set_id ASC`)
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	defer rows.Close()
	var out []BackupSet
	for rows.Next() {
		var s BackupSet
		if err := rows.Scan(&s.SetID, &s.Name, &s.SessionID, &s.Priority, &s.ClientTime, &s.ServerVersion,
			&s.ClientAddress, &s.Full, &s.StartTime, &s.EndTime, &s.Completed, &s.FilesFull, &s.FilesDelta, &s.BytesReceived); err != nil {
			return nil, errors.E(op, errors.DB, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSet returns one backup set by id (spec §6 describe-set).
func (db *DB) GetSet(id tardis.SetID) (*BackupSet, error) {
	const op = "metadb.GetSet"
	row := db.sqldb.QueryRow(
		`SELECT set_id, name, session_id, priority, client_time, server_version,
			client_address, full, start_time, end_time, completed, files_full, files_delta, bytes_received
		 FROM backup_sets WHERE set_id = ?`, id)
	set, err := scanBackupSet(row)
	if err == sql.ErrNoRows {
		return nil, errors.E(op, errors.NotExist)
	}
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	return set, nil
}

func scanBackupSet(row *sql.Row) (*BackupSet, error) {
	var s BackupSet
	err := row.Scan(&s.SetID, &s.Name, &s.SessionID, &s.Priority, &s.ClientTime, &s.ServerVersion,
		&s.ClientAddress, &s.Full, &s.StartTime, &s.EndTime, &s.Completed, &s.FilesFull, &s.FilesDelta, &s.BytesReceived)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PurgeSets deletes, atomically, every completed set with priority <=
// priority and end_time strictly before cutoff (and, when beforeSet is
// nonzero, set_id < beforeSet), along with their file-version rows; it
// does not touch checksums (orphan sweep, run separately, reclaims those).
// Returns the number of sets deleted.
func (db *DB) PurgeSets(priority int, cutoff time.Time, beforeSet tardis.SetID) (int, error) {
	return db.purge("metadb.PurgeSets", priority, cutoff, beforeSet, true)
}

// PurgeIncomplete deletes the sets that never completed with priority <=
// priority (and, when beforeSet is nonzero, set_id < beforeSet), in the same
// way as PurgeSets. It does not filter on end_time: cutoff is not used.
func (db *DB) PurgeIncomplete(priority int, cutoff time.Time, beforeSet tardis.SetID) (int, error) {
	return db.purge("metadb.PurgeIncomplete", priority, cutoff, beforeSet, false)
}

func (db *DB) purge(op string, priority int, cutoff time.Time, beforeSet tardis.SetID, completedOnly bool) (int, error) {
	tx, err := db.sqldb.Begin()
	if err != nil {
		return 0, errors.E(op, errors.DB, err)
	}
	defer tx.Rollback()

	query := `SELECT set_id FROM backup_sets WHERE priority <= ?`
	args := []interface{}{priority}
	if completedOnly {
		query += ` AND completed = 1 AND end_time < ?`
		args = append(args, cutoff)
	} else {
		query += ` AND completed = 0`
	}
	if beforeSet > 0 {
		query += ` AND set_id < ?`
		args = append(args, beforeSet)
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return 0, errors.E(op, errors.DB, err)
	}
	var ids []tardis.SetID
	for rows.Next() {
		var id tardis.SetID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.E(op, errors.DB, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM file_versions WHERE first_set = ? AND last_set = ?`, id, id); err != nil {
			return 0, errors.E(op, errors.DB, err)
		}
		if _, err := tx.Exec(`UPDATE file_versions SET last_set = ? WHERE last_set = ?`, id-1, id); err != nil {
			return 0, errors.E(op, errors.DB, err)
		}
		if _, err := tx.Exec(`DELETE FROM backup_sets WHERE set_id = ?`, id); err != nil {
			return 0, errors.E(op, errors.DB, err)
		}
		if _, err := tx.Exec(`DELETE FROM stats WHERE set_id = ?`, id); err != nil {
			return 0, errors.E(op, errors.DB, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.E(op, errors.DB, err)
	}
	return len(ids), nil
}

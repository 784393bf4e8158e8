package metadb

import (
	"database/sql"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// BumpStats adds delta's counters onto set's stats row, creating it on first
// use (SPEC_FULL §10 item 1). Callers accumulate in-memory over a session
// and bump once when it ends (DONE, BYE or abort), so this only ever needs
// to add, never overwrite.
func (db *DB) BumpStats(set tardis.SetID, delta Stat) error {
	const op = "metadb.BumpStats"
	_, err := db.sqldb.Exec(
		`INSERT INTO stats(set_id, files_scanned, files_skipped, bytes_sent, bytes_received, signature_count, delta_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(set_id) DO UPDATE SET
		   files_scanned = files_scanned + excluded.files_scanned,
		   files_skipped = files_skipped + excluded.files_skipped,
		   bytes_sent = bytes_sent + excluded.bytes_sent,
		   bytes_received = bytes_received + excluded.bytes_received,
		   signature_count = signature_count + excluded.signature_count,
		   delta_count = delta_count + excluded.delta_count`,
		set, delta.FilesScanned, delta.FilesSkipped, delta.BytesSent, delta.BytesReceived,
		delta.SignatureCount, delta.DeltaCount,
	)
	if err != nil {
		return errors.E(op, errors.DB, err)
	}
	return nil
}

// GetStats reads the accumulated usage counters for set, returning a zero
// Stat (not an error) if the set never bumped any.
func (db *DB) GetStats(set tardis.SetID) (*Stat, error) {
	const op = "metadb.GetStats"
	st := &Stat{SetID: set}
	row := db.sqldb.QueryRow(
		`SELECT files_scanned, files_skipped, bytes_sent, bytes_received, signature_count, delta_count
		 FROM stats WHERE set_id = ?`, set)
	err := row.Scan(&st.FilesScanned, &st.FilesSkipped, &st.BytesSent, &st.BytesReceived,
		&st.SignatureCount, &st.DeltaCount)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, errors.E(op, errors.DB, err)
	}
	return st, nil
}

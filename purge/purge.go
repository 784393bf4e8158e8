// Package purge implements expired-set deletion and orphan-blob reclaim
// (C8): atomically delete backup sets (and their version rows) older than a
// cursor and at or below a priority, then sweep the blob store for content
// no longer referenced by any surviving version row. It is grounded on the
// teacher's serverutil/perm package in spirit only (no ACL file there to
// adapt); the sweep-in-rounds shape follows the delta-chain bookkeeping the
// pack's backup-oriented repos use to avoid reclaiming a blob that is still
// somebody's delta basis.
package purge

import (
	"time"

	"tardis.dev/errors"
	"tardis.dev/log"
	"tardis.dev/tardis"
)

// MetaDB is the subset of *metadb.DB purge needs, named as an interface so
// tests can fake it without a real SQLite file.
type MetaDB interface {
	PurgeSets(priority int, cutoff time.Time, beforeSet tardis.SetID) (int, error)
	PurgeIncomplete(priority int, cutoff time.Time, beforeSet tardis.SetID) (int, error)
	LiveChecksums() (map[tardis.Checksum]bool, error)
	DeleteChecksum(ck tardis.Checksum) error
}

// BlobStore is the subset of *store.Store the orphan sweep needs.
type BlobStore interface {
	List(fn func(tardis.Checksum) error) error
	Size(ck tardis.Checksum) (int64, error)
	Remove(ck tardis.Checksum) error
}

// Cursor selects which sets PurgeSets/PurgeIncomplete will act on (spec
// §4.8's "(priority, before_time, before_set)").
type Cursor struct {
	Priority   int
	BeforeTime time.Time
	BeforeSet  tardis.SetID
}

// Result reports what a Run call did.
type Result struct {
	SetsDeleted    int
	OrphansRemoved int
	BytesRecovered int64
	SweepRounds    int
}

// Purger ties a client's metadata database to its blob store for purge and
// reclaim.
type Purger struct {
	DB    MetaDB
	Blobs BlobStore
}

// New builds a Purger over db and blobs.
func New(db MetaDB, blobs BlobStore) *Purger {
	return &Purger{DB: db, Blobs: blobs}
}

// Run deletes sets matching cur (or, if incomplete is true, restricted to
// sets that never completed) and then sweeps orphaned blobs. Purging an
// already-purged range is a no-op: zero sets match, the sweep still runs
// but finds nothing new to reclaim (spec §8 invariant).
func (p *Purger) Run(cur Cursor, incomplete bool) (Result, error) {
	const op = "purge.Run"
	var (
		n   int
		err error
	)
	if incomplete {
		n, err = p.DB.PurgeIncomplete(cur.Priority, cur.BeforeTime, cur.BeforeSet)
	} else {
		n, err = p.DB.PurgeSets(cur.Priority, cur.BeforeTime, cur.BeforeSet)
	}
	if err != nil {
		return Result{}, errors.E(op, err)
	}
	log.Debug.Printf("purge: deleted %d sets (incomplete=%v, priority<=%d, before=%s)", n, incomplete, cur.Priority, cur.BeforeTime)

	removed, bytes, rounds, err := p.sweep()
	if err != nil {
		return Result{}, errors.E(op, err)
	}
	return Result{
		SetsDeleted:    n,
		OrphansRemoved: removed,
		BytesRecovered: bytes,
		SweepRounds:    rounds,
	}, nil
}

// Sweep runs the orphan reclaim alone, without deleting any sets. Useful
// from an admin CLI after a purge performed in a separate invocation, or to
// recover space from sets purged before the orphan sweep last ran.
func (p *Purger) Sweep() (removed int, bytesRecovered int64, rounds int, err error) {
	return p.sweep()
}

// sweep runs until a round finds nothing to delete. LiveChecksums follows
// Basis pointers only from live version rows, so a basis referenced solely
// by orphaned deltas is already outside the live set and is removed in the
// same round as they are; the later round is a check that finds nothing.
func (p *Purger) sweep() (removed int, bytesRecovered int64, rounds int, err error) {
	const op = "purge.sweep"
	for {
		live, err := p.DB.LiveChecksums()
		if err != nil {
			return removed, bytesRecovered, rounds, errors.E(op, err)
		}
		var orphans []tardis.Checksum
		walkErr := p.Blobs.List(func(ck tardis.Checksum) error {
			if !live[ck] {
				orphans = append(orphans, ck)
			}
			return nil
		})
		if walkErr != nil {
			return removed, bytesRecovered, rounds, errors.E(op, walkErr)
		}
		rounds++
		if len(orphans) == 0 {
			return removed, bytesRecovered, rounds, nil
		}
		for _, ck := range orphans {
			sz, szErr := p.Blobs.Size(ck)
			if szErr != nil && !errors.Match(errors.NotExist, szErr) {
				return removed, bytesRecovered, rounds, errors.E(op, szErr)
			}
			if err := p.Blobs.Remove(ck); err != nil {
				return removed, bytesRecovered, rounds, errors.E(op, err)
			}
			if err := p.DB.DeleteChecksum(ck); err != nil {
				return removed, bytesRecovered, rounds, errors.E(op, err)
			}
			removed++
			bytesRecovered += sz
		}
		log.Debug.Printf("purge: sweep round %d removed %d blobs (%d bytes)", rounds, len(orphans), bytesRecovered)
	}
}

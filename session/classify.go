package session

import (
	"time"

	"tardis.dev/metadb"
	"tardis.dev/tardis"
)

// Classification is the server's verdict on how a client should transfer
// one file, the outcome of the file-diff policy in spec §4.6.
type Classification int

const (
	// ClassExtend means the file is unchanged; the prior version row's
	// last_set cursor is simply advanced, no transfer needed.
	ClassExtend Classification = iota
	// ClassLinked means another name of the same (inode, device) already
	// has a checksum attached in this session; reuse it.
	ClassLinked
	// ClassCksum asks the client to hash the file and report via CKS;
	// the server may still find it unchanged without a byte transfer.
	ClassCksum
	// ClassContent asks the client to send the full file content fresh.
	ClassContent
	// ClassDelta asks the client to send a rolling-signature delta
	// against the prior version's content.
	ClassDelta
	// ClassRefresh asks the client to resend the full file even though a
	// delta would otherwise apply (chain at limit, size swing too large,
	// or a full backup revisiting a delta-chained file).
	ClassRefresh
	// ClassMetaOnly means content (size/mtime) is unchanged but mode,
	// ownership, ctime, or xattr/acl metadata differs: a new version row
	// is inserted reusing the prior checksum, no transfer needed.
	ClassMetaOnly
)

func (c Classification) String() string {
	switch c {
	case ClassExtend:
		return "EXTEND"
	case ClassLinked:
		return "LINKED"
	case ClassCksum:
		return "CKSUM"
	case ClassContent:
		return "CONTENT"
	case ClassDelta:
		return "DELTA"
	case ClassRefresh:
		return "REFRESH"
	case ClassMetaOnly:
		return "METAONLY"
	}
	return "UNKNOWN"
}

// Candidate is the subset of an incoming DIR entry the classifier needs;
// callers build it from the wire message's per-file fields.
type Candidate struct {
	Inode        tardis.InodeKey
	ParentInode  tardis.InodeKey
	NameCipher   string
	NLinks       uint32
	Size         int64
	MTime        time.Time
	CTime        time.Time
	ModeChanged  bool // mode/ctime/xattr/acl differs from old, even if content doesn't
}

// policy bundles the config knobs the file-diff rules read, resolved from
// metadb.Config per client (falling back to config.Config defaults).
type policy struct {
	CksContentThreshold int64
	MaxChangePercent    float64
	MaxDeltaChain       int
}

// classify implements spec §4.6's five-rule file-diff policy. seenInodes
// tracks which (inode,device) pairs have already been given a checksum in
// this session, supporting the LINKED rule across multiple names of the
// same hardlinked file.
func classify(db *metadb.DB, c Candidate, full bool, pol policy, seenInodes map[tardis.InodeKey]tardis.Checksum) (Classification, *metadb.FileVersion, error) {
	old, err := db.GetFileInfoByName(c.NameCipher, c.ParentInode, db.CurrentSet())
	notFound := err != nil
	if notFound {
		old, err = db.GetFileInfoBySimilar(&metadb.FileVersion{
			Inode: c.Inode.Inode, Device: c.Inode.Device, Size: c.Size, MTime: c.MTime,
		})
		notFound = err != nil
	}

	// Rule 1: no prior version found by path or similarity.
	if notFound {
		if c.NLinks > 1 {
			if _, ok := seenInodes[c.Inode]; ok {
				return ClassLinked, nil, nil
			}
		}
		if c.Size > pol.CksContentThreshold {
			exists, err := db.GetChecksumBySize(c.Size)
			if err != nil {
				return ClassContent, nil, err
			}
			if exists {
				return ClassCksum, nil, nil
			}
		}
		return ClassContent, nil, nil
	}

	// Rule 2: same (inode, device, size, mtime) as before - unchanged
	// content; extend, or insert a metadata-only new version row.
	sameTuple := old.Inode == c.Inode.Inode && old.Device == c.Inode.Device &&
		old.Size == c.Size && old.MTime.Equal(c.MTime)
	if sameTuple {
		if full && old.ChainLength > 0 {
			return ClassRefresh, old, nil
		}
		if c.ModeChanged {
			return ClassMetaOnly, old, nil
		}
		return ClassExtend, old, nil
	}

	// Rule 3: size alone matches; ask the client to hash so we can
	// confirm equality without a content transfer. Checked before rule 4
	// so a same-size file with a differing mtime (e.g. a touch) gets a
	// cheap checksum round trip rather than an unconditional refresh.
	if old.Size == c.Size {
		return ClassCksum, old, nil
	}

	// Rule 4: small files, unknown old size, too-large a size swing, or
	// chain already at the bound always refresh rather than delta.
	const smallFileBound = 4096
	maxChain := pol.MaxDeltaChain
	if maxChain <= 0 {
		maxChain = tardis.MaxChainDefault
	}
	if c.Size < smallFileBound || old.Size <= 0 || old.ChainLength >= maxChain {
		return ClassRefresh, old, nil
	}
	if pol.MaxChangePercent > 0 {
		ratio := float64(c.Size) / float64(old.Size)
		frac := pol.MaxChangePercent / 100
		lo, hi := 1-frac, 1+frac
		if ratio < lo || ratio > hi {
			return ClassRefresh, old, nil
		}
	}

	// Rule 5: the common case - delta against the prior content, or a
	// full transfer if this is a full backup.
	if full {
		return ClassContent, old, nil
	}
	return ClassDelta, old, nil
}

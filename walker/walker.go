// Package walker implements the client-side tree walk (spec §4.7): it
// traverses a root directory in deterministic order, computes a stable
// per-directory hash, decides whether an unchanged directory can be
// cloned wholesale instead of re-sent, and drives the DIR/CLN/CON/DEL/CKS
// wire exchange against a session already past the AUTH/INIT handshake.
// Grounded on the teacher's client/ package for the overall walk-and-push
// shape, and on cmd/upspin-audit/scandir.go for bounded concurrent stat
// calls.
package walker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"tardis.dev/crypto"
	"tardis.dev/errors"
	"tardis.dev/tardis"
	"tardis.dev/wire"
)

// Options configures one Walk of a root directory.
type Options struct {
	Root string

	// LastTimestamp is the prior backup set's start time; a directory
	// whose newest child mtime/ctime predates it is a clone candidate.
	// The zero value means "no prior set" — everything is sent fresh.
	LastTimestamp time.Time

	// CloneThreshold is the minimum direct child count below which
	// attempting a whole-directory clone isn't worth the round trip;
	// smaller directories are always sent via DIR.
	CloneThreshold int

	DirSlice          int
	BatchSize         int
	BatchDuration     time.Duration
	DeltaThresholdPct float64
	HashWorkers       int
	Rules             *Ruleset

	// CompressBlobs zlib-compresses full/delta content before encryption
	// when it is at least CompressMinSize bytes and actually shrinks
	// (SPEC_FULL §10 item 3).
	CompressBlobs   bool
	CompressMinSize int64
}

func (o *Options) setDefaults() {
	if o.CloneThreshold <= 0 {
		o.CloneThreshold = 100
	}
	if o.DirSlice <= 0 {
		o.DirSlice = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchDuration <= 0 {
		o.BatchDuration = 2 * time.Second
	}
	if o.DeltaThresholdPct <= 0 {
		o.DeltaThresholdPct = 50
	}
	if o.HashWorkers <= 0 {
		o.HashWorkers = 4
	}
	if o.Rules == nil {
		o.Rules = &Ruleset{}
	}
	if o.CompressMinSize <= 0 {
		o.CompressMinSize = 256
	}
}

// Stats tallies one Walk's activity for reporting back to the caller.
type Stats struct {
	DirsWalked  int
	FilesSeen   int
	DirsCloned  int
	BytesQueued int64
}

// Walker drives one client-side tree walk over conn, which must already be
// past the AUTH/INIT handshake and ready to accept DIR/CLN/CON/... traffic.
type Walker struct {
	conn       *wire.Conn
	env        *crypto.Envelope
	opts       Options
	batch      *batcher
	rootDevice uint64

	Stats Stats
}

// New builds a Walker; zero-valued Options fields fall back to the same
// defaults config.Default() ships.
func New(conn *wire.Conn, env *crypto.Envelope, opts Options) *Walker {
	opts.setDefaults()
	return &Walker{
		conn:  conn,
		env:   env,
		opts:  opts,
		batch: newBatcher(conn, opts.BatchSize, opts.BatchDuration),
	}
}

// walkCandidate is one scanned filesystem entry, carrying both its plain
// and encrypted identity plus the stat fields the clone/delta/xattr
// decisions need.
type walkCandidate struct {
	path       string
	cipherName string
	isDir      bool
	inode      tardis.InodeKey
	size       int64
	mode       uint32
	uid, gid   uint32
	nlinks     uint32
	mtime      time.Time
	ctime      time.Time
	xattrCk    string
	xattrBlob  []byte
	dirHash    string
}

// Walk traverses opts.Root to completion and flushes any queued batch
// entries.
func (w *Walker) Walk() error {
	const op = "walker.Walk"
	root := w.opts.Root
	fi, err := os.Lstat(root)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	st := platformStat(fi)
	w.rootDevice = st.Device
	rootInode := tardis.InodeKey{Inode: st.Inode, Device: st.Device}

	if _, err := w.walkDir(root, rootInode, nil); err != nil {
		return errors.E(op, err)
	}
	if _, err := w.batch.flush(); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// walkDir scans dir, applies the three exclusion layers, recurses into
// subdirectories first so each child's stable hash is known before dir's
// own hash is computed, and sends dir's direct children (files and
// subdirectories alike) to the server via the clone-vs-DIR decision
// (spec §4.7). It returns dir's own stable hash.
func (w *Walker) walkDir(dir string, dirInode tardis.InodeKey, inheritedRecursive []string) (string, error) {
	const op = "walker.walkDir"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.E(op, errors.IO, err)
	}
	w.Stats.DirsWalked++

	recursive := append(append([]string(nil), inheritedRecursive...), loadPatternFile(filepath.Join(dir, w.opts.Rules.RecursiveFile))...)
	var local []string
	if w.opts.Rules.LocalFile != "" {
		local = loadPatternFile(filepath.Join(dir, w.opts.Rules.LocalFile))
	}
	if w.opts.Rules.CacheDirTagCheck && hasValidCacheDirTag(dir) {
		local = append(local, "*")
	}

	var files, subdirs []*walkCandidate
	for _, ent := range entries {
		name := ent.Name()
		if w.opts.Rules.excluded(name, recursive, local) {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			continue // vanished between readdir and stat
		}
		st := platformStat(fi)
		if w.opts.Rules.CrossDeviceStop && st.Device != w.rootDevice {
			continue
		}
		cipher, err := w.env.EncryptName(name)
		if err != nil {
			return "", errors.E(op, err)
		}
		cand := &walkCandidate{
			path:       filepath.Join(dir, name),
			cipherName: cipher,
			isDir:      ent.IsDir(),
			inode:      tardis.InodeKey{Inode: st.Inode, Device: st.Device},
			size:       fi.Size(),
			mode:       uint32(fi.Mode()),
			uid:        st.UID,
			gid:        st.GID,
			nlinks:     st.NLinks,
			mtime:      fi.ModTime(),
			ctime:      st.CTime,
		}
		if ent.IsDir() {
			subdirs = append(subdirs, cand)
		} else {
			files = append(files, cand)
		}
	}

	if err := w.attachXattrs(files); err != nil {
		return "", err
	}

	// Recurse before deciding: dir's own hash folds in each subdirectory's
	// already-computed hash, never a fresh read of its descendants. Each
	// subdirectory's hash is carried back on its own candidate (dirHash)
	// so it rides along on the DIR entry dir sends for it below, rather
	// than needing a separate DHSH round trip for a row that does not
	// exist yet (dir hasn't registered its children with the server
	// until sendDir runs, further down).
	for _, sd := range subdirs {
		hash, err := w.walkDir(sd.path, sd.inode, recursive)
		if err != nil {
			return "", err
		}
		sd.dirHash = hash
	}

	all := make([]*walkCandidate, 0, len(files)+len(subdirs))
	all = append(all, files...)
	all = append(all, subdirs...)
	sort.Slice(all, func(i, j int) bool { return all[i].cipherName < all[j].cipherName })
	w.Stats.FilesSeen += len(all)

	children := make([]hashChild, 0, len(all))
	for _, c := range all {
		proxy := fileProxy(c.size, c.mtime.UnixNano())
		if c.isDir {
			proxy = c.dirHash
		}
		children = append(children, hashChild{CipherName: c.cipherName, Proxy: proxy})
	}
	hash, err := directoryHash(children)
	if err != nil {
		return "", errors.E(op, err)
	}

	if err := w.decideAndSend(dirInode, hash, all); err != nil {
		return "", err
	}
	return hash, nil
}

// attachXattrs reads each file's extended attributes with a bounded pool
// of concurrent workers (spec SPEC_FULL's ambient-concurrency note),
// computing a content-addressable checksum for any non-empty set.
func (w *Walker) attachXattrs(files []*walkCandidate) error {
	if len(files) == 0 {
		return nil
	}
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(w.opts.HashWorkers)
	for _, f := range files {
		f := f
		g.Go(func() error {
			blob, err := readXattrs(f.path)
			if err != nil || len(blob) == 0 {
				return nil
			}
			sum := sha256.Sum256(blob)
			f.xattrBlob = blob
			f.xattrCk = hex.EncodeToString(sum[:])
			return nil
		})
	}
	return g.Wait()
}

// decideAndSend makes dir's clone-vs-send decision: if dir has at least
// CloneThreshold children and all of them predate LastTimestamp, try a
// whole-directory CLN first; fall back to a full DIR send if the clone
// attempt misses or doesn't apply (spec §4.7).
func (w *Walker) decideAndSend(dirInode tardis.InodeKey, hash string, all []*walkCandidate) error {
	const op = "walker.decideAndSend"
	if len(all) >= w.opts.CloneThreshold && !w.opts.LastTimestamp.IsZero() {
		if newestChangeTime(all).Before(w.opts.LastTimestamp) {
			cloned, err := w.tryClone(dirInode, hash, len(all))
			if err != nil {
				return errors.E(op, err)
			}
			if cloned {
				w.Stats.DirsCloned++
				return nil
			}
		}
	}
	return w.sendDir(dirInode, all)
}

func newestChangeTime(all []*walkCandidate) time.Time {
	var newest time.Time
	for _, c := range all {
		t := c.mtime
		if c.ctime.After(t) {
			t = c.ctime
		}
		if t.After(newest) {
			newest = t
		}
	}
	return newest
}

// tryClone asks the server to clone dirInode wholesale by comparing hash
// against its previously recorded checksum (spec §4.7, handleCln). CLN is
// sent directly rather than through the batcher: its ACKCLN result gates
// whether sendDir must still run, so the walk can't proceed until it's
// back.
func (w *Walker) tryClone(dirInode tardis.InodeKey, hash string, numFiles int) (bool, error) {
	const op = "walker.tryClone"
	msg := wire.NewMessage("CLN", wire.Message{
		"clones": []wire.Message{{
			"inode":    int64(dirInode.Inode),
			"dev":      int64(dirInode.Device),
			"numfiles": int64(numFiles),
			"cksum":    hash,
		}},
	})
	if err := w.conn.Send(msg); err != nil {
		return false, errors.E(op, errors.IO, err)
	}
	resp, err := w.conn.Recv()
	if err != nil {
		return false, errors.E(op, errors.IO, err)
	}
	content, _ := resp["content"].([]interface{})
	return len(content) == 0, nil
}

// sendDir sends one directory's children as DIR chunks bounded by
// DirSlice, then processes each chunk's ACKDIR response by queuing the
// CON/DEL/CKS/METADATA follow-ups it calls for.
func (w *Walker) sendDir(dirInode tardis.InodeKey, all []*walkCandidate) error {
	const op = "walker.sendDir"
	if len(all) == 0 {
		return nil
	}
	byName := make(map[string]*walkCandidate, len(all))
	for _, c := range all {
		byName[c.cipherName] = c
	}
	for start := 0; start < len(all); start += w.opts.DirSlice {
		end := start + w.opts.DirSlice
		if end > len(all) {
			end = len(all)
		}
		chunk := all[start:end]
		last := end >= len(all)

		entries := make([]wire.Message, 0, len(chunk))
		for _, c := range chunk {
			entries = append(entries, fileEntryMessage(c))
		}
		msg := wire.NewMessage("DIR", wire.Message{
			"inode": wire.Message{"inode": int64(dirInode.Inode), "device": int64(dirInode.Device)},
			"files": entries,
			"last":  last,
		})
		if err := w.conn.Send(msg); err != nil {
			return errors.E(op, errors.IO, err)
		}
		resp, err := w.conn.Recv()
		if err != nil {
			return errors.E(op, errors.IO, err)
		}
		if err := w.handleAckDir(resp, byName); err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}

func fileEntryMessage(c *walkCandidate) wire.Message {
	return wire.Message{
		"name": c.cipherName, "inode": int64(c.inode.Inode), "device": int64(c.inode.Device),
		"mode": int64(c.mode), "uid": int64(c.uid), "gid": int64(c.gid), "nlinks": int64(c.nlinks),
		"size": c.size, "mtime": c.mtime.Unix(), "ctime": c.ctime.Unix(), "atime": c.mtime.Unix(),
		"xattr_ck": c.xattrCk, "is_dir": c.isDir, "dirhash": c.dirHash,
	}
}

// handleAckDir acts on one ACKDIR's classification lists: content and
// refresh get a full CON, delta gets a signature-diffed DEL against the
// basis map's checksum, cksum asks the client to hash and report via CKS,
// and any name with a pending xattr blob gets a METADATA transfer.
func (w *Walker) handleAckDir(resp wire.Message, byName map[string]*walkCandidate) error {
	const op = "walker.handleAckDir"
	basis := toStringMap(resp["basis"])

	for _, name := range toStringSlice(resp["content"]) {
		if c := byName[name]; c != nil {
			if err := w.sendFull(c); err != nil {
				return errors.E(op, err)
			}
		}
	}
	for _, name := range toStringSlice(resp["refresh"]) {
		if c := byName[name]; c != nil {
			if err := w.sendFull(c); err != nil {
				return errors.E(op, err)
			}
		}
	}
	for _, name := range toStringSlice(resp["delta"]) {
		c := byName[name]
		if c == nil {
			continue
		}
		if b, ok := basis[name]; ok && b != "" {
			if err := w.sendDelta(c, tardis.Checksum(b)); err != nil {
				return errors.E(op, err)
			}
		} else {
			if err := w.sendFull(c); err != nil {
				return errors.E(op, err)
			}
		}
	}
	if names := toStringSlice(resp["cksum"]); len(names) > 0 {
		if err := w.sendCksums(names, byName); err != nil {
			return errors.E(op, err)
		}
	}
	for _, name := range toStringSlice(resp["xattrs"]) {
		c := byName[name]
		if c == nil || c.xattrBlob == nil {
			continue
		}
		msg := wire.NewMessage("METADATA", wire.Message{"ck": c.xattrCk})
		if _, err := w.batch.add(msg, c.xattrBlob); err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}

// sendCksums hashes each named file's current content and reports the
// checksums via CKS, then acts on ACKSUM exactly as handleAckDir acts on
// ACKDIR's corresponding lists (spec §4.6 rule 3).
func (w *Walker) sendCksums(names []string, byName map[string]*walkCandidate) error {
	const op = "walker.sendCksums"
	var entries []wire.Message
	for _, name := range names {
		c := byName[name]
		if c == nil {
			continue
		}
		plain, err := os.ReadFile(c.path)
		if err != nil {
			return errors.E(op, errors.IO, err)
		}
		sum := sha256.Sum256(plain)
		ck := hex.EncodeToString(sum[:])
		entries = append(entries, wire.Message{
			"name": name, "checksum": ck,
			"inode": int64(c.inode.Inode), "device": int64(c.inode.Device),
		})
	}
	if len(entries) == 0 {
		return nil
	}
	if err := w.conn.Send(wire.NewMessage("CKS", wire.Message{"files": entries})); err != nil {
		return errors.E(op, errors.IO, err)
	}
	resp, err := w.conn.Recv()
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	basis := toStringMap(resp["basis"])
	for _, name := range toStringSlice(resp["content"]) {
		if c := byName[name]; c != nil {
			if err := w.sendFull(c); err != nil {
				return errors.E(op, err)
			}
		}
	}
	for _, name := range toStringSlice(resp["delta"]) {
		c := byName[name]
		if c == nil {
			continue
		}
		if b, ok := basis[name]; ok && b != "" {
			if err := w.sendDelta(c, tardis.Checksum(b)); err != nil {
				return errors.E(op, err)
			}
		} else if err := w.sendFull(c); err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}

func toStringSlice(v interface{}) []string {
	raw, _ := v.([]interface{})
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStringMap(v interface{}) map[string]string {
	out := map[string]string{}
	switch m := v.(type) {
	case map[string]interface{}:
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	case map[string]string:
		for k, s := range m {
			out[k] = s
		}
	}
	return out
}

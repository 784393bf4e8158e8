package session

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io"
	"time"

	"tardis.dev/errors"
	"tardis.dev/metadb"
	"tardis.dev/purge"
	"tardis.dev/rdiff"
	"tardis.dev/tardis"
	"tardis.dev/wire"
)

// fileEntry mirrors one element of DIR's files[] array.
type fileEntry struct {
	NameCipher string
	Inode      uint64
	Device     uint64
	Mode       uint32
	UID, GID   uint32
	NLinks     uint32
	Size       int64
	MTime      time.Time
	CTime      time.Time
	ATime      time.Time
	XattrCk    string
	AclCk      string
	IsDir      bool
	DirHash    string
}

func toFileEntry(v interface{}) fileEntry {
	m, _ := v.(map[string]interface{})
	get := func(k string) interface{} { return m[k] }
	str := func(k string) string { s, _ := get(k).(string); return s }
	num := func(k string) int64 {
		switch n := get(k).(type) {
		case int64:
			return n
		case float64:
			return int64(n)
		case int:
			return int64(n)
		case uint64:
			return int64(n)
		}
		return 0
	}
	when := func(k string) time.Time {
		secs := num(k)
		if secs == 0 {
			return time.Time{}
		}
		return time.Unix(secs, 0).UTC()
	}
	return fileEntry{
		NameCipher: str("name"),
		Inode:      uint64(num("inode")),
		Device:     uint64(num("device")),
		Mode:       uint32(num("mode")),
		UID:        uint32(num("uid")),
		GID:        uint32(num("gid")),
		NLinks:     uint32(num("nlinks")),
		Size:       num("size"),
		MTime:      when("mtime"),
		CTime:      when("ctime"),
		ATime:      when("atime"),
		XattrCk:    str("xattr_ck"),
		AclCk:      str("acl_ck"),
		IsDir:      m["is_dir"] == true,
		DirHash:    str("dirhash"),
	}
}

func (s *Session) policy() policy {
	return policy{
		CksContentThreshold: s.Cfg.CksContentThreshold,
		MaxChangePercent:    s.Cfg.MaxChangePercent,
		MaxDeltaChain:       s.Cfg.MaxDeltaChain,
	}
}

// handleDir implements DIR{path, inode, files[], last} -> ACKDIR{done,
// cksum, content, delta, refresh, xattrs, basis} (spec §4.6). basis maps
// each delta-classified name to the hex checksum the walker should fetch a
// signature for and diff against.
func (s *Session) handleDir(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleDir"
	inodeM, _ := msg["inode"].(map[string]interface{})
	parent := tardis.InodeKey{
		Inode:  uint64(toInt(inodeM["inode"])),
		Device: uint64(toInt(inodeM["device"])),
	}
	files, _ := msg["files"].([]interface{})
	pol := s.policy()

	var done, cksum, content, delta, refresh, xattrs []string
	basis := map[string]string{}
	for _, raw := range files {
		fe := toFileEntry(raw)
		inode := tardis.InodeKey{Inode: fe.Inode, Device: fe.Device}

		// Directory entries never go through the file-diff policy: their
		// "content" is the hash the walker already folded from their own
		// children and sent inline, so the row just extends (or is
		// inserted fresh) with that hash attached as its checksum.
		if fe.IsDir {
			if err := s.insertDirEntry(fe, parent); err != nil {
				return nil, false, errors.E(op, err)
			}
			done = append(done, fe.NameCipher)
			s.stats.FilesScanned++
			continue
		}

		var modeChanged bool
		if prior, perr := s.DB.GetFileInfoByName(fe.NameCipher, parent, s.DB.CurrentSet()); perr == nil {
			modeChanged = prior.Mode != fe.Mode || prior.UID != fe.UID || prior.GID != fe.GID ||
				!prior.CTime.Equal(fe.CTime) ||
				prior.XattrCk.String != fe.XattrCk || prior.AclCk.String != fe.AclCk
		}
		cand := Candidate{
			Inode:       inode,
			ParentInode: parent,
			NameCipher:  fe.NameCipher,
			NLinks:      fe.NLinks,
			Size:        fe.Size,
			MTime:       fe.MTime,
			CTime:       fe.CTime,
			ModeChanged: modeChanged,
		}
		class, old, err := classify(s.DB, cand, s.full, pol, s.seenInodes)
		if err != nil {
			return nil, false, errors.E(op, err)
		}
		switch class {
		case ClassExtend:
			if err := s.DB.ExtendFileInode(parent, inode, old); err != nil {
				return nil, false, errors.E(op, err)
			}
			if old != nil && old.ChecksumID.Valid {
				if ck, err := s.DB.GetChecksumHex(old.ChecksumID.Int64); err == nil {
					s.seenInodes[inode] = ck
				}
			}
			done = append(done, fe.NameCipher)
			s.stats.FilesSkipped++
		case ClassLinked:
			if ck, ok := s.seenInodes[inode]; ok && ck != "" {
				if err := s.insertOrExtend(fe, parent, old); err != nil {
					return nil, false, errors.E(op, err)
				}
				if err := s.DB.SetChecksum(inode, ck); err != nil {
					return nil, false, errors.E(op, err)
				}
			}
			done = append(done, fe.NameCipher)
			s.stats.FilesSkipped++
		case ClassCksum:
			cksum = append(cksum, fe.NameCipher)
		case ClassContent:
			content = append(content, fe.NameCipher)
		case ClassDelta:
			delta = append(delta, fe.NameCipher)
			if old != nil && old.ChecksumID.Valid {
				if ck, err := s.DB.GetChecksumHex(old.ChecksumID.Int64); err == nil {
					basis[fe.NameCipher] = string(ck)
				}
			}
		case ClassRefresh:
			refresh = append(refresh, fe.NameCipher)
		case ClassMetaOnly:
			done = append(done, fe.NameCipher)
			s.stats.FilesSkipped++
		}
		if fe.XattrCk != "" || fe.AclCk != "" {
			xattrs = append(xattrs, fe.NameCipher)
		}
		if class != ClassExtend && class != ClassLinked {
			if err := s.insertOrExtend(fe, parent, old); err != nil {
				return nil, false, errors.E(op, err)
			}
		}
		s.stats.FilesScanned++
	}
	last, _ := msg["last"].(bool)
	return wire.NewResponse(msg, "ACKDIR", wire.Message{
		"done": done, "cksum": cksum, "content": content, "delta": delta,
		"refresh": refresh, "xattrs": xattrs, "last": last, "basis": basis,
	}), false, nil
}

// insertOrExtend records a new version row for fe under parent, reusing
// old's checksum when this is a metadata-only change (spec §4.6 rule 2).
func (s *Session) insertOrExtend(fe fileEntry, parent tardis.InodeKey, old *metadb.FileVersion) error {
	fv := metadb.FileVersion{
		NameCipher: fe.NameCipher,
		Inode:      fe.Inode,
		Device:     fe.Device,
		Mode:       fe.Mode,
		UID:        fe.UID,
		GID:        fe.GID,
		NLinks:     fe.NLinks,
		Size:       fe.Size,
		MTime:      fe.MTime,
		CTime:      fe.CTime,
		ATime:      fe.ATime,
	}
	if fe.XattrCk != "" {
		fv.XattrCk = sql.NullString{String: fe.XattrCk, Valid: true}
	}
	if fe.AclCk != "" {
		fv.AclCk = sql.NullString{String: fe.AclCk, Valid: true}
	}
	if old != nil {
		fv.ChecksumID = old.ChecksumID
	}
	_, err := s.DB.InsertFile(fv, parent)
	return err
}

// insertDirEntry records or extends a subdirectory's own version row under
// parent, attaching fe.DirHash as its checksum directly at write time. This
// is what lets a directory's own row exist (with a comparable checksum)
// before the walker ever reaches that subdirectory in its post-order
// traversal, since otherwise the directory would have no row for a CLN or
// DHSH issued from inside its own walk to attach to (spec §4.6, §3
// "Directory Hash").
func (s *Session) insertDirEntry(fe fileEntry, parent tardis.InodeKey) error {
	const op = "session.insertDirEntry"
	inode := tardis.InodeKey{Inode: fe.Inode, Device: fe.Device}
	old, err := s.DB.GetFileInfoByName(fe.NameCipher, parent, s.DB.CurrentSet())
	notFound := err != nil

	if fe.DirHash != "" {
		if _, cerr := s.DB.GetChecksumInfo(tardis.Checksum(fe.DirHash)); errors.Match(errors.NotExist, cerr) {
			if _, ierr := s.DB.InsertChecksum(tardis.Checksum(fe.DirHash), false, false, fe.Size, "", 0); ierr != nil {
				return errors.E(op, ierr)
			}
		}
	}

	if !notFound {
		if err := s.DB.ExtendFileInode(parent, inode, old); err != nil {
			return errors.E(op, err)
		}
	} else {
		fv := metadb.FileVersion{
			NameCipher: fe.NameCipher,
			Inode:      fe.Inode,
			Device:     fe.Device,
			Mode:       fe.Mode,
			UID:        fe.UID,
			GID:        fe.GID,
			NLinks:     fe.NLinks,
			Size:       fe.Size,
			MTime:      fe.MTime,
			CTime:      fe.CTime,
			ATime:      fe.ATime,
		}
		if _, err := s.DB.InsertFile(fv, parent); err != nil {
			return errors.E(op, err)
		}
	}
	if fe.DirHash != "" {
		if err := s.DB.SetChecksum(inode, tardis.Checksum(fe.DirHash)); err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}

func toInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	}
	return 0
}

// handleDhsh implements DHSH{inode, hash, size} -> ACKDHSH: the directory
// hash is recorded as a pseudo-blob (IsFile=false) and attached to an
// existing version row, the same way a file's content checksum is attached.
// The walker folds a subdirectory's hash directly onto the DIR entry its
// parent sends instead (insertDirEntry), since that row may not exist yet
// when the subdirectory's own walk completes; this handler remains for
// re-stamping a directory's hash out of band (e.g. cmd/tardis-admin repair).
func (s *Session) handleDhsh(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleDhsh"
	inodeM, _ := msg["inode"].(map[string]interface{})
	inode := tardis.InodeKey{Inode: uint64(toInt(inodeM["inode"])), Device: uint64(toInt(inodeM["device"]))}
	hash, _ := msg["hash"].(string)
	size := toInt(msg["size"])

	if _, err := s.DB.GetChecksumInfo(tardis.Checksum(hash)); errors.Match(errors.NotExist, err) {
		if _, err := s.DB.InsertChecksum(tardis.Checksum(hash), false, false, size, "", 0); err != nil {
			return nil, false, errors.E(op, err)
		}
	}
	if err := s.DB.SetChecksum(inode, tardis.Checksum(hash)); err != nil {
		return nil, false, errors.E(op, err)
	}
	return wire.NewResponse(msg, "ACKDHSH", nil), false, nil
}

// handleSgr implements SGR{checksum} -> SIG{...} + data: returns the
// cached rolling signature for a blob, generating and caching one via
// regeneration + C3 if it was never cached (spec §4.6).
func (s *Session) handleSgr(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleSgr"
	ck := tardis.Checksum(mustStr(msg, "checksum"))
	sig, err := s.signatureFor(ck)
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	resp := wire.NewResponse(msg, "SIG", wire.Message{"checksum": string(ck)})
	if err := s.Conn.Send(resp); err != nil {
		return nil, false, errors.E(op, errors.IO, err)
	}
	n, err := s.Conn.SendBulk(sig)
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	s.stats.SignatureCount++
	s.stats.BytesSent += n
	return nil, false, nil
}

// handleSgs implements SGS{checksums[]}, repeating handleSgr's work for
// each checksum in turn.
func (s *Session) handleSgs(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleSgs"
	raw, _ := msg["checksums"].([]interface{})
	for _, v := range raw {
		ckStr, _ := v.(string)
		sig, err := s.signatureFor(tardis.Checksum(ckStr))
		if err != nil {
			return nil, false, errors.E(op, err)
		}
		if err := s.Conn.Send(wire.NewMessage("SIG", wire.Message{"checksum": ckStr})); err != nil {
			return nil, false, errors.E(op, errors.IO, err)
		}
		n, err := s.Conn.SendBulk(sig)
		if err != nil {
			return nil, false, errors.E(op, err)
		}
		s.stats.SignatureCount++
		s.stats.BytesSent += n
	}
	return wire.NewResponse(msg, "ACKSGS", nil), false, nil
}

func (s *Session) signatureFor(ck tardis.Checksum) (*bytes.Reader, error) {
	const op = "session.signatureFor"
	if cached, err := s.Blobs.OpenSignature(ck); err == nil {
		defer cached.Close()
		b, rerr := io.ReadAll(cached)
		if rerr != nil {
			return nil, errors.E(op, errors.IO, rerr)
		}
		return bytes.NewReader(b), nil
	}
	plain, err := s.regenerator().Regenerate(ck, true)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer plain.Close()
	sig, err := rdiff.Signature(plain, rdiff.DefaultBlockSize)
	if err != nil {
		return nil, errors.E(op, err)
	}
	b, err := io.ReadAll(sig)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if err := s.Blobs.PutSignature(ck, bytes.NewReader(b)); err != nil {
		return nil, errors.E(op, err)
	}
	return bytes.NewReader(b), nil
}

func mustStr(msg wire.Message, key string) string {
	s, _ := msg[key].(string)
	return s
}

// handleSig implements SIG{checksum} + data -> persist sidecar.
func (s *Session) handleSig(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleSig"
	ck := tardis.Checksum(mustStr(msg, "checksum"))
	var buf bytes.Buffer
	if _, err := s.Conn.RecvBulk(&buf); err != nil {
		return nil, false, errors.E(op, err)
	}
	if err := s.Blobs.PutSignature(ck, bytes.NewReader(buf.Bytes())); err != nil {
		return nil, false, errors.E(op, err)
	}
	return nil, false, nil
}

// handleDel implements DEL{checksum, basis, size, deltasize, encrypted?} +
// data (spec §4.6): store the delta, unless the chain is already at
// MAX_CHAIN, in which case regenerate the basis, apply this delta, and
// store the result as a new full ("refreshed") blob with no basis.
func (s *Session) handleDel(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleDel"
	ck := tardis.Checksum(mustStr(msg, "checksum"))
	basis := tardis.Checksum(mustStr(msg, "basis"))
	size := toInt(msg["size"])
	deltaSize := toInt(msg["deltasize"])
	encrypted, _ := msg["encrypted"].(bool)
	compressed, _ := msg["compressed"].(bool)

	var buf bytes.Buffer
	if _, err := s.Conn.RecvBulk(&buf); err != nil {
		return nil, false, errors.E(op, err)
	}

	chainLen, err := s.DB.GetChainLength(basis)
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	maxChain := s.Cfg.MaxDeltaChain
	if maxChain <= 0 {
		maxChain = tardis.MaxChainDefault
	}
	if chainLen+1 > maxChain {
		return s.materializeDelta(msg, ck, basis, buf.Bytes(), encrypted)
	}

	if _, err := s.Blobs.Put(ck, bytes.NewReader(buf.Bytes())); err != nil {
		return nil, false, errors.E(op, err)
	}
	if _, err := s.DB.InsertChecksum(ck, encrypted, compressed, size, basis, deltaSize); err != nil {
		return nil, false, errors.E(op, err)
	}
	s.stats.DeltaCount++
	return nil, false, nil
}

// materializeDelta regenerates the basis, applies the delta, and stores
// the reconstructed content as a new full blob (chain_length 0), matching
// spec §4.6 rule 4/DEL's "else C5-regenerate basis, C3-patch, write full".
//
// The server holds no working keys for any scheme but plaintext (spec
// §4.1: they "never leave the client decrypted except in memory"), so for
// an encrypted client this operates on the ciphertext bytes exactly as
// stored and received — rdiff's block-level signature/patch round-trips
// them the same whether or not they happen to be plaintext, and the
// reconstructed blob is re-stored as the same opaque bytes the client
// would itself produce by re-encrypting, without the server ever seeing
// content in the clear.
func (s *Session) materializeDelta(msg wire.Message, ck, basis tardis.Checksum, deltaBytes []byte, encrypted bool) (wire.Message, bool, error) {
	const op = "session.materializeDelta"
	basisRaw, err := s.regenerator().Regenerate(basis, false)
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	defer basisRaw.Close()
	basisBytes, err := io.ReadAll(basisRaw)
	if err != nil {
		return nil, false, errors.E(op, errors.IO, err)
	}
	sig, err := rdiff.Signature(bytes.NewReader(basisBytes), rdiff.DefaultBlockSize)
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	patched, err := rdiff.Patch(bytes.NewReader(basisBytes), sig, bytes.NewReader(deltaBytes))
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	full, err := io.ReadAll(patched)
	if err != nil {
		return nil, false, errors.E(op, errors.IO, err)
	}

	if _, err := s.Blobs.Put(ck, bytes.NewReader(full)); err != nil {
		return nil, false, errors.E(op, err)
	}
	if _, err := s.DB.InsertChecksum(ck, encrypted, false, int64(len(full)), "", 0); err != nil {
		return nil, false, errors.E(op, err)
	}
	return nil, false, nil
}

// handleCon implements CON{checksum?, inode, encrypted?} + data -> write
// blob; attach to version row (spec §4.6).
func (s *Session) handleCon(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleCon"
	var buf bytes.Buffer
	if _, err := s.Conn.RecvBulk(&buf); err != nil {
		return nil, false, errors.E(op, err)
	}
	ck := tardis.Checksum(mustStr(msg, "checksum"))
	if ck == "" {
		sum := sha256.Sum256(buf.Bytes())
		ck = tardis.Checksum(hex.EncodeToString(sum[:]))
	}
	encrypted, _ := msg["encrypted"].(bool)
	compressed, _ := msg["compressed"].(bool)
	inodeM, _ := msg["inode"].(map[string]interface{})
	inode := tardis.InodeKey{Inode: uint64(toInt(inodeM["inode"])), Device: uint64(toInt(inodeM["device"]))}

	if _, err := s.Blobs.Put(ck, bytes.NewReader(buf.Bytes())); err != nil {
		return nil, false, errors.E(op, err)
	}
	if _, err := s.DB.GetChecksumInfo(ck); errors.Match(errors.NotExist, err) {
		if _, err := s.DB.InsertChecksum(ck, encrypted, compressed, int64(buf.Len()), "", 0); err != nil {
			return nil, false, errors.E(op, err)
		}
	}
	if err := s.DB.SetChecksum(inode, ck); err != nil {
		return nil, false, errors.E(op, err)
	}
	s.seenInodes[inode] = ck
	s.stats.BytesReceived += int64(buf.Len())
	return nil, false, nil
}

// handleCks implements CKS{files[]} -> ACKSUM{done, content, delta, basis}
// (spec §4.6): the client has hashed a size-matched file and reports its
// current checksum; basis maps each delta-classified name back to the
// prior checksum to diff against.
func (s *Session) handleCks(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleCks"
	raw, _ := msg["files"].([]interface{})
	var done, content, delta []string
	basis := map[string]string{}
	maxChain := s.Cfg.MaxDeltaChain
	if maxChain <= 0 {
		maxChain = tardis.MaxChainDefault
	}
	for _, v := range raw {
		m, _ := v.(map[string]interface{})
		name, _ := m["name"].(string)
		ck := tardis.Checksum(toStr(m["checksum"]))
		inode := tardis.InodeKey{Inode: uint64(toInt(m["inode"])), Device: uint64(toInt(m["device"]))}

		if rec, err := s.DB.GetChecksumInfo(ck); err == nil && rec.Size >= 0 {
			if err := s.DB.SetChecksum(inode, ck); err != nil {
				return nil, false, errors.E(op, err)
			}
			done = append(done, name)
			continue
		}
		if old, err := s.DB.GetFileInfoByInode(inode); err == nil && old.ChainLength < maxChain {
			delta = append(delta, name)
			if old.ChecksumID.Valid {
				if oldCk, err := s.DB.GetChecksumHex(old.ChecksumID.Int64); err == nil {
					basis[name] = string(oldCk)
				}
			}
			continue
		}
		content = append(content, name)
	}
	return wire.NewResponse(msg, "ACKSUM", wire.Message{
		"done": done, "content": content, "delta": delta, "basis": basis,
	}), false, nil
}

func toStr(v interface{}) string {
	s, _ := v.(string)
	return s
}

// handleCln implements CLN{clones[{inode,dev,numfiles,cksum}]} ->
// ACKCLN{done, content} (spec §4.6): a directory whose hash matches its
// prior version's recorded checksum is cloned wholesale by extending every
// child row. The match is on the hash alone; numfiles is not compared.
func (s *Session) handleCln(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleCln"
	raw, _ := msg["clones"].([]interface{})
	var done, content []string
	for _, v := range raw {
		m, _ := v.(map[string]interface{})
		inode := tardis.InodeKey{Inode: uint64(toInt(m["inode"])), Device: uint64(toInt(m["dev"]))}
		cksum := toStr(m["cksum"])

		old, err := s.DB.GetFileInfoByInode(inode)
		matched := false
		if err == nil && old.ChecksumID.Valid {
			if oldHex, herr := s.DB.GetChecksumHex(old.ChecksumID.Int64); herr == nil && string(oldHex) == cksum {
				matched = true
			}
		}
		if matched {
			if _, err := s.DB.CloneDir(inode); err != nil {
				return nil, false, errors.E(op, err)
			}
			done = append(done, cksum)
			continue
		}
		content = append(content, cksum)
	}
	return wire.NewResponse(msg, "ACKCLN", wire.Message{"done": done, "content": content}), false, nil
}

// handleMeta implements META{metadata[]} -> ACKMETA: an out-of-band ack for
// a batch of already-known xattr/ACL checksums (no bulk data follows).
func (s *Session) handleMeta(msg wire.Message) (wire.Message, bool, error) {
	return wire.NewResponse(msg, "ACKMETA", nil), false, nil
}

// handleMetadata implements METADATA{ck}+data -> ACKMETA: an xattr/ACL blob
// arrives out of band from the file content it decorates, stored the same
// way file content is (spec §4.6).
func (s *Session) handleMetadata(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleMetadata"
	ck := tardis.Checksum(mustStr(msg, "ck"))
	var buf bytes.Buffer
	if _, err := s.Conn.RecvBulk(&buf); err != nil {
		return nil, false, errors.E(op, err)
	}
	if _, err := s.Blobs.Put(ck, bytes.NewReader(buf.Bytes())); err != nil {
		return nil, false, errors.E(op, err)
	}
	if _, err := s.DB.GetChecksumInfo(ck); errors.Match(errors.NotExist, err) {
		if _, err := s.DB.InsertChecksum(ck, false, false, int64(buf.Len()), "", 0); err != nil {
			return nil, false, errors.E(op, err)
		}
	}
	return wire.NewResponse(msg, "ACKMETA", nil), false, nil
}

// handleBatch implements BATCH{batch[]} -> ACKBTCH{responses[]}: dispatches
// each sub-message in order, never itself terminating the session even if
// a nested handler requests it (spec §5 "a BATCH preserves the order of
// its elements").
func (s *Session) handleBatch(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleBatch"
	raw, _ := msg["batch"].([]interface{})
	responses := make([]wire.Message, 0, len(raw))
	for _, v := range raw {
		sub, _ := v.(map[string]interface{})
		resp, _, err := s.dispatch(wire.Message(sub))
		if err != nil {
			resp = wire.NewFail(wire.Message(sub), err)
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	return wire.NewResponse(msg, "ACKBTCH", wire.Message{"responses": responses}), false, nil
}

// handlePrg implements PRG{time?, relative?, priority?} -> ACKPRG: runs C8
// on demand within a running session (spec §4.6).
func (s *Session) handlePrg(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handlePrg"
	priority := int(toInt(msg["priority"]))
	var cutoff time.Time
	if secs := toInt(msg["time"]); secs > 0 {
		cutoff = time.Unix(secs, 0).UTC()
	} else if rel := toInt(msg["relative"]); rel > 0 {
		cutoff = time.Now().Add(-time.Duration(rel) * time.Second)
	} else {
		cutoff = time.Now()
	}
	p := purge.New(s.DB, s.Blobs)
	res, err := p.Run(purge.Cursor{Priority: priority, BeforeTime: cutoff}, false)
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	return wire.NewResponse(msg, "ACKPRG", wire.Message{
		"sets_deleted":    int64(res.SetsDeleted),
		"orphans_removed": int64(res.OrphansRemoved),
		"bytes_recovered": res.BytesRecovered,
	}), false, nil
}

package walker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// hashChild is one entry in a directory's stable hash: the encrypted name
// sent over the wire, paired with a cheap proxy for its content so the
// hash changes when a file is replaced even if its name doesn't. Content
// itself isn't known at scan time, so unlike a blob checksum this proxy
// is deliberately shallow (size, mtime) rather than a full read — grounded
// on Util.hashDir's hashing of encrypted names plus a per-file proxy. For a
// subdirectory the proxy is that subdirectory's own hash (walkDir), so a
// change anywhere below a directory changes its hash too.
type hashChild struct {
	CipherName string
	Proxy      string
}

// fileProxy builds the (size, mtime) proxy used in place of a content hash.
func fileProxy(size, mtimeUnixNano int64) string {
	return fmt.Sprintf("%d:%d", size, mtimeUnixNano)
}

// directoryHash computes a stable hash over one directory's direct
// children, independent of the order children were supplied in. Two
// directories with the same set of (cipher name, proxy) pairs always hash
// identically, so an unchanged directory can be recognized and cloned
// wholesale without content diffing.
func directoryHash(children []hashChild) (string, error) {
	sorted := make([]hashChild, len(children))
	copy(sorted, children)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CipherName < sorted[j].CipherName })

	h := sha256.New()
	for _, c := range sorted {
		h.Write([]byte(c.CipherName))
		h.Write([]byte{0})
		h.Write([]byte(c.Proxy))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

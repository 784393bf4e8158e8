// +build linux dragonfly openbsd solaris

package walker

import (
	"os"
	"syscall"
	"time"
)

// platformStat extracts inode, device, link count and ctime from the
// platform stat_t, mirroring the teacher's own atime_nix.go/atime_bsd.go
// split for the same reason: field names (Ctim vs. Ctimespec) differ across
// unix variants even though the underlying semantics don't.
func platformStat(fi os.FileInfo) fileStat {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fileStat{}
	}
	return fileStat{
		Inode:  uint64(st.Ino),
		Device: uint64(st.Dev),
		NLinks: uint32(st.Nlink),
		UID:    uint32(st.Uid),
		GID:    uint32(st.Gid),
		CTime:  time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)),
	}
}

// +build darwin freebsd netbsd

package walker

import (
	"os"
	"syscall"
	"time"
)

// platformStat is stat_nix.go's twin for the BSD family, where the ctime
// field is named Ctimespec instead of Ctim.
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
		CTime:  time.Unix(int64(st.Ctimespec.Sec), int64(st.Ctimespec.Nsec)),
	}
}

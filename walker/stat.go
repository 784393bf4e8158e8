package walker

import "time"

// fileStat is the subset of POSIX stat(2) fields the walker needs beyond
// what os.FileInfo already exposes: inode identity (hardlink and clone
// tracking, spec §4.6 rule 1) and ctime (the clone decision's
// max(mtime,ctime) test, spec §4.7). platformStat fills it in per-GOOS.
type fileStat struct {
	Inode  uint64
	Device uint64
	NLinks uint32
	UID    uint32
	GID    uint32
	CTime  time.Time
}

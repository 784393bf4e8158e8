// +build windows

package walker

import (
	"hash/fnv"
	"os"
)

// platformStat has no POSIX inode/device concept on Windows. Hardlink
// detection and the clone decision's ctime comparison degrade accordingly:
// each entry gets a synthetic single-link "inode" derived from its name
// alone so candidates still hash to distinct keys, but two hardlinked names
// are never recognized as the same physical file.
func platformStat(fi os.FileInfo) fileStat {
	h := fnv.New64a()
	h.Write([]byte(fi.Name()))
	return fileStat{Inode: h.Sum64(), NLinks: 1, CTime: fi.ModTime()}
}

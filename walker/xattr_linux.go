// +build linux

package walker

import (
	"bytes"
	"sort"

	"golang.org/x/sys/unix"
)

// readXattrs returns a canonical, content-addressable blob of all extended
// attributes set on path, names sorted so two files with an identical
// attribute set always produce the same bytes (spec §4.6 xattr_ck).
func readXattrs(path string) ([]byte, error) {
	sz, err := unix.Listxattr(path, nil)
	if err != nil || sz <= 0 {
		return nil, nil
	}
	namebuf := make([]byte, sz)
	n, err := unix.Listxattr(path, namebuf)
	if err != nil {
		return nil, nil
	}
	names := splitXattrNames(namebuf[:n])
	sort.Strings(names)

	var out bytes.Buffer
	for _, name := range names {
		vsz, err := unix.Getxattr(path, name, nil)
		if err != nil || vsz <= 0 {
			continue
		}
		val := make([]byte, vsz)
		if _, err := unix.Getxattr(path, name, val); err != nil {
			continue
		}
		out.WriteString(name)
		out.WriteByte(0)
		out.Write(val)
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}

func splitXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
